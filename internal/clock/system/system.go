// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements scraper.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC so ledger timestamps and webhook
// payloads never carry the host's zone.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
