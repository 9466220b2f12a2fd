// Package proxy acquires, validates and persists sticky egress leases.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

var leasePattern = regexp.MustCompile(`^[^\s:@/]+(?:__|:)[^\s@/]+@[A-Za-z0-9.\-]+:\d{1,5}$`)

// Lease is a parsed sticky proxy credential.
type Lease struct {
	Username string
	Password string
	Host     string
	Port     string
}

// Server returns the proxy endpoint in scheme://host:port form.
func (l Lease) Server() string {
	return "http://" + net.JoinHostPort(l.Host, l.Port)
}

// Parse validates raw against the user__pass@host:port shape (a colon is
// accepted in place of the double underscore) and splits it.
func Parse(raw string) (Lease, error) {
	raw = strings.TrimSpace(raw)
	if !leasePattern.MatchString(raw) {
		return Lease{}, fmt.Errorf("%w: lease %q does not match user__pass@host:port", scraper.ErrProxyProvision, redact(raw))
	}
	at := strings.LastIndex(raw, "@")
	creds, hostPort := raw[:at], raw[at+1:]

	user, pass, ok := strings.Cut(creds, "__")
	if !ok {
		user, pass, _ = strings.Cut(creds, ":")
	}
	u, err := url.Parse("http://" + url.UserPassword(user, pass).String() + "@" + hostPort)
	if err != nil {
		return Lease{}, fmt.Errorf("%w: lease is not a valid url: %w", scraper.ErrProxyProvision, err)
	}
	if u.Port() == "" || u.Hostname() == "" {
		return Lease{}, fmt.Errorf("%w: lease is missing host or port", scraper.ErrProxyProvision)
	}
	return Lease{Username: user, Password: pass, Host: u.Hostname(), Port: u.Port()}, nil
}

func redact(raw string) string {
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		return "***" + raw[at:]
	}
	if len(raw) > 8 {
		return raw[:4] + "***"
	}
	return raw
}
