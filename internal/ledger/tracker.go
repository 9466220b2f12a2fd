// Package ledger keeps the authoritative record of scrape jobs, their
// per-group outcomes and derived totals.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Mirror receives a copy of every snapshot change, e.g. a database table.
type Mirror interface {
	SaveSnapshot(ctx context.Context, snap scraper.Snapshot) error
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithMirror attaches a Mirror. Mirror failures are logged and never fail the
// ledger operation.
func WithMirror(m Mirror) Option {
	return func(t *Tracker) {
		t.mirror = m
	}
}

// Tracker stores one current snapshot per user plus every snapshot by job id.
// Each write replaces the whole snapshot value.
type Tracker struct {
	clock  scraper.Clock
	ids    scraper.IDGenerator
	logger *zap.Logger
	mirror Mirror

	mu      sync.RWMutex
	current map[string]string
	jobs    map[string]scraper.Snapshot
}

// New creates a Tracker.
func New(clock scraper.Clock, ids scraper.IDGenerator, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		clock:   clock,
		ids:     ids,
		logger:  logger,
		current: make(map[string]string),
		jobs:    make(map[string]scraper.Snapshot),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start records a running job for userID with every group pending.
func (t *Tracker) Start(ctx context.Context, userID string, groups []string) (string, error) {
	jobID, err := t.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}

	snap := scraper.Snapshot{
		JobID:      jobID,
		UserID:     userID,
		State:      scraper.JobStateRunning,
		Processing: true,
		StartedAt:  t.clock.Now(),
		GroupOrder: append([]string(nil), groups...),
		Groups:     make(map[string]scraper.GroupOutcome, len(groups)),
	}
	for _, g := range groups {
		snap.Groups[g] = scraper.GroupOutcome{GroupID: g, Status: scraper.GroupStatusPending}
	}

	t.mu.Lock()
	if prevID, ok := t.current[userID]; ok {
		if prev := t.jobs[prevID]; prev.Processing {
			t.mu.Unlock()
			return "", fmt.Errorf("%w: user %s already has job %s", scraper.ErrConflict, userID, prevID)
		}
	}
	t.current[userID] = jobID
	t.jobs[jobID] = snap
	t.mu.Unlock()

	t.mirrorSnapshot(ctx, snap)
	return jobID, nil
}

// UpdateGroup replaces the outcome of one group in the user's current job and
// recomputes the totals.
func (t *Tracker) UpdateGroup(ctx context.Context, userID string, outcome scraper.GroupOutcome) (scraper.Snapshot, error) {
	t.mu.Lock()
	snap, err := t.currentLocked(userID)
	if err != nil {
		t.mu.Unlock()
		return scraper.Snapshot{}, err
	}
	if _, ok := snap.Groups[outcome.GroupID]; !ok {
		t.mu.Unlock()
		return scraper.Snapshot{}, fmt.Errorf("%w: group %s is not part of job %s", scraper.ErrValidation, outcome.GroupID, snap.JobID)
	}
	next := snap.Clone()
	next.Groups[outcome.GroupID] = outcome
	recompute(&next)
	t.jobs[next.JobID] = next
	t.mu.Unlock()

	t.mirrorSnapshot(ctx, next)
	return next.Clone(), nil
}

// Complete marks the user's current job terminal. The first call wins; later
// calls return the already terminal snapshot unchanged.
func (t *Tracker) Complete(ctx context.Context, userID string, state scraper.JobState) (scraper.Snapshot, error) {
	if !state.Terminal() {
		return scraper.Snapshot{}, fmt.Errorf("%w: %q is not a terminal state", scraper.ErrValidation, state)
	}

	t.mu.Lock()
	snap, err := t.currentLocked(userID)
	if err != nil {
		t.mu.Unlock()
		return scraper.Snapshot{}, err
	}
	if snap.State.Terminal() {
		t.mu.Unlock()
		return snap.Clone(), nil
	}
	next := snap.Clone()
	ended := t.clock.Now()
	next.State = state
	next.Processing = false
	next.EndedAt = &ended
	recompute(&next)
	t.jobs[next.JobID] = next
	t.mu.Unlock()

	t.mirrorSnapshot(ctx, next)
	return next.Clone(), nil
}

// Current returns the user's most recent job, running or not.
func (t *Tracker) Current(userID string) (scraper.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, err := t.currentLocked(userID)
	if err != nil {
		return scraper.Snapshot{}, err
	}
	return snap.Clone(), nil
}

// ByJobID returns the snapshot of jobID.
func (t *Tracker) ByJobID(jobID string) (scraper.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.jobs[jobID]
	if !ok {
		return scraper.Snapshot{}, fmt.Errorf("%w: job %s", scraper.ErrNotFound, jobID)
	}
	return snap.Clone(), nil
}

func (t *Tracker) currentLocked(userID string) (scraper.Snapshot, error) {
	jobID, ok := t.current[userID]
	if !ok {
		return scraper.Snapshot{}, fmt.Errorf("%w: no job for user %s", scraper.ErrNotFound, userID)
	}
	return t.jobs[jobID], nil
}

func (t *Tracker) mirrorSnapshot(ctx context.Context, snap scraper.Snapshot) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.SaveSnapshot(ctx, snap); err != nil {
		t.logger.Warn("mirror snapshot failed",
			zap.String("job_id", snap.JobID),
			zap.Error(err),
		)
	}
}

func recompute(snap *scraper.Snapshot) {
	snap.TotalPosts, snap.TotalImages = 0, 0
	for _, outcome := range snap.Groups {
		snap.TotalPosts += outcome.PostCount
		snap.TotalImages += outcome.ImageCount
	}
}
