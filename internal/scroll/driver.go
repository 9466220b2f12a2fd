// Package scroll implements the per-group pagination loop that scrolls a feed
// until one of its termination conditions fires.
package scroll

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reason names the condition that terminated a scroll run.
type Reason string

// Termination reasons.
const (
	ReasonStuck         Reason = "stuck"
	ReasonStale         Reason = "stale"
	ReasonSaturated     Reason = "saturated"
	ReasonEndOfContent  Reason = "endOfContent"
	ReasonMaxDuration   Reason = "maxDuration"
	ReasonMaxIterations Reason = "maxIterations"
)

// Config bounds the randomized scroll behaviour and the termination thresholds.
// MaxDuration and MaxIterations are disabled when zero.
type Config struct {
	MinStep              int
	MaxStep              int
	MinDelay             time.Duration
	MaxDelay             time.Duration
	LongPauseProbability float64
	MinLongPause         time.Duration
	MaxLongPause         time.Duration
	StuckLimit           int
	StaleLimit           int
	MaxDuration          time.Duration
	MaxIterations        int
}

// DefaultConfig returns the stock scroll parameters.
func DefaultConfig() Config {
	return Config{
		MinStep:              400,
		MaxStep:              800,
		MinDelay:             500 * time.Millisecond,
		MaxDelay:             1500 * time.Millisecond,
		LongPauseProbability: 0.15,
		MinLongPause:         time.Second,
		MaxLongPause:         2 * time.Second,
		StuckLimit:           5,
		StaleLimit:           10,
	}
}

// Page is the browser surface the driver scrolls.
type Page interface {
	// ScrollBy scrolls forward and returns the offset observed before scrolling.
	ScrollBy(ctx context.Context, distance int) (float64, error)
}

// Conditions are the external termination signals for one group.
type Conditions struct {
	StaleStreak  func() int
	Saturated    func() bool
	EndOfContent <-chan struct{}
}

// Result summarizes a finished run.
type Result struct {
	Iterations int
	Reason     Reason
}

// Option customizes a Driver.
type Option func(*Driver)

// WithRand sets the random source, mainly for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(d *Driver) {
		d.rng = r
	}
}

// WithSleep overrides the sleep function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) {
		d.sleep = fn
	}
}

// WithNow overrides the time source used for the duration ceiling.
func WithNow(fn func() time.Time) Option {
	return func(d *Driver) {
		d.now = fn
	}
}

// Driver runs scroll loops. A single Driver may serve many groups and jobs.
type Driver struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs a Driver.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxStep < cfg.MinStep {
		cfg.MaxStep = cfg.MinStep
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.MaxLongPause < cfg.MinLongPause {
		cfg.MaxLongPause = cfg.MinLongPause
	}
	d := &Driver{
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)), //nolint:gosec // timing jitter only
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run scrolls page until a termination condition fires, the context ends or a
// scroll fails. The returned Result is valid in every case.
func (d *Driver) Run(ctx context.Context, page Page, cond Conditions) (Result, error) {
	var (
		res     Result
		last    float64
		hasLast bool
		stuck   int
		start   = d.now()
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		pos, err := page.ScrollBy(ctx, d.intBetween(d.cfg.MinStep, d.cfg.MaxStep))
		if err != nil {
			return res, fmt.Errorf("scroll iteration %d: %w", res.Iterations+1, err)
		}
		res.Iterations++
		if hasLast && pos == last {
			stuck++
		} else {
			stuck = 0
		}
		last, hasLast = pos, true

		if err := d.pause(ctx); err != nil {
			return res, err
		}

		if reason, done := d.terminated(cond, stuck, res.Iterations, start); done {
			res.Reason = reason
			d.logger.Debug("scroll terminated",
				zap.String("reason", string(reason)),
				zap.Int("iterations", res.Iterations),
			)
			return res, nil
		}
	}
}

func (d *Driver) terminated(cond Conditions, stuck, iterations int, start time.Time) (Reason, bool) {
	if d.cfg.StuckLimit > 0 && stuck >= d.cfg.StuckLimit {
		return ReasonStuck, true
	}
	if cond.StaleStreak != nil && d.cfg.StaleLimit > 0 && cond.StaleStreak() >= d.cfg.StaleLimit {
		return ReasonStale, true
	}
	if cond.Saturated != nil && cond.Saturated() {
		return ReasonSaturated, true
	}
	if cond.EndOfContent != nil {
		select {
		case <-cond.EndOfContent:
			return ReasonEndOfContent, true
		default:
		}
	}
	if d.cfg.MaxIterations > 0 && iterations >= d.cfg.MaxIterations {
		return ReasonMaxIterations, true
	}
	if d.cfg.MaxDuration > 0 && d.now().Sub(start) >= d.cfg.MaxDuration {
		return ReasonMaxDuration, true
	}
	return "", false
}

func (d *Driver) pause(ctx context.Context) error {
	if err := d.sleep(ctx, d.durationBetween(d.cfg.MinDelay, d.cfg.MaxDelay)); err != nil {
		return err
	}
	if d.cfg.LongPauseProbability > 0 && d.float() < d.cfg.LongPauseProbability {
		return d.sleep(ctx, d.durationBetween(d.cfg.MinLongPause, d.cfg.MaxLongPause))
	}
	return nil
}

func (d *Driver) intBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo + d.rng.IntN(hi-lo+1)
}

func (d *Driver) durationBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo + time.Duration(d.rng.Int64N(int64(hi-lo)+1))
}

func (d *Driver) float() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64()
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
