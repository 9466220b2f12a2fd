package scroll

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePage struct {
	positions []float64
	calls     int
	distances []int
	err       error
}

func (p *fakePage) ScrollBy(_ context.Context, distance int) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.distances = append(p.distances, distance)
	idx := p.calls
	p.calls++
	if idx >= len(p.positions) {
		idx = len(p.positions) - 1
	}
	return p.positions[idx], nil
}

// progressing returns a page that always moves forward.
func progressing() *fakePage {
	positions := make([]float64, 1000)
	for i := range positions {
		positions[i] = float64(i * 500)
	}
	return &fakePage{positions: positions}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newDriver(cfg Config, opts ...Option) *Driver {
	opts = append([]Option{WithSleep(noSleep), WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return New(cfg, zap.NewNop(), opts...)
}

func TestRunStopsWhenStuck(t *testing.T) {
	t.Parallel()

	page := &fakePage{positions: []float64{0, 100, 100}}
	res, err := newDriver(DefaultConfig()).Run(context.Background(), page, Conditions{})
	require.NoError(t, err)
	require.Equal(t, ReasonStuck, res.Reason)
	// two progressing iterations then five unchanged ones
	require.Equal(t, 7, res.Iterations)
	for _, d := range page.distances {
		require.GreaterOrEqual(t, d, 400)
		require.LessOrEqual(t, d, 800)
	}
}

func TestRunStopsOnStaleStreak(t *testing.T) {
	t.Parallel()

	var streak atomic.Int32
	page := progressing()
	cond := Conditions{StaleStreak: func() int { return int(streak.Add(3)) }}
	res, err := newDriver(DefaultConfig()).Run(context.Background(), page, cond)
	require.NoError(t, err)
	require.Equal(t, ReasonStale, res.Reason)
	require.Equal(t, 4, res.Iterations)
}

func TestRunStopsWhenSaturated(t *testing.T) {
	t.Parallel()

	page := progressing()
	calls := 0
	cond := Conditions{Saturated: func() bool {
		calls++
		return calls >= 3
	}}
	res, err := newDriver(DefaultConfig()).Run(context.Background(), page, cond)
	require.NoError(t, err)
	require.Equal(t, ReasonSaturated, res.Reason)
	require.Equal(t, 3, res.Iterations)
}

func TestRunStopsOnEndOfContent(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	close(done)
	res, err := newDriver(DefaultConfig()).Run(context.Background(), progressing(), Conditions{EndOfContent: done})
	require.NoError(t, err)
	require.Equal(t, ReasonEndOfContent, res.Reason)
	require.Equal(t, 1, res.Iterations)
}

func TestRunCeilings(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxIterations = 12
	res, err := newDriver(cfg).Run(context.Background(), progressing(), Conditions{})
	require.NoError(t, err)
	require.Equal(t, ReasonMaxIterations, res.Reason)
	require.Equal(t, 12, res.Iterations)

	cfg = DefaultConfig()
	cfg.MaxDuration = time.Minute
	now := time.Unix(0, 0)
	tick := func() time.Time {
		now = now.Add(10 * time.Second)
		return now
	}
	res, err = newDriver(cfg, WithNow(tick)).Run(context.Background(), progressing(), Conditions{})
	require.NoError(t, err)
	require.Equal(t, ReasonMaxDuration, res.Reason)
	require.Equal(t, 6, res.Iterations)
}

func TestRunPropagatesScrollError(t *testing.T) {
	t.Parallel()

	boom := errors.New("target closed")
	_, err := newDriver(DefaultConfig()).Run(context.Background(), &fakePage{err: boom}, Conditions{})
	require.ErrorIs(t, err, boom)
}

func TestRunHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDriver(DefaultConfig()).Run(ctx, progressing(), Conditions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPauseDrawsWithinBounds(t *testing.T) {
	t.Parallel()

	var sleeps []time.Duration
	record := func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	cfg := DefaultConfig()
	cfg.LongPauseProbability = 1
	d := newDriver(cfg, WithSleep(record))
	require.NoError(t, d.pause(context.Background()))
	require.Len(t, sleeps, 2)
	require.GreaterOrEqual(t, sleeps[0], 500*time.Millisecond)
	require.LessOrEqual(t, sleeps[0], 1500*time.Millisecond)
	require.GreaterOrEqual(t, sleeps[1], time.Second)
	require.LessOrEqual(t, sleeps[1], 2*time.Second)
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), 0))
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestSeededRandIsRepeatable(t *testing.T) {
	t.Parallel()

	run := func() []int {
		page := progressing()
		_, err := newDriver(DefaultConfig()).Run(context.Background(), page, Conditions{
			Saturated: func() bool { return page.calls >= 20 },
		})
		require.NoError(t, err)
		return page.distances
	}
	require.Equal(t, run(), run())
}
