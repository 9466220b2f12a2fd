package media

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/metrics"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Directory is a media store that can drop files older than a cutoff.
type Directory interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper enforces the retention window on the media directory independently
// of any job.
type Sweeper struct {
	dir       Directory
	retention time.Duration
	interval  time.Duration
	clock     scraper.Clock
	logger    *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(dir Directory, retention, interval time.Duration, clock scraper.Clock, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Sweeper{
		dir:       dir,
		retention: retention,
		interval:  interval,
		clock:     clock,
		logger:    logger,
	}
}

// Sweep runs one retention pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	removed, err := s.dir.Sweep(ctx, s.clock.Now().Add(-s.retention))
	if removed > 0 {
		metrics.ObserveMediaSwept(removed)
	}
	return removed, err
}

// Run sweeps once immediately and then every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		removed, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("media sweep failed", zap.Int("removed", removed), zap.Error(err))
		} else if removed > 0 {
			s.logger.Info("media sweep removed files", zap.Int("removed", removed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
