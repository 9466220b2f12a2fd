// Package notify delivers job completion and failure notifications to the
// caller's webhook and, optionally, a message bus.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/metrics"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Notification statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Config controls delivery.
type Config struct {
	Timeout time.Duration
	Topic   string
}

// Notifier sends notifications. Every delivery is a single attempt.
type Notifier struct {
	cfg       Config
	client    *http.Client
	publisher scraper.Publisher
	clock     scraper.Clock
	logger    *zap.Logger
}

// New creates a Notifier. publisher may be nil.
func New(cfg Config, publisher scraper.Publisher, clock scraper.Clock, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Notifier{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Result carries what a notification needs to know about a finished job.
type Result struct {
	Job      scraper.Job
	Snapshot scraper.Snapshot
	Posts    map[string][]scraper.Post
}

// Success builds and delivers the success payload.
func (n *Notifier) Success(ctx context.Context, res Result) error {
	now := n.clock.Now().UTC()
	data := groupData(res, true)
	stats := computeStats(res)
	payload := SuccessPayload{
		UserID:      res.Job.UserID,
		Data:        data,
		Status:      StatusSuccess,
		JobID:       res.Job.ID,
		CompletedAt: now,
		Stats:       stats,
	}
	n.publish(ctx, Event{JobID: res.Job.ID, UserID: res.Job.UserID, Status: StatusSuccess, CompletedAt: now, Stats: stats})
	return n.Deliver(ctx, res.Job.WebhookURL, payload)
}

// Failure builds and delivers the failure payload for cause.
func (n *Notifier) Failure(ctx context.Context, res Result, cause error, stack string) error {
	now := n.clock.Now().UTC()
	stats := computeStats(res)
	payload := FailurePayload{
		UserID: res.Job.UserID,
		Status: StatusFailed,
		JobID:  res.Job.ID,
		Error: ErrorDetail{
			Message:   cause.Error(),
			Type:      scraper.Kind(cause),
			Stack:     stack,
			Timestamp: now,
		},
		Context: FailureContext{
			Groups:            res.Job.Groups,
			MaxPostsAge:       res.Job.MaxPostsAgeHours,
			MaxPostsFromGroup: res.Job.PerGroupCap,
			CompletedGroups:   stats.CompletedGroups,
			PartialData:       groupData(res, false),
		},
		Stats: stats,
	}
	n.publish(ctx, Event{
		JobID:       res.Job.ID,
		UserID:      res.Job.UserID,
		Status:      StatusFailed,
		CompletedAt: now,
		Stats:       stats,
		Error:       cause.Error(),
	})
	return n.Deliver(ctx, res.Job.WebhookURL, payload)
}

// Deliver POSTs payload as JSON to url. Any transport error or non-2xx
// response is returned wrapped with ErrNotificationDelivery.
func (n *Notifier) Deliver(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %w", scraper.ErrNotificationDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		metrics.ObserveWebhook("error")
		return fmt.Errorf("%w: build request: %w", scraper.ErrNotificationDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.ObserveWebhook("error")
		return fmt.Errorf("%w: %w", scraper.ErrNotificationDelivery, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveWebhook("rejected")
		return fmt.Errorf("%w: webhook returned status %d", scraper.ErrNotificationDelivery, resp.StatusCode)
	}
	metrics.ObserveWebhook("ok")
	n.logger.Info("webhook delivered", zap.String("url", url), zap.Int("bytes", len(body)))
	return nil
}

func (n *Notifier) publish(ctx context.Context, event Event) {
	if n.publisher == nil || n.cfg.Topic == "" {
		return
	}
	if _, err := n.publisher.Publish(ctx, n.cfg.Topic, event); err != nil {
		n.logger.Warn("publish completion event failed",
			zap.String("job_id", event.JobID),
			zap.Error(err),
		)
	}
}

// groupData keys every post by id. With fillEmpty set, requested groups that
// produced nothing carry a "No posts found" message.
func groupData(res Result, fillEmpty bool) map[string]GroupData {
	out := make(map[string]GroupData, len(res.Job.Groups))
	for group, posts := range res.Posts {
		if len(posts) == 0 {
			continue
		}
		byID := make(map[string]scraper.Post, len(posts))
		for _, p := range posts {
			byID[p.PostID] = p
		}
		out[group] = GroupData{Posts: byID}
	}
	if fillEmpty {
		for _, g := range res.Job.Groups {
			if _, ok := out[g]; !ok {
				out[g] = GroupData{Error: fmt.Sprintf("No posts found in last %s hours", formatHours(res.Job.MaxPostsAgeHours))}
			}
		}
	}
	return out
}

func computeStats(res Result) Stats {
	stats := Stats{
		TotalGroups:     len(res.Job.Groups),
		CompletedGroups: res.Snapshot.CompletedGroups(),
	}
	for _, posts := range res.Posts {
		stats.TotalPosts += len(posts)
		for _, p := range posts {
			stats.TotalImages += len(p.Images)
		}
	}
	return stats
}

func formatHours(h float64) string {
	return fmt.Sprintf("%g", h)
}
