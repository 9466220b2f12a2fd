// Package orchestrator runs scrape jobs: one detached task per job that walks
// the requested groups in order, collects posts, stores media and reports
// the result to the caller's webhook.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/credentials"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/interceptor"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/metrics"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/notify"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scroll"
)

const (
	noPostsNote = "no posts in window"
	tracerName  = "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/orchestrator"
)

// Ledger records job and group progress.
type Ledger interface {
	Start(ctx context.Context, userID string, groups []string) (string, error)
	UpdateGroup(ctx context.Context, userID string, outcome scraper.GroupOutcome) (scraper.Snapshot, error)
	Complete(ctx context.Context, userID string, state scraper.JobState) (scraper.Snapshot, error)
}

// Scroller paginates one group.
type Scroller interface {
	Run(ctx context.Context, page scroll.Page, cond scroll.Conditions) (scroll.Result, error)
}

// MediaProcessor replaces remote image URIs with local paths.
type MediaProcessor interface {
	Process(ctx context.Context, posts []scraper.Post) []scraper.Post
}

// ProxyLookup returns the user's persisted lease, or nil.
type ProxyLookup interface {
	Lookup(ctx context.Context, userID string) (*scraper.ProxyAssignment, error)
}

// PostMirror receives every post at job end.
type PostMirror interface {
	SavePosts(ctx context.Context, jobID string, posts []scraper.Post) error
}

// Notifier delivers completion and failure notifications.
type Notifier interface {
	Success(ctx context.Context, res notify.Result) error
	Failure(ctx context.Context, res notify.Result, cause error, stack string) error
}

// Config tunes job execution.
type Config struct {
	// MaxDepth caps deep path extraction.
	MaxDepth int
	// NotifyTimeout bounds the failure notification sent after the job
	// context has ended.
	NotifyTimeout time.Duration
}

// Dependencies are the collaborators a Service drives. Proxies, Posts and
// Media may be nil.
type Dependencies struct {
	Credentials scraper.CredentialStore
	Browser     scraper.Browser
	Ledger      Ledger
	Scroller    Scroller
	Media       MediaProcessor
	Proxies     ProxyLookup
	Posts       PostMirror
	Notifier    Notifier
	Clock       scraper.Clock
}

// Service starts and supervises jobs.
type Service struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]string
}

// New creates a Service. Jobs run until they finish or Shutdown is called.
func New(cfg Config, deps Dependencies, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("orchestrator"),
		baseCtx: ctx,
		cancel:  cancel,
		active:  make(map[string]string),
	}
}

// StartJob validates req, launches the user's browser session and runs the
// job in the background. It returns as soon as the job is running.
func (s *Service) StartJob(ctx context.Context, req scraper.SubmitRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := s.baseCtx.Err(); err != nil {
		return "", fmt.Errorf("orchestrator is shutting down: %w", err)
	}
	groups := uniqueGroups(req.Groups)

	if !s.reserve(req.UserID) {
		return "", fmt.Errorf("%w: user %s already has an active scraping job", scraper.ErrConflict, req.UserID)
	}
	reserved := true
	defer func() {
		if reserved {
			s.releaseSlot(req.UserID)
		}
	}()

	cookies, err := credentials.SessionCookies(ctx, s.deps.Credentials, req.UserID)
	if err != nil {
		return "", err
	}
	var lease *scraper.ProxyAssignment
	if s.deps.Proxies != nil {
		lease, err = s.deps.Proxies.Lookup(ctx, req.UserID)
		if err != nil {
			return "", fmt.Errorf("lookup proxy lease: %w", err)
		}
	}

	// The launch honors the request and shutdown; the session outlives both.
	launchCtx, cancelLaunch := context.WithCancel(ctx)
	stopLaunch := context.AfterFunc(s.baseCtx, cancelLaunch)
	session, err := s.deps.Browser.Launch(launchCtx, scraper.SessionOptions{
		UserID:  req.UserID,
		Cookies: cookies,
		Proxy:   lease,
	})
	stopLaunch()
	cancelLaunch()
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}

	jobID, err := s.deps.Ledger.Start(ctx, req.UserID, groups)
	if err != nil {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn("close browser session", zap.String("user_id", req.UserID), zap.Error(cerr))
		}
		return "", err
	}
	now := s.deps.Clock.Now()
	job := scraper.Job{
		ID:               jobID,
		UserID:           req.UserID,
		State:            scraper.JobStateRunning,
		StartedAt:        now,
		Groups:           groups,
		RecencyCutoff:    req.Cutoff(now),
		PerGroupCap:      req.MaxPostsPerGroup,
		MaxPostsAgeHours: req.MaxPostsAgeHours,
		WebhookURL:       req.WebhookURL,
	}
	logger := s.logger.With(zap.String("job_id", jobID), zap.String("user_id", req.UserID))

	pipeline := interceptor.New(interceptor.Config{
		Groups:   groups,
		Cutoff:   job.RecencyCutoff,
		Cap:      job.PerGroupCap,
		MaxDepth: s.cfg.MaxDepth,
	}, logger)
	session.OnFeedResponse(pipeline.HandleBody)

	s.mu.Lock()
	s.active[req.UserID] = jobID
	s.mu.Unlock()
	reserved = false

	metrics.IncActiveJobs()
	s.wg.Add(1)
	go s.run(job, session, pipeline, logger)

	logger.Info("job started", zap.Strings("groups", groups), zap.Time("cutoff", job.RecencyCutoff))
	return jobID, nil
}

// Shutdown cancels every running job, which closes their sessions, and
// waits for the job tasks to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// ActiveJob reports the job currently running for userID.
func (s *Service) ActiveJob(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.active[userID]
	return jobID, ok && jobID != ""
}

func (s *Service) reserve(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[userID]; busy {
		return false
	}
	s.active[userID] = ""
	return true
}

func (s *Service) releaseSlot(userID string) {
	s.mu.Lock()
	delete(s.active, userID)
	s.mu.Unlock()
}

// jobRun is the per-job context threaded through every stage.
type jobRun struct {
	job      scraper.Job
	session  scraper.Session
	pipeline *interceptor.Pipeline
	logger   *zap.Logger
	snapshot scraper.Snapshot
	posts    map[string][]scraper.Post
	recorded map[string]bool
}

func (s *Service) run(job scraper.Job, session scraper.Session, pipeline *interceptor.Pipeline, logger *zap.Logger) {
	ctx, span := otel.Tracer(tracerName).Start(s.baseCtx, "scrape.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("user.id", job.UserID),
		attribute.Int("job.groups", len(job.Groups)),
	))
	jr := &jobRun{job: job, session: session, pipeline: pipeline, logger: logger, recorded: make(map[string]bool)}
	state := scraper.JobStateFailed

	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("close browser session", zap.Error(err))
		}
		cleanupCtx := context.WithoutCancel(ctx)
		if _, err := s.deps.Ledger.Complete(cleanupCtx, job.UserID, state); err != nil {
			logger.Warn("complete ledger", zap.Error(err))
		}
		s.releaseSlot(job.UserID)
		metrics.DecActiveJobs()
		metrics.ObserveJob(string(state), s.deps.Clock.Now().Sub(job.StartedAt))
		logger.Info("job finished", zap.String("state", string(state)))
		if state == scraper.JobStateFailed {
			span.SetStatus(codes.Error, "job failed")
		}
		span.End()
		s.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			if state == scraper.JobStateCompleted {
				logger.Error("panic after job completed", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				return
			}
			s.fail(ctx, jr, &panicError{value: r}, string(debug.Stack()))
		}
	}()

	if err := s.execute(ctx, jr); err != nil {
		s.fail(ctx, jr, err, fmt.Sprintf("%+v", err))
		return
	}
	state = scraper.JobStateCompleted
	if err := s.deps.Notifier.Success(ctx, s.result(jr)); err != nil {
		logger.Error("success notification not delivered", zap.Error(err))
	}
}

func (s *Service) execute(ctx context.Context, jr *jobRun) error {
	for _, group := range jr.job.Groups {
		if err := s.processGroup(ctx, jr, group); err != nil {
			return err
		}
	}

	all := jr.pipeline.All()
	var flat []scraper.Post
	for _, group := range jr.job.Groups {
		flat = append(flat, all[group]...)
	}
	if s.deps.Media != nil && len(flat) > 0 {
		flat = s.deps.Media.Process(ctx, flat)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("job interrupted: %w", err)
	}
	jr.posts = regroup(jr.job.Groups, flat)

	if s.deps.Posts != nil && len(flat) > 0 {
		if err := s.deps.Posts.SavePosts(ctx, jr.job.ID, flat); err != nil {
			jr.logger.Warn("mirror posts", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) processGroup(ctx context.Context, jr *jobRun, group string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scrape.group", trace.WithAttributes(attribute.String("group.id", group)))
	defer span.End()
	logger := jr.logger.With(zap.String("group_id", group))
	jr.pipeline.BeginGroup()

	state, err := jr.session.Open(ctx, group)
	if err != nil {
		return fmt.Errorf("open group %s: %w", group, err)
	}
	if state != scraper.PageOK {
		navErr := &scraper.NavigationError{Group: group, Outcome: state}
		logger.Warn("group unavailable", zap.Error(navErr))
		metrics.ObserveGroup(string(state), 0)
		return s.record(ctx, jr, scraper.GroupOutcome{
			GroupID: group,
			Status:  scraper.GroupStatusFailed,
			Error:   string(state),
			Note:    state.Note(),
		})
	}

	res, err := s.deps.Scroller.Run(ctx, jr.session, scroll.Conditions{
		StaleStreak:  jr.pipeline.StaleStreak,
		Saturated:    func() bool { return jr.pipeline.Saturated(group) },
		EndOfContent: jr.session.EndOfContent(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("scroll group %s: %w", group, err)
		}
		logger.Warn("scroll failed", zap.Int("iterations", res.Iterations), zap.Error(err))
		metrics.ObserveGroup("scroll_failed", res.Iterations)
		posts, images := jr.pipeline.Counts(group)
		return s.record(ctx, jr, scraper.GroupOutcome{
			GroupID:    group,
			Status:     scraper.GroupStatusFailed,
			PostCount:  posts,
			ImageCount: images,
			Error:      err.Error(),
		})
	}

	posts, images := jr.pipeline.Counts(group)
	span.SetAttributes(
		attribute.String("scroll.reason", string(res.Reason)),
		attribute.Int("scroll.iterations", res.Iterations),
		attribute.Int("group.posts", posts),
	)
	outcome := scraper.GroupOutcome{
		GroupID:    group,
		Status:     scraper.GroupStatusCompleted,
		PostCount:  posts,
		ImageCount: images,
	}
	if posts == 0 {
		outcome.Note = noPostsNote
	}
	logger.Info("group finished",
		zap.String("reason", string(res.Reason)),
		zap.Int("iterations", res.Iterations),
		zap.Int("posts", posts),
		zap.Int("images", images),
	)
	metrics.ObserveGroup(string(scraper.GroupStatusCompleted), res.Iterations)
	return s.record(ctx, jr, outcome)
}

func (s *Service) record(ctx context.Context, jr *jobRun, outcome scraper.GroupOutcome) error {
	snap, err := s.deps.Ledger.UpdateGroup(ctx, jr.job.UserID, outcome)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", outcome.GroupID, err)
	}
	jr.snapshot = snap
	jr.recorded[outcome.GroupID] = true
	return nil
}

func (s *Service) fail(ctx context.Context, jr *jobRun, cause error, stack string) {
	jr.logger.Error("job failed", zap.Error(cause))
	trace.SpanFromContext(ctx).RecordError(cause)
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	for _, group := range jr.job.Groups {
		if jr.recorded[group] {
			continue
		}
		snap, err := s.deps.Ledger.UpdateGroup(notifyCtx, jr.job.UserID, scraper.GroupOutcome{
			GroupID: group,
			Status:  scraper.GroupStatusFailed,
			Error:   "job aborted",
		})
		if err != nil {
			jr.logger.Warn("mark group aborted", zap.String("group_id", group), zap.Error(err))
			continue
		}
		jr.snapshot = snap
		jr.recorded[group] = true
	}
	if jr.posts == nil {
		jr.posts = jr.pipeline.All()
	}
	if err := s.deps.Notifier.Failure(notifyCtx, s.result(jr), cause, stack); err != nil {
		jr.logger.Error("failure notification not delivered", zap.Error(err))
	}
}

func (s *Service) result(jr *jobRun) notify.Result {
	return notify.Result{Job: jr.job, Snapshot: jr.snapshot, Posts: jr.posts}
}

func regroup(groups []string, posts []scraper.Post) map[string][]scraper.Post {
	out := make(map[string][]scraper.Post, len(groups))
	for _, p := range posts {
		out[p.GroupID] = append(out[p.GroupID], p)
	}
	return out
}

func uniqueGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) Kind() string { return "panic" }
