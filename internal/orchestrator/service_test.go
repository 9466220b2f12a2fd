package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/credentials"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/credentials/file"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/ledger"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/notify"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scroll"
)

var now = time.Unix(1_700_100_000, 0)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

func record(group, post string, creation int64) string {
	return fmt.Sprintf(
		`{"node":{"creation_time":%d,"story":{"message":{"text":"post %s"}},"metadata":{"story":{"url":"https://www.facebook.com/groups/%s/posts/%s/"}}}}`,
		creation, post, group, post,
	)
}

// fakeSession replays canned feed bodies when a group is opened and reports
// a fixed scroll offset, so the driver stops as stuck unless another
// condition fires first.
type fakeSession struct {
	mu      sync.Mutex
	handler func([]byte)
	feeds   map[string][]string
	states  map[string]scraper.PageState
	opened  []string
	end     chan struct{}
	scroll  func(ctx context.Context) (float64, error)
	closed  atomic.Int32
}

func (f *fakeSession) OnFeedResponse(h func([]byte)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeSession) Open(_ context.Context, group string) (scraper.PageState, error) {
	f.mu.Lock()
	f.opened = append(f.opened, group)
	f.end = make(chan struct{})
	handler := f.handler
	f.mu.Unlock()
	if state, ok := f.states[group]; ok && state != scraper.PageOK {
		return state, nil
	}
	for _, body := range f.feeds[group] {
		handler([]byte(body))
	}
	return scraper.PageOK, nil
}

func (f *fakeSession) ScrollBy(ctx context.Context, _ int) (float64, error) {
	if f.scroll != nil {
		return f.scroll(ctx)
	}
	return 0, nil
}

func (f *fakeSession) EndOfContent() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.end
}

func (f *fakeSession) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeSession) openedGroups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

type fakeBrowser struct {
	session *fakeSession
	err     error
	// wait makes Launch block until its context ends.
	wait bool
	opts []scraper.SessionOptions
}

func (b *fakeBrowser) Launch(ctx context.Context, opts scraper.SessionOptions) (scraper.Session, error) {
	b.opts = append(b.opts, opts)
	if b.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.session, nil
}

type panickingNotifier struct {
	failures atomic.Int32
	success  atomic.Int32
}

func (n *panickingNotifier) Success(context.Context, notify.Result) error {
	n.success.Add(1)
	panic("webhook encoder broke")
}

func (n *panickingNotifier) Failure(context.Context, notify.Result, error, string) error {
	n.failures.Add(1)
	return nil
}

type rewriteMedia struct{ calls atomic.Int32 }

func (m *rewriteMedia) Process(_ context.Context, posts []scraper.Post) []scraper.Post {
	m.calls.Add(1)
	out := make([]scraper.Post, len(posts))
	for i, p := range posts {
		cp := p.Clone()
		for j := range cp.Images {
			cp.Images[j] = "/images/local.jpg"
		}
		out[i] = cp
	}
	return out
}

type fakePosts struct {
	mu    sync.Mutex
	saved []scraper.Post
}

func (f *fakePosts) SavePosts(_ context.Context, _ string, posts []scraper.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, posts...)
	return nil
}

func (f *fakePosts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type hook struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		h.mu.Lock()
		h.bodies = append(h.bodies, body)
		h.mu.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

func (h *hook) received() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.bodies...)
}

type harness struct {
	svc     *Service
	ledger  *ledger.Tracker
	browser *fakeBrowser
	session *fakeSession
	media   *rewriteMedia
	posts   *fakePosts
	hook    *hook
	url     string
}

func newHarness(t *testing.T, session *fakeSession) *harness {
	t.Helper()

	clock := fixedClock{now: now}
	creds, err := file.Open(filepath.Join(t.TempDir(), "configs.json"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, creds.Set(context.Background(), "u1", map[string]string{
		credentials.KeyCUser: "100",
		credentials.KeyXS:    "secret",
	}))

	h := &harness{
		ledger:  ledger.New(clock, &seqIDs{}, zap.NewNop()),
		browser: &fakeBrowser{session: session},
		session: session,
		media:   &rewriteMedia{},
		posts:   &fakePosts{},
		hook:    &hook{},
	}
	srv := httptest.NewServer(h.hook)
	t.Cleanup(srv.Close)
	h.url = srv.URL

	driver := scroll.New(scroll.Config{MinStep: 400, MaxStep: 800, StuckLimit: 5, StaleLimit: 10}, zap.NewNop(),
		scroll.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	h.svc = New(Config{MaxDepth: 64, NotifyTimeout: time.Second}, Dependencies{
		Credentials: creds,
		Browser:     h.browser,
		Ledger:      h.ledger,
		Scroller:    driver,
		Media:       h.media,
		Posts:       h.posts,
		Notifier:    notify.New(notify.Config{Timeout: time.Second}, nil, clock, zap.NewNop()),
		Clock:       clock,
	}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) request(groups ...string) scraper.SubmitRequest {
	return scraper.SubmitRequest{
		UserID:           "u1",
		Groups:           groups,
		MaxPostsAgeHours: 24,
		MaxPostsPerGroup: 2,
		WebhookURL:       h.url,
	}
}

func (h *harness) waitFinished(t *testing.T, jobID string) scraper.Snapshot {
	t.Helper()
	var snap scraper.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = h.ledger.ByJobID(jobID)
		if err != nil || snap.Processing {
			return false
		}
		_, active := h.svc.ActiveJob("u1")
		return !active && len(h.hook.received()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestStartJobEndToEnd(t *testing.T) {
	t.Parallel()

	fresh1 := now.Add(-2 * time.Hour).Unix()
	fresh2 := now.Add(-3 * time.Hour).Unix()
	stale := now.Add(-48 * time.Hour).Unix()
	session := &fakeSession{feeds: map[string][]string{
		"A": {record("A", "1", fresh1) + "\n" + record("A", "2", fresh2) + "\n" + record("A", "3", stale)},
	}}
	h := newHarness(t, session)

	jobID, err := h.svc.StartJob(context.Background(), h.request("A", "B"))
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)

	snap := h.waitFinished(t, jobID)
	require.Equal(t, scraper.JobStateCompleted, snap.State)
	require.Equal(t, scraper.GroupOutcome{GroupID: "A", Status: scraper.GroupStatusCompleted, PostCount: 2}, snap.Groups["A"])
	require.Equal(t, scraper.GroupOutcome{GroupID: "B", Status: scraper.GroupStatusCompleted, Note: "no posts in window"}, snap.Groups["B"])
	require.Equal(t, 2, snap.TotalPosts)
	require.Equal(t, []string{"A", "B"}, session.openedGroups())
	require.Equal(t, int32(1), session.closed.Load())

	bodies := h.hook.received()
	require.Len(t, bodies, 1)
	body := bodies[0]
	require.Equal(t, "success", body["status"])
	require.Equal(t, jobID, body["jobId"])
	stats := body["stats"].(map[string]any)
	require.EqualValues(t, 2, stats["totalPosts"])
	require.EqualValues(t, 2, stats["totalGroups"])
	require.EqualValues(t, 2, stats["completedGroups"])
	data := body["data"].(map[string]any)
	require.Len(t, data["A"].(map[string]any), 2)
	require.Equal(t, "No posts found in last 24 hours", data["B"].(map[string]any)["error"])

	require.Equal(t, int32(1), h.media.calls.Load())
	require.Equal(t, 2, h.posts.count())
	require.Equal(t, "100", h.browser.opts[0].Cookies.CUser)
}

func TestStartJobRejectsInvalidAndMissingCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeSession{})

	_, err := h.svc.StartJob(context.Background(), scraper.SubmitRequest{UserID: "u1"})
	require.ErrorIs(t, err, scraper.ErrValidation)

	req := h.request("A")
	req.UserID = "nobody"
	_, err = h.svc.StartJob(context.Background(), req)
	require.ErrorIs(t, err, scraper.ErrCredentialsMissing)

	_, active := h.svc.ActiveJob("nobody")
	require.False(t, active)
	require.Empty(t, h.browser.opts)
}

func TestStartJobConflictWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	session := &fakeSession{scroll: func(ctx context.Context) (float64, error) {
		select {
		case <-release:
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}}
	h := newHarness(t, session)

	jobID, err := h.svc.StartJob(context.Background(), h.request("A"))
	require.NoError(t, err)
	active, ok := h.svc.ActiveJob("u1")
	require.True(t, ok)
	require.Equal(t, jobID, active)

	_, err = h.svc.StartJob(context.Background(), h.request("B"))
	require.ErrorIs(t, err, scraper.ErrConflict)

	close(release)
	h.waitFinished(t, jobID)

	second, err := h.svc.StartJob(context.Background(), h.request("B"))
	require.NoError(t, err)
	require.NotEqual(t, jobID, second)
}

func TestUnavailableGroupDoesNotAbortJob(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		states: map[string]scraper.PageState{"A": scraper.PageNotAMember},
		feeds:  map[string][]string{"B": {record("B", "7", now.Add(-time.Hour).Unix())}},
	}
	h := newHarness(t, session)

	jobID, err := h.svc.StartJob(context.Background(), h.request("A", "B"))
	require.NoError(t, err)
	snap := h.waitFinished(t, jobID)

	require.Equal(t, scraper.JobStateCompleted, snap.State)
	require.Equal(t, scraper.GroupStatusFailed, snap.Groups["A"].Status)
	require.Equal(t, "notAMember", snap.Groups["A"].Error)
	require.Equal(t, "Not a member of this private group", snap.Groups["A"].Note)
	require.Equal(t, 1, snap.Groups["B"].PostCount)

	body := h.hook.received()[0]
	require.Equal(t, "success", body["status"])
	require.EqualValues(t, 1, body["stats"].(map[string]any)["completedGroups"])
}

func TestPanicBecomesFailureNotification(t *testing.T) {
	t.Parallel()

	session := &fakeSession{scroll: func(context.Context) (float64, error) {
		panic("page exploded")
	}}
	h := newHarness(t, session)

	jobID, err := h.svc.StartJob(context.Background(), h.request("A", "B"))
	require.NoError(t, err)
	snap := h.waitFinished(t, jobID)

	require.Equal(t, scraper.JobStateFailed, snap.State)
	require.Equal(t, int32(1), session.closed.Load())
	for _, g := range []string{"A", "B"} {
		require.Equal(t, scraper.GroupStatusFailed, snap.Groups[g].Status)
	}

	body := h.hook.received()[0]
	require.Equal(t, "failed", body["status"])
	detail := body["error"].(map[string]any)
	require.Equal(t, "panic", detail["type"])
	require.Contains(t, detail["message"], "page exploded")
	require.Contains(t, detail["stack"], "goroutine")
	ctxBody := body["context"].(map[string]any)
	require.EqualValues(t, 2, ctxBody["maxPostsFromGroup"])
}

func TestLaunchFailureReleasesUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeSession{})
	h.browser.err = errors.New("chrome missing")

	_, err := h.svc.StartJob(context.Background(), h.request("A"))
	require.ErrorContains(t, err, "chrome missing")

	// No job is recorded, so no group is left pending.
	_, err = h.ledger.Current("u1")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	_, active := h.svc.ActiveJob("u1")
	require.False(t, active)

	h.browser.err = nil
	_, err = h.svc.StartJob(context.Background(), h.request("A"))
	require.NoError(t, err)
}

func TestStartJobDoesNotWaitForBrowserCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeSession{})
	h.browser.err = fmt.Errorf("%w: all 1 browser slots are in use", scraper.ErrCapacity)

	_, err := h.svc.StartJob(context.Background(), h.request("A"))
	require.ErrorIs(t, err, scraper.ErrCapacity)
	_, err = h.ledger.Current("u1")
	require.ErrorIs(t, err, scraper.ErrNotFound)

	h.browser.err = nil
	h.browser.wait = true
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.StartJob(ctx, h.request("A"))
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("StartJob outlived the request context")
	}
	_, err = h.ledger.Current("u1")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	_, active := h.svc.ActiveJob("u1")
	require.False(t, active)
}

func TestPanicAfterCompletionSendsNoFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeSession{})
	notifier := &panickingNotifier{}
	h.svc.deps.Notifier = notifier

	jobID, err := h.svc.StartJob(context.Background(), h.request("A"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := h.ledger.ByJobID(jobID)
		_, active := h.svc.ActiveJob("u1")
		return err == nil && !snap.Processing && !active
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := h.ledger.ByJobID(jobID)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStateCompleted, snap.State)
	require.Equal(t, int32(1), notifier.success.Load())
	require.Equal(t, int32(0), notifier.failures.Load())
}

func TestShutdownFailsRunningJob(t *testing.T) {
	t.Parallel()

	session := &fakeSession{scroll: func(ctx context.Context) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	h := newHarness(t, session)

	jobID, err := h.svc.StartJob(context.Background(), h.request("A"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	snap, err := h.ledger.ByJobID(jobID)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStateFailed, snap.State)
	require.Equal(t, int32(1), session.closed.Load())
	require.Len(t, h.hook.received(), 1)
	require.Equal(t, "failed", h.hook.received()[0]["status"])

	_, err = h.svc.StartJob(context.Background(), h.request("A"))
	require.Error(t, err)
}
