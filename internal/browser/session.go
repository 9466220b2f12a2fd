package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/proxy"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

const classifyScript = `(() => {
	if (document.querySelector('rect ~ circle')) return 'groupNotFound';
	if (!document.querySelector('[role="feed"]')) return 'notAMember';
	return 'ok';
})()`

const scrollScript = `(() => {
	const y = window.scrollY;
	window.scrollTo({ top: y + %d, behavior: 'smooth' });
	return y;
})()`

// Session is one job's browser tab. Events arrive on the chromedp listener
// goroutine while Open and ScrollBy run on the job goroutine.
type Session struct {
	cfg    Config
	lease  *proxy.Lease
	logger *zap.Logger

	ctx       context.Context
	cancel    func()
	execute   func(chromedp.Action) error
	fetchBody func(network.RequestID) ([]byte, error)

	mu      sync.Mutex
	handler func([]byte)
	pending map[network.RequestID]struct{}
	end     chan struct{}
	ended   bool

	closeOnce sync.Once
}

func newSession(cfg Config, lease *proxy.Lease, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:     cfg,
		lease:   lease,
		logger:  logger,
		pending: make(map[network.RequestID]struct{}),
		end:     make(chan struct{}),
	}
}

// OnFeedResponse registers the handler receiving each captured feed body.
func (s *Session) OnFeedResponse(handler func(body []byte)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Open navigates to the group feed and classifies what loaded.
func (s *Session) Open(ctx context.Context, groupID string) (scraper.PageState, error) {
	s.resetEnd()

	navCtx, cancel := context.WithTimeout(s.ctx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	target := fmt.Sprintf(s.cfg.GroupURLTemplate, groupID)
	if err := chromedp.Run(navCtx, chromedp.Navigate(target)); err != nil {
		if ctx.Err() != nil {
			return scraper.PageNavigationFailed, ctx.Err()
		}
		s.logger.Warn("group navigation failed", zap.String("group_id", groupID), zap.Error(err))
		return scraper.PageNavigationFailed, nil
	}

	var state string
	if err := chromedp.Run(navCtx, chromedp.Evaluate(classifyScript, &state)); err != nil {
		if ctx.Err() != nil {
			return scraper.PageNavigationFailed, ctx.Err()
		}
		s.logger.Warn("classify group page", zap.String("group_id", groupID), zap.Error(err))
		return scraper.PageNavigationFailed, nil
	}
	return pageState(state), nil
}

func pageState(raw string) scraper.PageState {
	switch scraper.PageState(raw) {
	case scraper.PageOK:
		return scraper.PageOK
	case scraper.PageGroupNotFound:
		return scraper.PageGroupNotFound
	case scraper.PageNotAMember:
		return scraper.PageNotAMember
	default:
		return scraper.PageNavigationFailed
	}
}

// ScrollBy scrolls down by distance pixels and reports the offset seen before scrolling.
func (s *Session) ScrollBy(ctx context.Context, distance int) (float64, error) {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var offset float64
	if err := chromedp.Run(runCtx, chromedp.Evaluate(fmt.Sprintf(scrollScript, distance), &offset)); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("scroll page: %w", err)
	}
	return offset, nil
}

// EndOfContent returns the channel for the group currently open.
func (s *Session) EndOfContent() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Close shuts the browser down. Later calls are no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Info("browser session closed")
	})
	return nil
}

func (s *Session) resetEnd() {
	s.mu.Lock()
	s.end = make(chan struct{})
	s.ended = false
	s.pending = make(map[network.RequestID]struct{})
	s.mu.Unlock()
}

func (s *Session) signalEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.end)
	}
}

func (s *Session) isFeedRequest(req *network.Request) bool {
	return req != nil && req.Method == "POST" && strings.Contains(req.URL, s.cfg.FeedEndpoint)
}

// handleEvent runs on the listener goroutine and must not block; any
// browser round-trip is moved to its own goroutine.
func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if s.isFeedRequest(e.Request) {
			s.mu.Lock()
			s.pending[e.RequestID] = struct{}{}
			s.mu.Unlock()
		}
	case *network.EventLoadingFinished:
		if s.takePending(e.RequestID) {
			go s.deliver(e.RequestID)
		}
	case *network.EventLoadingFailed:
		s.takePending(e.RequestID)
	case *runtime.EventBindingCalled:
		if e.Name == endOfContentBinding {
			s.signalEnd()
		}
	case *fetch.EventAuthRequired:
		go s.run(s.authResponse(e.RequestID))
	case *fetch.EventRequestPaused:
		go s.run(fetch.ContinueRequest(e.RequestID))
	}
}

func (s *Session) takePending(id network.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Session) deliver(id network.RequestID) {
	body, err := s.fetchBody(id)
	if err != nil {
		s.logger.Debug("read feed response body", zap.String("request_id", string(id)), zap.Error(err))
		return
	}
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(body)
	}
}

func (s *Session) authResponse(id fetch.RequestID) chromedp.Action {
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
	if s.lease != nil {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: s.lease.Username,
			Password: s.lease.Password,
		}
	}
	return fetch.ContinueWithAuth(id, resp)
}

func (s *Session) run(action chromedp.Action) {
	if err := s.execute(action); err != nil {
		s.logger.Debug("browser command failed", zap.Error(err))
	}
}
