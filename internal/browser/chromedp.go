// Package browser launches chromedp-backed sessions that open group feeds,
// capture feed responses and scroll the page.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/proxy"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

const (
	defaultNavTimeout    = 60 * time.Second
	defaultCookieDomain  = ".facebook.com"
	defaultGroupTemplate = "https://www.facebook.com/groups/%s/?sorting_setting=CHRONOLOGICAL"
	defaultFeedEndpoint  = "/api/graphql"

	endOfContentBinding = "noMorePosts"
)

// Config controls how sessions are launched.
type Config struct {
	Headless          bool
	ExecPath          string
	UserDataDir       string
	UserAgent         string
	NavigationTimeout time.Duration
	CookieDomain      string
	GroupURLTemplate  string
	FeedEndpoint      string
	// MaxParallel bounds concurrently open sessions. Zero means unbounded.
	MaxParallel int
}

// Launcher implements scraper.Browser with one Chrome process per session.
type Launcher struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

// New validates cfg and fills defaults.
func New(cfg Config, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.CookieDomain == "" {
		cfg.CookieDomain = defaultCookieDomain
	}
	if cfg.GroupURLTemplate == "" {
		cfg.GroupURLTemplate = defaultGroupTemplate
	}
	if cfg.FeedEndpoint == "" {
		cfg.FeedEndpoint = defaultFeedEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Launcher{cfg: cfg, limiter: limiter, logger: logger.Named("browser")}, nil
}

// Launch starts a browser for one job. ctx bounds the launch only; the
// session lives until Close. Launch fails with scraper.ErrCapacity when
// every slot is taken.
func (l *Launcher) Launch(ctx context.Context, opts scraper.SessionOptions) (scraper.Session, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: session needs a user id", scraper.ErrValidation)
	}
	var lease *proxy.Lease
	if opts.Proxy != nil && opts.Proxy.Lease != "" {
		parsed, err := proxy.Parse(opts.Proxy.Lease)
		if err != nil {
			return nil, err
		}
		lease = &parsed
	}
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}

	dataDir := l.userDataDir(opts.UserID)
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			l.release()
			return nil, fmt.Errorf("create user data dir: %w", err)
		}
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], l.allocatorOptions(dataDir, lease)...)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	s := newSession(l.cfg, lease, l.logger.With(zap.String("user_id", opts.UserID)))
	s.ctx = taskCtx
	s.cancel = func() {
		taskCancel()
		allocCancel()
		l.release()
	}
	s.execute = func(action chromedp.Action) error {
		c := chromedp.FromContext(taskCtx)
		if c == nil || c.Target == nil {
			return fmt.Errorf("browser target not ready")
		}
		return action.Do(cdp.WithExecutor(taskCtx, c.Target))
	}
	s.fetchBody = func(id network.RequestID) ([]byte, error) {
		var body []byte
		err := s.execute(chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			body, err = network.GetResponseBody(id).Do(ctx)
			return err
		}))
		return body, err
	}
	chromedp.ListenTarget(taskCtx, s.handleEvent)

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	err := chromedp.Run(taskCtx, l.setupAction(opts.Cookies, lease))
	if !stop() {
		return nil, fmt.Errorf("start browser session: %w", ctx.Err())
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser session: %w", err)
	}
	s.logger.Info("browser session started", zap.Bool("proxied", lease != nil))
	return s, nil
}

func (l *Launcher) userDataDir(userID string) string {
	if l.cfg.UserDataDir == "" {
		return ""
	}
	return filepath.Join(l.cfg.UserDataDir, filepath.Base(filepath.Clean("/"+userID)))
}

type flag struct {
	name  string
	value any
}

func (l *Launcher) flags(dataDir string, lease *proxy.Lease) []flag {
	headless := any(false)
	if l.cfg.Headless {
		headless = "new"
	}
	flags := []flag{
		{"headless", headless},
		{"no-sandbox", true},
		{"disable-setuid-sandbox", true},
		{"disable-gpu", true},
		{"hide-scrollbars", true},
		{"enable-automation", false},
	}
	if dataDir != "" {
		flags = append(flags, flag{"user-data-dir", dataDir})
	}
	if lease != nil {
		flags = append(flags, flag{"proxy-server", lease.Server()})
	}
	return flags
}

func (l *Launcher) allocatorOptions(dataDir string, lease *proxy.Lease) []chromedp.ExecAllocatorOption {
	flags := l.flags(dataDir, lease)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags)+1)
	for _, f := range flags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

func (l *Launcher) setupAction(cookies scraper.SessionCookies, lease *proxy.Lease) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if lease != nil && lease.Username != "" {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := network.SetCookies(sessionCookies(cookies, l.cfg.CookieDomain)).Do(ctx); err != nil {
			return fmt.Errorf("set session cookies: %w", err)
		}
		if err := runtime.AddBinding(endOfContentBinding).Do(ctx); err != nil {
			return fmt.Errorf("add %s binding: %w", endOfContentBinding, err)
		}
		return nil
	})
}

func sessionCookies(c scraper.SessionCookies, domain string) []*network.CookieParam {
	return []*network.CookieParam{
		{Name: "c_user", Value: c.CUser, Domain: domain, Path: "/", Secure: true},
		{Name: "xs", Value: c.XS, Domain: domain, Path: "/", Secure: true, HTTPOnly: true},
	}
}

func (l *Launcher) acquire(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire browser slot: %w", err)
	}
	select {
	case l.limiter <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("%w: all %d browser slots are in use", scraper.ErrCapacity, cap(l.limiter))
	}
}

func (l *Launcher) release() {
	if l.limiter == nil {
		return
	}
	select {
	case <-l.limiter:
	default:
	}
}
