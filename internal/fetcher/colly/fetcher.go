// Package collyfetcher downloads media payloads using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	Headers      http.Header
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements media.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.SetRequestTimeout(timeout)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and returns the body with its declared
// content type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (scraper.Download, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return scraper.Download{}, err
		}
	}

	var (
		result   scraper.Download
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &result, &fetchErr)

	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return scraper.Download{}, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *scraper.Download, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		if err := f.checkComplete(r); err != nil {
			*fetchErr = err
			return
		}
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*result = scraper.Download{
			Body:        append([]byte(nil), r.Body...),
			ContentType: contentType,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// checkComplete rejects bodies colly cut short at MaxBodySize, which it
// does without reporting an error.
func (f *Fetcher) checkComplete(r *colly.Response) error {
	limit := f.baseCollector.MaxBodySize
	if limit > 0 && len(r.Body) >= limit {
		return fmt.Errorf("%w: body reached the %d byte limit", scraper.ErrMediaFetch, limit)
	}
	if r.Headers == nil {
		return nil
	}
	declared, err := strconv.Atoi(r.Headers.Get("Content-Length"))
	if err == nil && declared > len(r.Body) {
		return fmt.Errorf("%w: got %d of %d bytes", scraper.ErrMediaFetch, len(r.Body), declared)
	}
	return nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
