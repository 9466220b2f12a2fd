package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PoolClient requests sticky leases from an external pool.
type PoolClient interface {
	Leases(ctx context.Context, n int) ([]string, error)
}

// HTTPPool asks an HTTP endpoint for leases with GET <url>?count=N. The
// response is either a JSON array of lease strings or {"proxies": [...]}.
type HTTPPool struct {
	endpoint string
	client   *http.Client
}

// NewHTTPPool creates an HTTPPool. client may be nil.
func NewHTTPPool(endpoint string, client *http.Client) *HTTPPool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPPool{endpoint: endpoint, client: client}
}

// Leases fetches n leases.
func (p *HTTPPool) Leases(ctx context.Context, n int) ([]string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse pool url: %w", err)
	}
	q := u.Query()
	q.Set("count", strconv.Itoa(n))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build pool request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request pool: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read pool response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("pool returned status %d", resp.StatusCode)
	}

	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Proxies []string `json:"proxies"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode pool response: %w", err)
	}
	if wrapped.Proxies == nil {
		return nil, errors.New("pool response has no proxies")
	}
	return wrapped.Proxies, nil
}
