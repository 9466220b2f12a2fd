package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newMemStore(users ...string) *memStore {
	s := &memStore{data: map[string]map[string]string{}}
	for _, u := range users {
		s.data[u] = map[string]string{"c_user": u}
	}
	return s
}

func (s *memStore) Get(_ context.Context, userID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[userID][key]
	return v, ok, nil
}

func (s *memStore) GetAll(_ context.Context, userID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.data[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Set(_ context.Context, userID string, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[userID] == nil {
		s.data[userID] = map[string]string{}
	}
	for k, v := range entries {
		s.data[userID][k] = v
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[userID], key)
	return nil
}

func (s *memStore) DeleteAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, userID)
	return nil
}

func (s *memStore) Users(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for u := range s.data {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

type fakePool struct {
	leases []string
	err    error
	asked  []int
}

func (p *fakePool) Leases(_ context.Context, n int) ([]string, error) {
	p.asked = append(p.asked, n)
	if p.err != nil {
		return nil, p.err
	}
	if n < len(p.leases) {
		return p.leases[:n], nil
	}
	return p.leases, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestParse(t *testing.T) {
	t.Parallel()

	lease, err := Parse("alice__s3cret@proxy.example.com:8080")
	require.NoError(t, err)
	require.Equal(t, Lease{Username: "alice", Password: "s3cret", Host: "proxy.example.com", Port: "8080"}, lease)
	require.Equal(t, "http://proxy.example.com:8080", lease.Server())

	lease, err = Parse("bob:pw@10.0.0.1:3128")
	require.NoError(t, err)
	require.Equal(t, "bob", lease.Username)
	require.Equal(t, "pw", lease.Password)

	for _, bad := range []string{
		"",
		"no-credentials.example.com:8080",
		"alice__pw@host",
		"alice__pw@host:port",
		"alice__pw@ho st:80",
		"http://alice__pw@host:80",
	} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, scraper.ErrProxyProvision, bad)
	}
}

func TestEnsurePicksOrdinalLease(t *testing.T) {
	t.Parallel()

	store := newMemStore("u1", "u2", "u3")
	pool := &fakePool{leases: []string{"a__1@h1:1000", "b__2@h2:2000", "c__3@h3:3000"}}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewAssigner(store, pool, fixedClock{now: now}, zap.NewNop())

	got, err := a.Ensure(context.Background(), "u2")
	require.NoError(t, err)
	require.Equal(t, "b__2@h2:2000", got.Lease)
	require.Equal(t, now, got.AssignedAt)
	require.Equal(t, []int{3}, pool.asked)

	stored, ok, _ := store.Get(context.Background(), "u2", KeyLease)
	require.True(t, ok)
	require.Equal(t, "b__2@h2:2000", stored)

	again, err := a.Ensure(context.Background(), "u2")
	require.NoError(t, err)
	require.Equal(t, got.Lease, again.Lease)
	require.Equal(t, now, again.AssignedAt)
	require.Len(t, pool.asked, 1, "existing assignment must be reused")
}

func TestEnsureRejectsMalformedLeaseWithoutRetry(t *testing.T) {
	t.Parallel()

	store := newMemStore("u1")
	pool := &fakePool{leases: []string{"garbage"}}
	a := NewAssigner(store, pool, fixedClock{now: time.Now()}, nil)

	_, err := a.Ensure(context.Background(), "u1")
	require.ErrorIs(t, err, scraper.ErrProxyProvision)
	require.Len(t, pool.asked, 1)

	_, ok, _ := store.Get(context.Background(), "u1", KeyLease)
	require.False(t, ok)
}

func TestEnsurePoolFailures(t *testing.T) {
	t.Parallel()

	store := newMemStore("u1", "u2")
	_, err := NewAssigner(store, &fakePool{err: errors.New("down")}, fixedClock{}, nil).Ensure(context.Background(), "u2")
	require.ErrorIs(t, err, scraper.ErrProxyProvision)

	_, err = NewAssigner(store, &fakePool{leases: []string{"a__1@h:1"}}, fixedClock{}, nil).Ensure(context.Background(), "u2")
	require.ErrorIs(t, err, scraper.ErrProxyProvision)

	_, err = NewAssigner(store, nil, fixedClock{}, nil).Ensure(context.Background(), "u2")
	require.ErrorIs(t, err, scraper.ErrProxyProvision)
}

func TestEnsureIncludesUnknownUser(t *testing.T) {
	t.Parallel()

	store := newMemStore("a", "c")
	pool := &fakePool{leases: []string{"x__1@h:1", "y__2@h:2", "z__3@h:3"}}
	got, err := NewAssigner(store, pool, fixedClock{}, nil).Ensure(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, "y__2@h:2", got.Lease)
}

func TestClear(t *testing.T) {
	t.Parallel()

	store := newMemStore("u1")
	pool := &fakePool{leases: []string{"a__1@h:1"}}
	a := NewAssigner(store, pool, fixedClock{}, nil)
	_, err := a.Ensure(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, a.Clear(context.Background(), "u1"))
	got, err := a.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestHTTPPool(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/list":
			fmt.Fprintf(w, `["a__1@h:%s"]`, r.URL.Query().Get("count"))
		case "/wrapped":
			fmt.Fprint(w, `{"proxies":["b__2@h:2"]}`)
		case "/bad":
			fmt.Fprint(w, `{"nope":true}`)
		default:
			http.Error(w, "no", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	leases, err := NewHTTPPool(srv.URL+"/list", nil).Leases(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, []string{"a__1@h:7"}, leases)

	leases, err = NewHTTPPool(srv.URL+"/wrapped", srv.Client()).Leases(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"b__2@h:2"}, leases)

	_, err = NewHTTPPool(srv.URL+"/bad", nil).Leases(context.Background(), 1)
	require.Error(t, err)

	_, err = NewHTTPPool(srv.URL+"/down", nil).Leases(context.Background(), 1)
	require.Error(t, err)
}
