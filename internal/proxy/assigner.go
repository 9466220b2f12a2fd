package proxy

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Credential store keys holding the assignment.
const (
	KeyLease      = "proxy"
	KeyAssignedAt = "proxy_assigned_at"
)

// Assigner binds at most one lease to each user.
type Assigner struct {
	store  scraper.CredentialStore
	pool   PoolClient
	clock  scraper.Clock
	logger *zap.Logger

	mu sync.Mutex
}

// NewAssigner creates an Assigner.
func NewAssigner(store scraper.CredentialStore, pool PoolClient, clock scraper.Clock, logger *zap.Logger) *Assigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assigner{store: store, pool: pool, clock: clock, logger: logger}
}

// Lookup returns the user's live assignment, if any.
func (a *Assigner) Lookup(ctx context.Context, userID string) (*scraper.ProxyAssignment, error) {
	lease, ok, err := a.store.Get(ctx, userID, KeyLease)
	if err != nil {
		return nil, fmt.Errorf("read proxy lease: %w", err)
	}
	if !ok || lease == "" {
		return nil, nil
	}
	assignment := &scraper.ProxyAssignment{Lease: lease}
	if raw, ok, err := a.store.Get(ctx, userID, KeyAssignedAt); err == nil && ok {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			assignment.AssignedAt = ts
		}
	}
	return assignment, nil
}

// Ensure returns the user's assignment, acquiring one from the pool when none
// exists. The pool is asked for one lease per known user and the lease at the
// user's ordinal position is taken. Malformed leases fail without retry.
func (a *Assigner) Ensure(ctx context.Context, userID string) (*scraper.ProxyAssignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, err := a.Lookup(ctx, userID); err != nil || existing != nil {
		return existing, err
	}
	if a.pool == nil {
		return nil, fmt.Errorf("%w: no proxy pool configured", scraper.ErrProxyProvision)
	}

	users, err := a.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if !slices.Contains(users, userID) {
		users = append(users, userID)
	}
	slices.Sort(users)
	ordinal := slices.Index(users, userID)

	leases, err := a.pool.Leases(ctx, len(users))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scraper.ErrProxyProvision, err)
	}
	if ordinal >= len(leases) {
		return nil, fmt.Errorf("%w: pool returned %d leases, need index %d", scraper.ErrProxyProvision, len(leases), ordinal)
	}
	lease := leases[ordinal]
	if _, err := Parse(lease); err != nil {
		return nil, err
	}

	assignment := &scraper.ProxyAssignment{Lease: lease, AssignedAt: a.clock.Now().UTC()}
	if err := a.store.Set(ctx, userID, map[string]string{
		KeyLease:      assignment.Lease,
		KeyAssignedAt: assignment.AssignedAt.Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("persist proxy lease: %w", err)
	}
	a.logger.Info("proxy lease assigned",
		zap.String("user_id", userID),
		zap.Int("ordinal", ordinal),
		zap.Int("pool_size", len(users)),
	)
	return assignment, nil
}

// Clear drops the user's assignment so the next Ensure acquires a new one.
func (a *Assigner) Clear(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range []string{KeyLease, KeyAssignedAt} {
		if err := a.store.Delete(ctx, userID, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}
