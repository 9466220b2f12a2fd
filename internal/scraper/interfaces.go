package scraper

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes binary artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CredentialStore is the per-user key/value store holding session cookies and
// proxy leases.
type CredentialStore interface {
	Get(ctx context.Context, userID, key string) (string, bool, error)
	GetAll(ctx context.Context, userID string) (map[string]string, error)
	Set(ctx context.Context, userID string, entries map[string]string) error
	Delete(ctx context.Context, userID, key string) error
	DeleteAll(ctx context.Context, userID string) error
	Users(ctx context.Context) ([]string, error)
}

// Browser launches isolated sessions, one per job.
type Browser interface {
	Launch(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is a browser session exclusively owned by one job.
type Session interface {
	// OnFeedResponse registers the handler receiving every intercepted feed body.
	OnFeedResponse(handler func(body []byte))
	// Open navigates to the group feed and classifies the resulting page.
	Open(ctx context.Context, groupID string) (PageState, error)
	// ScrollBy scrolls forward and returns the vertical offset observed before scrolling.
	ScrollBy(ctx context.Context, distance int) (float64, error)
	// EndOfContent returns a fresh channel closed when the page reports no more content.
	EndOfContent() <-chan struct{}
	// Close releases the session. It is safe to call more than once.
	Close() error
}
