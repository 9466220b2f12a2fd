// Package credentials holds helpers shared by the per-user credential store
// backends in its subpackages.
package credentials

import (
	"context"
	"fmt"
	"strings"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Session cookie keys.
const (
	KeyCUser = "c_user"
	KeyXS    = "xs"
)

// SessionCookies reads the session cookies for userID. It fails with
// ErrCredentialsMissing when either cookie is absent or blank.
func SessionCookies(ctx context.Context, store scraper.CredentialStore, userID string) (scraper.SessionCookies, error) {
	cUser, ok, err := store.Get(ctx, userID, KeyCUser)
	if err != nil {
		return scraper.SessionCookies{}, fmt.Errorf("read %s: %w", KeyCUser, err)
	}
	if !ok || strings.TrimSpace(cUser) == "" {
		return scraper.SessionCookies{}, fmt.Errorf("%w: %s not set for user %s", scraper.ErrCredentialsMissing, KeyCUser, userID)
	}
	xs, ok, err := store.Get(ctx, userID, KeyXS)
	if err != nil {
		return scraper.SessionCookies{}, fmt.Errorf("read %s: %w", KeyXS, err)
	}
	if !ok || strings.TrimSpace(xs) == "" {
		return scraper.SessionCookies{}, fmt.Errorf("%w: %s not set for user %s", scraper.ErrCredentialsMissing, KeyXS, userID)
	}
	return scraper.SessionCookies{CUser: cUser, XS: xs}, nil
}
