package credential

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/brandon/mailsync/pkg/types"
)

// expiryDelta refreshes tokens slightly before the server would reject them.
const expiryDelta = time.Minute

// Refresher renews OAuth2 access tokens and persists the result.
type Refresher struct {
	store *Store
}

// NewRefresher creates a refresher that writes renewed tokens to store.
func NewRefresher(store *Store) *Refresher {
	return &Refresher{store: store}
}

// ClientConfig describes the OAuth2 client an account was registered with.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// NeedsRefresh reports whether tok is expired or about to expire.
func NeedsRefresh(tok *types.OAuth2Token, now time.Time) bool {
	if tok == nil || tok.AccessToken == "" {
		return true
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return !tok.Expiry.After(now.Add(expiryDelta))
}

// Refresh returns a valid token for accountID, exchanging the refresh token
// when the current one has expired.
func (r *Refresher) Refresh(ctx context.Context, accountID string, client ClientConfig, tok *types.OAuth2Token) (*types.OAuth2Token, error) {
	if !NeedsRefresh(tok, time.Now()) {
		return tok, nil
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil, ErrMissing
	}

	conf := &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: client.TokenURL},
	}

	src := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	})

	fresh, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token for %q: %w", accountID, err)
	}

	out := &types.OAuth2Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		TokenType:    fresh.TokenType,
		Expiry:       fresh.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = tok.RefreshToken
	}

	if r.store != nil {
		if err := r.store.SetToken(accountID, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
