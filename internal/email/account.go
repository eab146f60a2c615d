package email

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/pkg/types"
)

// Directory holds the configured accounts with their resolved credentials.
// Lookups return copies, so a refreshed token can be swapped in while
// pipelines hold older snapshots.
type Directory struct {
	refresher *credential.Refresher
	logger    *logrus.Logger

	mu       sync.RWMutex
	order    []string
	accounts map[string]*types.Account
	clients  map[string]credential.ClientConfig
}

var _ TokenSource = (*Directory)(nil)

// AccountFromConfig converts one configured account
func AccountFromConfig(ac *config.AccountConfig) *types.Account {
	auth := types.AuthPassword
	if ac.Auth == string(types.AuthOAuth2) {
		auth = types.AuthOAuth2
	}
	return &types.Account{
		ID:       ac.ID,
		Name:     ac.Name,
		Email:    ac.Email,
		IMAPHost: ac.IMAPHost,
		IMAPPort: ac.IMAPPort,
		Username: ac.IMAPUsername,
		Password: ac.IMAPPassword,
		Auth:     auth,
		Hidden:   ac.Hidden,
	}
}

// NewDirectory loads the accounts of cfg, filling missing secrets from the
// keyring. creds may be nil, in which case only configured secrets are used.
func NewDirectory(cfg *config.Config, creds *credential.Store, logger *logrus.Logger) *Directory {
	d := &Directory{
		refresher: credential.NewRefresher(creds),
		logger:    logger,
		accounts:  make(map[string]*types.Account),
		clients:   make(map[string]credential.ClientConfig),
	}

	for i := range cfg.Accounts {
		ac := &cfg.Accounts[i]
		acct := AccountFromConfig(ac)
		if creds != nil {
			if err := creds.Resolve(acct); err != nil {
				log := logger.WithField("account", acct.ID).WithError(err)
				if errors.Is(err, credential.ErrMissing) {
					log.Warn("No credentials found for account")
				} else {
					log.Error("Failed to read credentials")
				}
			}
		}
		d.order = append(d.order, acct.ID)
		d.accounts[acct.ID] = acct
		d.clients[acct.ID] = credential.ClientConfig{
			ClientID:     ac.OAuth2.ClientID,
			ClientSecret: ac.OAuth2.ClientSecret,
			TokenURL:     ac.OAuth2.TokenURL,
		}
	}
	return d
}

// Account returns a snapshot of one account
func (d *Directory) Account(id string) (*types.Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.accounts[id]
	if !ok {
		return nil, false
	}
	cp := *acct
	return &cp, true
}

// Accounts returns snapshots of every account in configuration order
func (d *Directory) Accounts() []*types.Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.Account, 0, len(d.order))
	for _, id := range d.order {
		cp := *d.accounts[id]
		out = append(out, &cp)
	}
	return out
}

// IDs returns the account ids in configuration order
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// IsHidden reports whether the user hid the account from background sync
func (d *Directory) IsHidden(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.accounts[id]
	return ok && acct.Hidden
}

// SetHidden hides or shows an account
func (d *Directory) SetHidden(id string, hidden bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: %s", id)
	}
	acct.Hidden = hidden
	return nil
}

// Remove drops an account. Secrets stay in the keyring.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.accounts[id]; !ok {
		return false
	}
	delete(d.accounts, id)
	delete(d.clients, id)
	for i, other := range d.order {
		if other == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// AccessToken returns a valid bearer token for an OAuth2 account, refreshing
// and persisting it when it has expired
func (d *Directory) AccessToken(ctx context.Context, accountID string) (string, error) {
	d.mu.RLock()
	acct, ok := d.accounts[accountID]
	var tok *types.OAuth2Token
	if ok {
		tok = acct.Token
	}
	client := d.clients[accountID]
	d.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("account not found: %s", accountID)
	}

	fresh, err := d.refresher.Refresh(ctx, accountID, client, tok)
	if err != nil {
		return "", err
	}

	if fresh != tok {
		d.mu.Lock()
		if acct, ok := d.accounts[accountID]; ok {
			acct.Token = fresh
		}
		d.mu.Unlock()
		d.logger.WithField("account", accountID).Info("Refreshed OAuth2 token")
	}
	return fresh.AccessToken, nil
}
