package credential

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/brandon/mailsync/pkg/types"
)

const serviceName = "mailsync"

// ErrMissing is returned when an account has no usable credential.
var ErrMissing = errors.New("credentials missing")

// Store reads and writes account secrets in the system keyring.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the first available system keyring.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an existing keyring, e.g. keyring.NewArrayKeyring in tests.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func passwordKey(accountID string) string { return accountID + "/password" }
func tokenKey(accountID string) string    { return accountID + "/oauth2" }

// Password returns the stored IMAP password of an account.
func (s *Store) Password(accountID string) (string, error) {
	item, err := s.ring.Get(passwordKey(accountID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrMissing
		}
		return "", fmt.Errorf("getting password for %q: %w", accountID, err)
	}
	return string(item.Data), nil
}

// SetPassword stores the IMAP password of an account.
func (s *Store) SetPassword(accountID, password string) error {
	err := s.ring.Set(keyring.Item{Key: passwordKey(accountID), Data: []byte(password)})
	if err != nil {
		return fmt.Errorf("setting password for %q: %w", accountID, err)
	}
	return nil
}

// Token returns the stored OAuth2 token of an account.
func (s *Store) Token(accountID string) (*types.OAuth2Token, error) {
	item, err := s.ring.Get(tokenKey(accountID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("getting token for %q: %w", accountID, err)
	}

	var tok types.OAuth2Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token for %q: %w", accountID, err)
	}
	return &tok, nil
}

// SetToken stores the OAuth2 token of an account.
func (s *Store) SetToken(accountID string, tok *types.OAuth2Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token for %q: %w", accountID, err)
	}
	if err := s.ring.Set(keyring.Item{Key: tokenKey(accountID), Data: data}); err != nil {
		return fmt.Errorf("setting token for %q: %w", accountID, err)
	}
	return nil
}

// Delete removes every secret of an account. Missing entries are ignored.
func (s *Store) Delete(accountID string) error {
	for _, key := range []string{passwordKey(accountID), tokenKey(accountID)} {
		if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("deleting credential %q: %w", key, err)
		}
	}
	return nil
}

// Resolve fills in the password or token of acc from the keyring when the
// configuration did not carry one. It returns ErrMissing when nothing usable
// is found.
func (s *Store) Resolve(acc *types.Account) error {
	if acc.HasCredentials() {
		return nil
	}

	switch acc.Auth {
	case types.AuthOAuth2:
		tok, err := s.Token(acc.ID)
		if err != nil {
			return err
		}
		acc.Token = tok
	default:
		pw, err := s.Password(acc.ID)
		if err != nil {
			return err
		}
		acc.Password = pw
	}

	if !acc.HasCredentials() {
		return ErrMissing
	}
	return nil
}
