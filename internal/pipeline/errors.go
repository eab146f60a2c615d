package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is wrapped by CredentialError when an account has no
// password or token at all
var ErrNoCredentials = errors.New("no credentials configured")

// CredentialError reports that an account cannot authenticate. It is distinct
// from being offline so the caller can ask for re-authentication.
type CredentialError struct {
	AccountID string
	Err       error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("account %s: credentials rejected: %v", e.AccountID, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// IsCredentialError checks whether err is or wraps a CredentialError
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// authFailure is implemented by transport errors caused by rejected credentials
type authFailure interface {
	AuthFailure() bool
}

// classify wraps transport auth failures into a CredentialError
func classify(accountID string, err error) error {
	if err == nil || IsCredentialError(err) {
		return err
	}
	var af authFailure
	if errors.As(err, &af) && af.AuthFailure() {
		return &CredentialError{AccountID: accountID, Err: err}
	}
	return err
}
