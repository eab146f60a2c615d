package types

import "time"

// AuthMethod selects how an account authenticates against IMAP
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth2   AuthMethod = "oauth2"
)

// OAuth2Token holds the bearer credentials of an OAuth2 account
type OAuth2Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Account represents a configured mail account. It is immutable during a sync
// run except for the OAuth2 token, which a refresher swaps in place.
type Account struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Email    string       `json:"email"`
	IMAPHost string       `json:"imap_host"`
	IMAPPort int          `json:"imap_port"`
	Username string       `json:"username"`
	Password string       `json:"-"`
	Auth     AuthMethod   `json:"auth"`
	Token    *OAuth2Token `json:"-"`
	Hidden   bool         `json:"hidden"`
}

// HasCredentials reports whether the account can authenticate at all
func (a *Account) HasCredentials() bool {
	if a.Auth == AuthOAuth2 {
		return a.Token != nil && (a.Token.AccessToken != "" || a.Token.RefreshToken != "")
	}
	return a.Password != ""
}

// LoginName returns the IMAP username, falling back to the email address
func (a *Account) LoginName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}
