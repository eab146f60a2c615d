package email

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

var errNoTokenSource = errors.New("no token source for OAuth2 account")

// Lane separates sync traffic from user-initiated requests so a long header
// sync never delays opening a message
type Lane int

const (
	// LaneBackground carries pagination, header loading and body caching
	LaneBackground Lane = iota
	// LanePriority carries user-initiated fetches
	LanePriority
)

func (l Lane) String() string {
	if l == LanePriority {
		return "priority"
	}
	return "background"
}

// TokenSource returns a valid bearer token for an OAuth2 account
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// Pool keeps at most one idle session per account and lane. A session is
// owned exclusively by its borrower until it is returned.
type Pool struct {
	dial   DialFunc
	tokens TokenSource
	logger *logrus.Logger

	mu     sync.Mutex
	idle   map[Lane]map[string]*IMAPClient
	closed bool
}

// NewPool creates an empty pool. tokens may be nil when no account uses OAuth2.
func NewPool(dial DialFunc, tokens TokenSource, logger *logrus.Logger) *Pool {
	if dial == nil {
		dial = DialTLS
	}
	return &Pool{
		dial:   dial,
		tokens: tokens,
		logger: logger,
		idle: map[Lane]map[string]*IMAPClient{
			LaneBackground: {},
			LanePriority:   {},
		},
	}
}

// Get borrows the idle session of the account's lane, or opens a new one
func (p *Pool) Get(ctx context.Context, lane Lane, acct *types.Account) (*IMAPClient, error) {
	p.mu.Lock()
	c := p.idle[lane][acct.ID]
	delete(p.idle[lane], acct.ID)
	p.mu.Unlock()

	log := p.logger.WithFields(logrus.Fields{
		"account": acct.ID,
		"lane":    lane.String(),
	})

	if c != nil {
		err := c.Noop()
		if err == nil {
			return c, nil
		}
		log.WithError(err).Warn("Pooled IMAP session stale, creating new")
		c.Close() //nolint:errcheck
	}

	var token string
	if acct.Auth == types.AuthOAuth2 {
		if p.tokens == nil {
			return nil, &AuthError{AccountID: acct.ID, Err: errNoTokenSource}
		}
		tok, err := p.tokens.AccessToken(ctx, acct.ID)
		if err != nil {
			return nil, &AuthError{AccountID: acct.ID, Err: err}
		}
		token = tok
	}

	log.Debug("Creating new IMAP connection")
	return Connect(ctx, acct, token, p.dial, p.logger)
}

// Put returns a healthy session for reuse. An idle session already parked for
// the same account and lane is logged out.
func (p *Pool) Put(lane Lane, acct *types.Account, c *IMAPClient) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close() //nolint:errcheck
		return
	}
	old := p.idle[lane][acct.ID]
	p.idle[lane][acct.ID] = c
	p.mu.Unlock()

	if old != nil {
		old.Close() //nolint:errcheck
	}
}

// Disconnect logs out the idle sessions of one account in both lanes
func (p *Pool) Disconnect(accountID string) {
	p.mu.Lock()
	var sessions []*IMAPClient
	for _, lane := range p.idle {
		if c, ok := lane[accountID]; ok {
			sessions = append(sessions, c)
			delete(lane, accountID)
		}
	}
	p.mu.Unlock()

	for _, c := range sessions {
		c.Close() //nolint:errcheck
	}
	p.logger.WithField("account", accountID).Info("Disconnected IMAP sessions")
}

// Close logs out every idle session; sessions returned later are closed too
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var sessions []*IMAPClient
	for _, lane := range p.idle {
		for id, c := range lane {
			sessions = append(sessions, c)
			delete(lane, id)
		}
	}
	p.mu.Unlock()

	for _, c := range sessions {
		c.Close() //nolint:errcheck
	}
}

// idleCount reports the number of parked sessions
func (p *Pool) idleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, lane := range p.idle {
		n += len(lane)
	}
	return n
}
