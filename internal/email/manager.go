package email

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/pipeline"
	"github.com/brandon/mailsync/pkg/types"
)

// Manager is the IMAP transport used by the pipelines and the tools. Sync
// traffic goes through the background lane, user requests through the
// priority lane.
type Manager struct {
	pool   *Pool
	logger *logrus.Logger
}

var _ pipeline.Remote = (*Manager)(nil)

// NewManager creates a transport over pool
func NewManager(pool *Pool, logger *logrus.Logger) *Manager {
	return &Manager{pool: pool, logger: logger}
}

// with borrows a session for fn. A session whose command failed is dropped
// instead of being returned to the pool.
func (m *Manager) with(ctx context.Context, lane Lane, acct *types.Account, fn func(*IMAPClient) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := m.pool.Get(ctx, lane, acct)
	if err != nil {
		return err
	}

	if err := fn(c); err != nil {
		c.Close() //nolint:errcheck
		return err
	}
	m.pool.Put(lane, acct, c)
	return nil
}

// TestConnection checks that the account can log in
func (m *Manager) TestConnection(ctx context.Context, acct *types.Account) error {
	return m.with(ctx, LanePriority, acct, func(c *IMAPClient) error {
		return c.Noop()
	})
}

// FetchMailboxes returns the account's mailbox tree
func (m *Manager) FetchMailboxes(ctx context.Context, acct *types.Account) ([]types.Mailbox, error) {
	var out []types.Mailbox
	err := m.with(ctx, LanePriority, acct, func(c *IMAPClient) error {
		var err error
		out, err = c.ListMailboxes()
		return err
	})
	return out, err
}

// FetchEmails returns one newest-first header page
func (m *Manager) FetchEmails(ctx context.Context, acct *types.Account, mailbox string, page, pageSize int) (*types.HeaderPage, error) {
	var out *types.HeaderPage
	err := m.with(ctx, LaneBackground, acct, func(c *IMAPClient) error {
		var err error
		out, err = c.FetchPage(mailbox, page, pageSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page %d of %s: %w", page, mailbox, err)
	}
	return out, nil
}

// FetchEmailsRange returns the headers at display indices [start, end)
func (m *Manager) FetchEmailsRange(ctx context.Context, acct *types.Account, mailbox string, start, end int) (*types.RangePage, error) {
	var out *types.RangePage
	err := m.with(ctx, LanePriority, acct, func(c *IMAPClient) error {
		var err error
		out, err = c.FetchRange(mailbox, start, end)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch range [%d, %d) of %s: %w", start, end, mailbox, err)
	}
	return out, nil
}

// CheckMailboxStatus selects the mailbox without fetching any message
func (m *Manager) CheckMailboxStatus(ctx context.Context, acct *types.Account, mailbox string) (*types.MailboxStatus, error) {
	var out *types.MailboxStatus
	err := m.with(ctx, LaneBackground, acct, func(c *IMAPClient) error {
		var err error
		out, err = c.Status(mailbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check status of %s: %w", mailbox, err)
	}
	return out, nil
}

// SearchAllUIDs lists every UID of the mailbox in ascending order
func (m *Manager) SearchAllUIDs(ctx context.Context, acct *types.Account, mailbox string) ([]uint32, error) {
	var out []uint32
	err := m.with(ctx, LaneBackground, acct, func(c *IMAPClient) error {
		var err error
		out, err = c.SearchAllUIDs(mailbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list uids of %s: %w", mailbox, err)
	}
	return out, nil
}

// FetchHeadersByUIDs returns the headers of specific UIDs, newest first
func (m *Manager) FetchHeadersByUIDs(ctx context.Context, acct *types.Account, mailbox string, uids []uint32) (*types.RangePage, error) {
	var out *types.RangePage
	err := m.with(ctx, LaneBackground, acct, func(c *IMAPClient) error {
		var err error
		out, err = c.FetchByUIDs(mailbox, uids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %d headers of %s: %w", len(uids), mailbox, err)
	}
	return out, nil
}

// FetchEmail downloads a full body for caching
func (m *Manager) FetchEmail(ctx context.Context, acct *types.Account, uid uint32, mailbox string) (*types.MessageBody, error) {
	return m.fetchBody(ctx, LaneBackground, acct, uid, mailbox, false)
}

// FetchEmailLight downloads a body for display, without raw source or
// attachment content
func (m *Manager) FetchEmailLight(ctx context.Context, acct *types.Account, uid uint32, mailbox string) (*types.MessageBody, error) {
	return m.fetchBody(ctx, LanePriority, acct, uid, mailbox, true)
}

func (m *Manager) fetchBody(ctx context.Context, lane Lane, acct *types.Account, uid uint32, mailbox string, light bool) (*types.MessageBody, error) {
	var out *types.MessageBody
	err := m.with(ctx, lane, acct, func(c *IMAPClient) error {
		var err error
		out, err = c.FetchBody(mailbox, uid, light)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch uid %d of %s: %w", uid, mailbox, err)
	}
	return out, nil
}

// UpdateEmailFlags adds or removes flags on one message
func (m *Manager) UpdateEmailFlags(ctx context.Context, acct *types.Account, uid uint32, flags []string, op pipeline.FlagOp, mailbox string) error {
	return m.with(ctx, LanePriority, acct, func(c *IMAPClient) error {
		return c.StoreFlags(mailbox, uid, flags, op == pipeline.FlagAdd)
	})
}

// DeleteEmail moves a message to trash, or expunges it when permanent
func (m *Manager) DeleteEmail(ctx context.Context, acct *types.Account, uid uint32, mailbox string, permanent bool) error {
	return m.with(ctx, LanePriority, acct, func(c *IMAPClient) error {
		return c.Delete(mailbox, uid, permanent)
	})
}

// Disconnect drops the pooled sessions of an account
func (m *Manager) Disconnect(accountID string) {
	m.pool.Disconnect(accountID)
}

// Close closes all connections
func (m *Manager) Close() error {
	m.pool.Close()
	return nil
}
