package pipeline

import (
	"context"

	"github.com/brandon/mailsync/pkg/types"
)

// FlagOp selects whether UpdateEmailFlags adds or removes flags
type FlagOp string

const (
	FlagAdd    FlagOp = "add"
	FlagRemove FlagOp = "remove"
)

// Remote is the mail transport the pipelines pull from
type Remote interface {
	TestConnection(ctx context.Context, acct *types.Account) error
	FetchMailboxes(ctx context.Context, acct *types.Account) ([]types.Mailbox, error)
	// FetchEmails returns one newest-first page; pages start at 1
	FetchEmails(ctx context.Context, acct *types.Account, mailbox string, page, pageSize int) (*types.HeaderPage, error)
	// FetchEmailsRange returns the headers at display indices [start, end)
	FetchEmailsRange(ctx context.Context, acct *types.Account, mailbox string, start, end int) (*types.RangePage, error)
	// CheckMailboxStatus reports EXISTS, UIDVALIDITY and UIDNEXT without
	// fetching messages
	CheckMailboxStatus(ctx context.Context, acct *types.Account, mailbox string) (*types.MailboxStatus, error)
	// SearchAllUIDs returns every UID in ascending order
	SearchAllUIDs(ctx context.Context, acct *types.Account, mailbox string) ([]uint32, error)
	FetchHeadersByUIDs(ctx context.Context, acct *types.Account, mailbox string, uids []uint32) (*types.RangePage, error)
	FetchEmail(ctx context.Context, acct *types.Account, uid uint32, mailbox string) (*types.MessageBody, error)
	FetchEmailLight(ctx context.Context, acct *types.Account, uid uint32, mailbox string) (*types.MessageBody, error)
	UpdateEmailFlags(ctx context.Context, acct *types.Account, uid uint32, flags []string, op FlagOp, mailbox string) error
	DeleteEmail(ctx context.Context, acct *types.Account, uid uint32, mailbox string, permanent bool) error
}

// Persistence is the local store of saved emails and header caches
type Persistence interface {
	GetSavedEmailIDs(ctx context.Context, accountID, mailbox string) (map[uint32]struct{}, error)
	GetArchivedEmailIDs(ctx context.Context, accountID, mailbox string) (map[uint32]struct{}, error)
	SaveEmail(ctx context.Context, accountID, mailbox string, body *types.MessageBody) error
	SaveEmails(ctx context.Context, accountID, mailbox string, bodies []*types.MessageBody) error
	SaveEmailHeaders(ctx context.Context, accountID, mailbox string, headers []types.MessageHeader, total int) error
	GetEmailHeaders(ctx context.Context, accountID, mailbox string) (*types.HeaderCache, error)
	// GetMailboxStatus returns the status recorded by the last complete
	// header sync, or nil
	GetMailboxStatus(ctx context.Context, accountID, mailbox string) (*types.MailboxStatus, error)
	SaveMailboxStatus(ctx context.Context, accountID, mailbox string, status *types.MailboxStatus) error
}

// ArchiveStore is the local store the bulk archiver writes to
type ArchiveStore interface {
	IsEmailSaved(ctx context.Context, accountID, mailbox string, uid uint32) (bool, error)
	SaveEmail(ctx context.Context, accountID, mailbox string, body *types.MessageBody) error
	SetArchived(ctx context.Context, accountID, mailbox string, uid uint32, archived bool) error
}

// Sink receives what the pipelines produce for the in-memory application state
type Sink interface {
	AddEmail(accountID, mailbox string, body *types.MessageBody)
	SetHeaders(accountID, mailbox string, headers []types.MessageHeader, total int)
	ClearAttachmentMismatch(accountID, mailbox string, uid uint32, hasAttachments bool)
}

// AccountDirectory resolves configured accounts. Returned accounts are
// snapshots: a refreshed OAuth2 token shows up on the next lookup.
type AccountDirectory interface {
	Account(id string) (*types.Account, bool)
	Accounts() []*types.Account
	IsHidden(id string) bool
}
