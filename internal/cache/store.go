package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// ErrNotFound is returned when a saved email does not exist
var ErrNotFound = errors.New("email not found")

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

// UpsertAccount upserts an account in the cache
func (s *Store) UpsertAccount(ctx context.Context, acc *types.Account) error {
	query := `
		INSERT INTO accounts (id, name, email, imap_host, imap_port, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.cache.DB().ExecContext(ctx, query, acc.ID, acc.Name, acc.Email, acc.IMAPHost, acc.IMAPPort); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account and, by cascade, everything cached for it
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	if _, err := s.cache.DB().ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", accountID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// SaveEmail upserts one hydrated email
func (s *Store) SaveEmail(ctx context.Context, accountID, mailbox string, body *types.MessageBody) error {
	return s.SaveEmails(ctx, accountID, mailbox, []*types.MessageBody{body})
}

// SaveEmails upserts hydrated emails in a single transaction
func (s *Store) SaveEmails(ctx context.Context, accountID, mailbox string, bodies []*types.MessageBody) error {
	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO emails (account_id, mailbox, uid, message_id, subject, sender_name, sender_email, date, body_text, body, raw_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, mailbox, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			date = excluded.date,
			body_text = excluded.body_text,
			body = excluded.body,
			raw_source = excluded.raw_source,
			cached_at = CURRENT_TIMESTAMP
	`
	for _, body := range bodies {
		// Raw source lives in its own column
		stripped := *body
		stripped.RawSource = nil
		bodyJSON, err := json.Marshal(&stripped)
		if err != nil {
			return fmt.Errorf("failed to marshal email %d: %w", body.UID, err)
		}

		_, err = tx.ExecContext(ctx, query,
			accountID,
			mailbox,
			body.UID,
			body.MessageID,
			body.Subject,
			body.From.Name,
			body.From.Key(),
			body.Date.UTC().Format(time.RFC3339),
			body.Text,
			string(bodyJSON),
			body.RawSource,
		)
		if err != nil {
			return fmt.Errorf("failed to save email %d: %w", body.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit emails: %w", err)
	}
	return nil
}

type emailRow struct {
	UID       uint32 `db:"uid"`
	Body      string `db:"body"`
	RawSource []byte `db:"raw_source"`
}

func (r *emailRow) decode() (*types.MessageBody, error) {
	var body types.MessageBody
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email %d: %w", r.UID, err)
	}
	body.RawSource = r.RawSource
	return &body, nil
}

// GetEmail retrieves a saved email
func (s *Store) GetEmail(ctx context.Context, accountID, mailbox string, uid uint32) (*types.MessageBody, error) {
	var row emailRow
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT uid, body, raw_source FROM emails WHERE account_id = ? AND mailbox = ? AND uid = ?",
		accountID, mailbox, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return row.decode()
}

// GetEmails retrieves the saved emails among uids, without raw source
func (s *Store) GetEmails(ctx context.Context, accountID, mailbox string, uids []uint32) (map[uint32]*types.MessageBody, error) {
	out := make(map[uint32]*types.MessageBody, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(
		"SELECT uid, body FROM emails WHERE account_id = ? AND mailbox = ? AND uid IN (?)",
		accountID, mailbox, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []emailRow
	if err := s.cache.DB().SelectContext(ctx, &rows, s.cache.DB().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get emails: %w", err)
	}

	for i := range rows {
		body, err := rows[i].decode()
		if err != nil {
			s.logger.WithError(err).Warn("Skipping undecodable email")
			continue
		}
		out[body.UID] = body
	}
	return out, nil
}

// IsEmailSaved reports whether a hydrated copy of the email exists
func (s *Store) IsEmailSaved(ctx context.Context, accountID, mailbox string, uid uint32) (bool, error) {
	var count int
	err := s.cache.DB().GetContext(ctx, &count,
		"SELECT COUNT(*) FROM emails WHERE account_id = ? AND mailbox = ? AND uid = ?",
		accountID, mailbox, uid)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return count > 0, nil
}

func (s *Store) uidSet(ctx context.Context, query string, args ...interface{}) (map[uint32]struct{}, error) {
	var uids []uint32
	if err := s.cache.DB().SelectContext(ctx, &uids, query, args...); err != nil {
		return nil, err
	}
	set := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}
	return set, nil
}

// GetSavedEmailIDs returns the UIDs with a hydrated copy in the mailbox
func (s *Store) GetSavedEmailIDs(ctx context.Context, accountID, mailbox string) (map[uint32]struct{}, error) {
	set, err := s.uidSet(ctx, "SELECT uid FROM emails WHERE account_id = ? AND mailbox = ?", accountID, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved emails: %w", err)
	}
	return set, nil
}

// GetArchivedEmailIDs returns the UIDs archived locally in the mailbox
func (s *Store) GetArchivedEmailIDs(ctx context.Context, accountID, mailbox string) (map[uint32]struct{}, error) {
	set, err := s.uidSet(ctx, "SELECT uid FROM emails WHERE account_id = ? AND mailbox = ? AND archived = 1", accountID, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived emails: %w", err)
	}
	return set, nil
}

// SetArchived marks a saved email as archived (or not)
func (s *Store) SetArchived(ctx context.Context, accountID, mailbox string, uid uint32, archived bool) error {
	res, err := s.cache.DB().ExecContext(ctx,
		"UPDATE emails SET archived = ? WHERE account_id = ? AND mailbox = ? AND uid = ?",
		archived, accountID, mailbox, uid)
	if err != nil {
		return fmt.Errorf("failed to archive email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEmailHeaders replaces the header cache of a mailbox in one write
func (s *Store) SaveEmailHeaders(ctx context.Context, accountID, mailbox string, headers []types.MessageHeader, total int) error {
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO header_cache (account_id, mailbox, total, headers, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, mailbox) DO UPDATE SET
			total = excluded.total,
			headers = excluded.headers,
			updated_at = excluded.updated_at
	`
	_, err = s.cache.DB().ExecContext(ctx, query, accountID, mailbox, total, string(headersJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save headers: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"account": accountID,
		"mailbox": mailbox,
		"count":   len(headers),
		"total":   total,
	}).Debug("Saved header cache")
	return nil
}

type headerRow struct {
	Total     int    `db:"total"`
	Headers   string `db:"headers"`
	UpdatedAt string `db:"updated_at"`
}

// GetEmailHeaders returns the header cache of a mailbox. A mailbox that was
// never synced yields an empty cache, not an error.
func (s *Store) GetEmailHeaders(ctx context.Context, accountID, mailbox string) (*types.HeaderCache, error) {
	hc := &types.HeaderCache{AccountID: accountID, Mailbox: mailbox}

	var row headerRow
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT total, headers, updated_at FROM header_cache WHERE account_id = ? AND mailbox = ?",
		accountID, mailbox)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return hc, nil
		}
		return nil, fmt.Errorf("failed to get headers: %w", err)
	}

	if err := json.Unmarshal([]byte(row.Headers), &hc.Emails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	hc.Total = row.Total
	hc.UpdatedAt, _ = time.Parse(time.RFC3339, row.UpdatedAt)
	return hc, nil
}

// DeleteEmailHeaders drops the given UIDs from the header cache of a mailbox
// and lowers its total by the number dropped
func (s *Store) DeleteEmailHeaders(ctx context.Context, accountID, mailbox string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	hc, err := s.GetEmailHeaders(ctx, accountID, mailbox)
	if err != nil {
		return err
	}

	drop := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		drop[uid] = true
	}

	before := len(hc.Emails)
	kept := hc.Emails[:0]
	for _, h := range hc.Emails {
		if !drop[h.UID] {
			kept = append(kept, h)
		}
	}

	total := hc.Total - (before - len(kept))
	if total < len(kept) {
		total = len(kept)
	}
	return s.SaveEmailHeaders(ctx, accountID, mailbox, kept, total)
}

// DeleteEmail removes the saved copy of an email. A missing copy is not an
// error.
func (s *Store) DeleteEmail(ctx context.Context, accountID, mailbox string, uid uint32) error {
	_, err := s.cache.DB().ExecContext(ctx,
		"DELETE FROM emails WHERE account_id = ? AND mailbox = ? AND uid = ?",
		accountID, mailbox, uid)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	return nil
}

// SaveMailboxStatus records the status a complete header sync saw
func (s *Store) SaveMailboxStatus(ctx context.Context, accountID, mailbox string, status *types.MailboxStatus) error {
	query := `
		INSERT INTO mailbox_status (account_id, mailbox, exists_count, uid_validity, uid_next, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, mailbox) DO UPDATE SET
			exists_count = excluded.exists_count,
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			updated_at = excluded.updated_at
	`
	_, err := s.cache.DB().ExecContext(ctx, query, accountID, mailbox,
		status.Exists, status.UIDValidity, status.UIDNext, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save mailbox status: %w", err)
	}
	return nil
}

type statusRow struct {
	Exists      int    `db:"exists_count"`
	UIDValidity uint32 `db:"uid_validity"`
	UIDNext     uint32 `db:"uid_next"`
}

// GetMailboxStatus returns the recorded status of a mailbox, or nil when it
// was never fully synced
func (s *Store) GetMailboxStatus(ctx context.Context, accountID, mailbox string) (*types.MailboxStatus, error) {
	var row statusRow
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT exists_count, uid_validity, uid_next FROM mailbox_status WHERE account_id = ? AND mailbox = ?",
		accountID, mailbox)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mailbox status: %w", err)
	}
	return &types.MailboxStatus{Exists: row.Exists, UIDValidity: row.UIDValidity, UIDNext: row.UIDNext}, nil
}

// HasEmails checks if an account has any saved emails
func (s *Store) HasEmails(ctx context.Context, accountID string) (bool, error) {
	var count int
	err := s.cache.DB().GetContext(ctx, &count, "SELECT COUNT(*) FROM emails WHERE account_id = ?", accountID)
	if err != nil {
		return false, fmt.Errorf("failed to check emails count: %w", err)
	}
	return count > 0, nil
}
