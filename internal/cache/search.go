package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	AccountID *string
	Mailbox   *string
	Sender    *string
	Subject   *string
	Body      *string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
}

type summaryRow struct {
	AccountID   string         `db:"account_id"`
	Mailbox     string         `db:"mailbox"`
	UID         uint32         `db:"uid"`
	Subject     sql.NullString `db:"subject"`
	SenderName  sql.NullString `db:"sender_name"`
	SenderEmail sql.NullString `db:"sender_email"`
	Date        string         `db:"date"`
	BodyText    sql.NullString `db:"body_text"`
}

// escapeFTS quotes a user query for FTS5
func escapeFTS(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

// Search performs a search on saved emails
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]types.EmailSummary, error) {
	var conditions []string
	var args []interface{}

	// Build WHERE clause
	if opts.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *opts.AccountID)
	}

	if opts.Mailbox != nil {
		conditions = append(conditions, "mailbox = ?")
		args = append(args, *opts.Mailbox)
	}

	if opts.Sender != nil {
		conditions = append(conditions, "(sender_email LIKE ? OR sender_name LIKE ?)")
		searchTerm := "%" + *opts.Sender + "%"
		args = append(args, searchTerm, searchTerm)
	}

	if opts.Subject != nil {
		conditions = append(conditions, "subject LIKE ?")
		args = append(args, "%"+*opts.Subject+"%")
	}

	if opts.DateFrom != nil {
		conditions = append(conditions, "date >= ?")
		args = append(args, opts.DateFrom.UTC().Format(time.RFC3339))
	}

	if opts.DateTo != nil {
		conditions = append(conditions, "date <= ?")
		args = append(args, opts.DateTo.UTC().Format(time.RFC3339))
	}

	// Full-text search on body
	if opts.Body != nil {
		conditions = append(conditions, "id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)")
		args = append(args, escapeFTS(*opts.Body))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	return s.querySummaries(ctx, whereClause, args, opts.Limit)
}

// SearchFTS performs a full-text search using FTS5
func (s *Store) SearchFTS(ctx context.Context, query string, accountID *string, limit int) ([]types.EmailSummary, error) {
	conditions := []string{"id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)"}
	args := []interface{}{escapeFTS(query)}

	if accountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *accountID)
	}

	return s.querySummaries(ctx, "WHERE "+strings.Join(conditions, " AND "), args, limit)
}

func (s *Store) querySummaries(ctx context.Context, whereClause string, args []interface{}, limit int) ([]types.EmailSummary, error) {
	// Set default limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT account_id, mailbox, uid, subject, sender_name, sender_email, date, body_text
		FROM emails
		%s
		ORDER BY date DESC
		LIMIT ?
	`, whereClause)
	args = append(args, limit)

	var rows []summaryRow
	if err := s.cache.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	results := make([]types.EmailSummary, 0, len(rows))
	for _, row := range rows {
		summary := types.EmailSummary{
			AccountID:   row.AccountID,
			Mailbox:     row.Mailbox,
			UID:         row.UID,
			Subject:     row.Subject.String,
			SenderName:  row.SenderName.String,
			SenderEmail: row.SenderEmail.String,
		}
		summary.Date, _ = time.Parse(time.RFC3339, row.Date)

		// Create snippet from body
		if row.BodyText.Valid && len(row.BodyText.String) > 0 {
			snippet := row.BodyText.String
			if len(snippet) > 200 {
				snippet = snippet[:200] + "..."
			}
			summary.Snippet = snippet
		}

		results = append(results, summary)
	}

	return results, nil
}
