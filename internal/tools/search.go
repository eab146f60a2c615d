package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/cache"
)

const maxSearchLimit = 1000

// SearchEmailsTool searches saved emails
type SearchEmailsTool struct {
	deps *Deps
}

// NewSearchEmailsTool creates a new search emails tool
func NewSearchEmailsTool(deps *Deps) *SearchEmailsTool {
	return &SearchEmailsTool{deps: deps}
}

// Name returns the tool name
func (t *SearchEmailsTool) Name() string {
	return "search_emails"
}

// Description returns the tool description
func (t *SearchEmailsTool) Description() string {
	return "Search saved emails with filters (sender, subject, body, date range) or a full-text query"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by specific account",
			},
			"mailbox": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by mailbox",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Full-text query over subject, sender and body. Other filters are ignored",
			},
			"sender": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by sender email/name",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by subject (substring match)",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by body content (full-text search)",
			},
			"date_from": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Start date (ISO 8601 format)",
			},
			"date_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: End date (ISO 8601 format)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: search_result_limit, max: 1000)",
				"minimum":     1,
				"maximum":     maxSearchLimit,
			},
		},
	}
}

// Execute executes the tool
func (t *SearchEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	opts := cache.SearchOptions{}

	if id, ok := stringParam(params, "account_id"); ok {
		opts.AccountID = &id
	}
	if mbox, ok := stringParam(params, "mailbox"); ok {
		opts.Mailbox = &mbox
	}
	if sender, ok := stringParam(params, "sender"); ok {
		opts.Sender = &sender
	}
	if subject, ok := stringParam(params, "subject"); ok {
		opts.Subject = &subject
	}
	if body, ok := stringParam(params, "body"); ok {
		opts.Body = &body
	}

	var err error
	if opts.DateFrom, err = timeParam(params, "date_from"); err != nil {
		return nil, err
	}
	if opts.DateTo, err = timeParam(params, "date_to"); err != nil {
		return nil, err
	}

	limit, _, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = t.deps.Config.SearchResultLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	opts.Limit = limit

	if query, ok := stringParam(params, "query"); ok {
		results, err := t.deps.DB.SearchFTS(ctx, query, opts.AccountID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to search emails: %w", err)
		}
		return results, nil
	}

	results, err := t.deps.DB.Search(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	return results, nil
}
