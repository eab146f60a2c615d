package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/pkg/types"
)

// ListMailboxesTool lists the mailbox tree of one or every account
type ListMailboxesTool struct {
	deps *Deps
}

// NewListMailboxesTool creates a new list mailboxes tool
func NewListMailboxesTool(deps *Deps) *ListMailboxesTool {
	return &ListMailboxesTool{deps: deps}
}

// Name returns the tool name
func (t *ListMailboxesTool) Name() string {
	return "list_mailboxes"
}

// Description returns the tool description
func (t *ListMailboxesTool) Description() string {
	return "List the mailbox tree of configured email accounts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListMailboxesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Specific account id, or all accounts if omitted",
			},
		},
	}
}

// Execute executes the tool
func (t *ListMailboxesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	accounts := t.deps.Accounts.Accounts()
	if id, ok := stringParam(params, "account_id"); ok {
		acct, found := t.deps.Accounts.Account(id)
		if !found {
			return nil, fmt.Errorf("account not found: %s", id)
		}
		accounts = []*types.Account{acct}
	}

	result := make([]map[string]interface{}, 0, len(accounts))
	for _, acct := range accounts {
		entry := map[string]interface{}{
			"account_id": acct.ID,
			"email":      acct.Email,
		}
		mailboxes, err := t.deps.Remote.FetchMailboxes(ctx, acct)
		if err != nil {
			t.deps.Logger.WithError(err).WithField("account", acct.ID).Warn("Failed to list mailboxes")
			entry["error"] = err.Error()
		} else {
			entry["mailboxes"] = mailboxes
		}
		result = append(result, entry)
	}

	return result, nil
}
