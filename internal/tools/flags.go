package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/pipeline"
)

// SetFlagsTool adds or removes message flags on the server and local copies
type SetFlagsTool struct {
	deps *Deps
}

// NewSetFlagsTool creates a new set flags tool
func NewSetFlagsTool(deps *Deps) *SetFlagsTool {
	return &SetFlagsTool{deps: deps}
}

// Name returns the tool name
func (t *SetFlagsTool) Name() string {
	return "set_flags"
}

// Description returns the tool description
func (t *SetFlagsTool) Description() string {
	return "Add or remove flags such as seen or flagged on a message"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SetFlagsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailbox":    mailboxSchema(),
			"uid": map[string]interface{}{
				"type":        "integer",
				"description": "Message UID",
			},
			"flags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Flags, e.g. [\"seen\"] or [\"\\\\Flagged\"]",
			},
			"op": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "remove"},
				"description": "Optional: add or remove (default: add)",
			},
		},
		"required": []string{"uid", "flags"},
	}
}

// Execute executes the tool
func (t *SetFlagsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	mbox := t.deps.mailboxParam(params)
	uid, err := requireUID(params)
	if err != nil {
		return nil, err
	}
	flags := stringsParam(params, "flags")
	if len(flags) == 0 {
		return nil, fmt.Errorf("flags is required")
	}

	op := pipeline.FlagAdd
	if s, ok := stringParam(params, "op"); ok {
		switch s {
		case "add":
		case "remove":
			op = pipeline.FlagRemove
		default:
			return nil, fmt.Errorf("invalid op: %s", s)
		}
	}

	if err := t.deps.Store.SetFlags(ctx, acct.ID, mbox, uid, flags, op); err != nil {
		return nil, fmt.Errorf("failed to set flags: %w", err)
	}
	return map[string]interface{}{"account_id": acct.ID, "mailbox": mbox, "uid": uid, "updated": true}, nil
}

// ArchiveEmailTool marks a saved email archived so background sync skips it
type ArchiveEmailTool struct {
	deps *Deps
}

// NewArchiveEmailTool creates a new archive email tool
func NewArchiveEmailTool(deps *Deps) *ArchiveEmailTool {
	return &ArchiveEmailTool{deps: deps}
}

// Name returns the tool name
func (t *ArchiveEmailTool) Name() string {
	return "archive_email"
}

// Description returns the tool description
func (t *ArchiveEmailTool) Description() string {
	return "Mark a saved email archived (or not). Archived emails are never refetched"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ArchiveEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailbox":    mailboxSchema(),
			"uid": map[string]interface{}{
				"type":        "integer",
				"description": "Message UID",
			},
			"archived": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: false unarchives (default: true)",
			},
		},
		"required": []string{"uid"},
	}
}

// Execute executes the tool
func (t *ArchiveEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	mbox := t.deps.mailboxParam(params)
	uid, err := requireUID(params)
	if err != nil {
		return nil, err
	}
	archived := boolParam(params, "archived", true)

	if err := t.deps.DB.SetArchived(ctx, acct.ID, mbox, uid, archived); err != nil {
		return nil, fmt.Errorf("failed to archive email: %w", err)
	}
	return map[string]interface{}{"account_id": acct.ID, "mailbox": mbox, "uid": uid, "archived": archived}, nil
}
