package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/pipeline"
)

// DeleteEmailTool deletes a message on the server and everywhere locally
type DeleteEmailTool struct {
	deps *Deps
}

// NewDeleteEmailTool creates a new delete email tool
func NewDeleteEmailTool(deps *Deps) *DeleteEmailTool {
	return &DeleteEmailTool{deps: deps}
}

// Name returns the tool name
func (t *DeleteEmailTool) Name() string {
	return "delete_email"
}

// Description returns the tool description
func (t *DeleteEmailTool) Description() string {
	return "Delete a message. By default it moves to the trash mailbox; permanent expunges it"
}

// InputSchema returns the JSON schema for tool inputs
func (t *DeleteEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailbox":    mailboxSchema(),
			"uid": map[string]interface{}{
				"type":        "integer",
				"description": "Message UID",
			},
			"permanent": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: expunge instead of moving to trash (default: false)",
			},
		},
		"required": []string{"uid"},
	}
}

// Execute executes the tool
func (t *DeleteEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	mbox := t.deps.mailboxParam(params)
	uid, err := requireUID(params)
	if err != nil {
		return nil, err
	}
	permanent := boolParam(params, "permanent", false)

	if err := t.deps.Store.DeleteEmail(ctx, acct.ID, mbox, uid, permanent); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"account_id": acct.ID,
		"mailbox":    mbox,
		"uid":        uid,
		"permanent":  permanent,
		"deleted":    true,
	}, nil
}

// ArchiveEmailsTool keeps full local copies of many messages in the background
type ArchiveEmailsTool struct {
	deps *Deps
}

// NewArchiveEmailsTool creates a new bulk archive tool
func NewArchiveEmailsTool(deps *Deps) *ArchiveEmailsTool {
	return &ArchiveEmailsTool{deps: deps}
}

// Name returns the tool name
func (t *ArchiveEmailsTool) Name() string {
	return "archive_emails"
}

// Description returns the tool description
func (t *ArchiveEmailsTool) Description() string {
	return "Download and archive many messages in the background. Progress shows in pipeline_status"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ArchiveEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailbox":    mailboxSchema(),
			"uids": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "integer"},
				"description": "Message UIDs to archive",
			},
		},
		"required": []string{"uids"},
	}
}

// Execute executes the tool
func (t *ArchiveEmailsTool) Execute(_ context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	mbox := t.deps.mailboxParam(params)
	uids, err := requireUIDs(params)
	if err != nil {
		return nil, err
	}
	if t.deps.Archiver.Progress().Active {
		return nil, fmt.Errorf("cannot start archive: %w", pipeline.ErrArchiveRunning)
	}

	t.deps.background("archive_emails", func(ctx context.Context) error {
		_, err := t.deps.Archiver.Run(ctx, acct.ID, mbox, uids)
		return err
	})
	return map[string]interface{}{
		"account_id": acct.ID,
		"mailbox":    mbox,
		"total":      len(uids),
		"status":     "started",
	}, nil
}

// CancelArchiveTool stops the running bulk archive
type CancelArchiveTool struct {
	deps *Deps
}

// NewCancelArchiveTool creates a new cancel archive tool
func NewCancelArchiveTool(deps *Deps) *CancelArchiveTool {
	return &CancelArchiveTool{deps: deps}
}

// Name returns the tool name
func (t *CancelArchiveTool) Name() string {
	return "cancel_archive"
}

// Description returns the tool description
func (t *CancelArchiveTool) Description() string {
	return "Stop the running bulk archive. Downloads in flight still finish"
}

// InputSchema returns the JSON schema for tool inputs
func (t *CancelArchiveTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// Execute executes the tool
func (t *CancelArchiveTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	cancelled := t.deps.Archiver.Cancel()
	return map[string]interface{}{
		"cancelled": cancelled,
		"progress":  t.deps.Archiver.Progress(),
	}, nil
}
