package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/pkg/types"
)

// GetEmailTool retrieves a full email by mailbox and UID
type GetEmailTool struct {
	deps *Deps
}

// NewGetEmailTool creates a new get email tool
func NewGetEmailTool(deps *Deps) *GetEmailTool {
	return &GetEmailTool{deps: deps}
}

// Name returns the tool name
func (t *GetEmailTool) Name() string {
	return "get_email"
}

// Description returns the tool description
func (t *GetEmailTool) Description() string {
	return "Retrieve an email body from the memory cache, the saved copy or IMAP"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailbox":    mailboxSchema(),
			"uid": map[string]interface{}{
				"type":        "integer",
				"description": "Message UID (from load_range or search results)",
			},
			"include_raw": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Include the raw RFC 822 source when available",
			},
		},
		"required": []string{"uid"},
	}
}

// Execute executes the tool
func (t *GetEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	mbox := t.deps.mailboxParam(params)
	uid, err := requireUID(params)
	if err != nil {
		return nil, err
	}

	body, err := t.deps.Store.Email(ctx, acct.ID, mbox, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	return stripContent(body, boolParam(params, "include_raw", false)), nil
}

// stripContent returns a copy without attachment bytes, and without the raw
// source unless asked for. Cached bodies are shared and must not be mutated.
func stripContent(body *types.MessageBody, raw bool) *types.MessageBody {
	out := *body
	if !raw {
		out.RawSource = nil
	}
	if len(body.Attachments) > 0 {
		out.Attachments = make([]types.Attachment, len(body.Attachments))
		for i, a := range body.Attachments {
			a.Content = nil
			out.Attachments[i] = a
		}
	}
	return &out
}
