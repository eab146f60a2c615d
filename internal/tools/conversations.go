package tools

import (
	"context"
)

const defaultConversationLimit = 50

func limitSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Optional: Result limit (default: 50)",
		"minimum":     1,
	}
}

func mailboxesSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": "Optional: Mailboxes to combine (default: primary and chat mailboxes)",
	}
}

func conversationLimit(params map[string]interface{}) (int, error) {
	limit, ok, err := intParam(params, "limit")
	if err != nil {
		return 0, err
	}
	if !ok || limit <= 0 {
		limit = defaultConversationLimit
	}
	return limit, nil
}

// ListThreadsTool reconstructs reply-chain threads from loaded headers
type ListThreadsTool struct {
	deps *Deps
}

// NewListThreadsTool creates a new list threads tool
func NewListThreadsTool(deps *Deps) *ListThreadsTool {
	return &ListThreadsTool{deps: deps}
}

// Name returns the tool name
func (t *ListThreadsTool) Name() string {
	return "list_threads"
}

// Description returns the tool description
func (t *ListThreadsTool) Description() string {
	return "Group the loaded messages of an account into conversation threads, most recent first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListThreadsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailboxes":  mailboxesSchema(),
			"limit":      limitSchema(),
		},
	}
}

// Execute executes the tool
func (t *ListThreadsTool) Execute(_ context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	limit, err := conversationLimit(params)
	if err != nil {
		return nil, err
	}

	threads := t.deps.Store.Threads(acct.ID, t.deps.conversationMailboxes(params)...)
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// ListCorrespondentsTool groups loaded messages by the other party
type ListCorrespondentsTool struct {
	deps *Deps
}

// NewListCorrespondentsTool creates a new list correspondents tool
func NewListCorrespondentsTool(deps *Deps) *ListCorrespondentsTool {
	return &ListCorrespondentsTool{deps: deps}
}

// Name returns the tool name
func (t *ListCorrespondentsTool) Name() string {
	return "list_correspondents"
}

// Description returns the tool description
func (t *ListCorrespondentsTool) Description() string {
	return "Group the loaded messages of an account by correspondent for a chat view, most recently active first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListCorrespondentsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailboxes":  mailboxesSchema(),
			"limit":      limitSchema(),
		},
	}
}

// Execute executes the tool
func (t *ListCorrespondentsTool) Execute(_ context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	limit, err := conversationLimit(params)
	if err != nil {
		return nil, err
	}

	people, err := t.deps.Store.Correspondents(acct.ID, t.deps.conversationMailboxes(params)...)
	if err != nil {
		return nil, err
	}
	if len(people) > limit {
		people = people[:limit]
	}
	return people, nil
}
