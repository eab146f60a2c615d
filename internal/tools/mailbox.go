package tools

import (
	"context"
	"fmt"
)

// LoadRangeTool pages through a mailbox by display index, 0 being the newest
type LoadRangeTool struct {
	deps *Deps
}

// NewLoadRangeTool creates a new load range tool
func NewLoadRangeTool(deps *Deps) *LoadRangeTool {
	return &LoadRangeTool{deps: deps}
}

// Name returns the tool name
func (t *LoadRangeTool) Name() string {
	return "load_range"
}

// Description returns the tool description
func (t *LoadRangeTool) Description() string {
	return "Load message headers of a mailbox by display index range [start, end), newest first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *LoadRangeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountSchema(),
			"mailbox":    mailboxSchema(),
			"start": map[string]interface{}{
				"type":        "integer",
				"description": "First display index (default: 0)",
				"minimum":     0,
			},
			"end": map[string]interface{}{
				"type":        "integer",
				"description": "Display index after the last one (default: start + page size)",
			},
			"reload": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Refetch the first page and drop deleted messages first",
			},
		},
	}
}

// Execute executes the tool
func (t *LoadRangeTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acct, err := t.deps.accountParam(params)
	if err != nil {
		return nil, err
	}
	mbox := t.deps.mailboxParam(params)

	start, _, err := intParam(params, "start")
	if err != nil {
		return nil, err
	}
	end, ok, err := intParam(params, "end")
	if err != nil {
		return nil, err
	}
	if !ok {
		end = start + t.deps.Config.PageSize
	}
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, end)
	}

	if boolParam(params, "reload", false) {
		if err := t.deps.Store.Reload(ctx, acct.ID, mbox); err != nil {
			return nil, fmt.Errorf("failed to reload %s: %w", mbox, err)
		}
	}

	headers, total, err := t.deps.Store.LoadRange(ctx, acct.ID, mbox, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", mbox, err)
	}

	return map[string]interface{}{
		"account_id": acct.ID,
		"mailbox":    mbox,
		"total":      total,
		"emails":     headers,
		"loaded":     t.deps.Store.Ranges(acct.ID, mbox),
	}, nil
}
