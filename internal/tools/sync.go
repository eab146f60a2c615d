package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/pipeline"
)

// SetOnlineTool reports a network transition
type SetOnlineTool struct {
	deps *Deps
}

// NewSetOnlineTool creates a new set online tool
func NewSetOnlineTool(deps *Deps) *SetOnlineTool {
	return &SetOnlineTool{deps: deps}
}

// Name returns the tool name
func (t *SetOnlineTool) Name() string {
	return "set_online"
}

// Description returns the tool description
func (t *SetOnlineTool) Description() string {
	return "Force offline mode, pausing every sync, or go back online and resume"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SetOnlineTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"online": map[string]interface{}{
				"type":        "boolean",
				"description": "true to resume syncing, false to pause it",
			},
		},
		"required": []string{"online"},
	}
}

// Execute executes the tool
func (t *SetOnlineTool) Execute(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if _, ok := params["online"]; !ok {
		return nil, fmt.Errorf("online is required")
	}
	online := boolParam(params, "online", true)
	t.deps.Network.SetOnline(online)
	return map[string]interface{}{"online": t.deps.Network.Online()}, nil
}

// PipelineStatusTool reports sync progress per account
type PipelineStatusTool struct {
	deps *Deps
}

// NewPipelineStatusTool creates a new pipeline status tool
func NewPipelineStatusTool(deps *Deps) *PipelineStatusTool {
	return &PipelineStatusTool{deps: deps}
}

// Name returns the tool name
func (t *PipelineStatusTool) Name() string {
	return "pipeline_status"
}

// Description returns the tool description
func (t *PipelineStatusTool) Description() string {
	return "Show per-account sync progress, network state and body cache usage"
}

// InputSchema returns the JSON schema for tool inputs
func (t *PipelineStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// Execute executes the tool
func (t *PipelineStatusTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	snapshots := t.deps.Pipelines.Snapshots()

	accounts := make([]map[string]interface{}, 0)
	for _, acct := range t.deps.Accounts.Accounts() {
		entry := map[string]interface{}{
			"account_id":      acct.ID,
			"email":           acct.Email,
			"hidden":          acct.Hidden,
			"has_credentials": acct.HasCredentials(),
		}
		if progress, ok := snapshots[acct.ID]; ok {
			entry["pipeline"] = progress
		} else {
			entry["pipeline"] = pipeline.Progress{AccountID: acct.ID, Phase: pipeline.PhaseIdle}
		}
		if saved, err := t.deps.DB.HasEmails(ctx, acct.ID); err == nil {
			entry["has_saved_emails"] = saved
		}
		accounts = append(accounts, entry)
	}

	return map[string]interface{}{
		"active_account": t.deps.Pipelines.ActiveAccountID(),
		"online":         t.deps.Network.Online(),
		"cache":          t.deps.Store.Stats(),
		"archive":        t.deps.Archiver.Progress(),
		"accounts":       accounts,
	}, nil
}
