package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/pipeline"
)

// ActivateAccountTool makes an account the active one and starts its sync
type ActivateAccountTool struct {
	deps *Deps
}

// NewActivateAccountTool creates a new activate account tool
func NewActivateAccountTool(deps *Deps) *ActivateAccountTool {
	return &ActivateAccountTool{deps: deps}
}

// Name returns the tool name
func (t *ActivateAccountTool) Name() string {
	return "activate_account"
}

// Description returns the tool description
func (t *ActivateAccountTool) Description() string {
	return "Start a fresh sync of an account at full priority: headers first, then missing bodies"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ActivateAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Account id",
			},
		},
		"required": []string{"account_id"},
	}
}

// Execute executes the tool
func (t *ActivateAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "account_id")
	if err != nil {
		return nil, err
	}
	if _, ok := t.deps.Accounts.Account(id); !ok {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	if err := t.deps.Pipelines.CheckAccount(ctx, id); err != nil {
		if pipeline.IsCredentialError(err) {
			return nil, fmt.Errorf("re-authentication required: %w", err)
		}
		return nil, err
	}

	t.deps.background("activate_account", func(ctx context.Context) error {
		return t.deps.Pipelines.StartActiveAccountPipeline(ctx, id)
	})
	return map[string]interface{}{"account_id": id, "status": "started"}, nil
}

// SwitchAccountTool moves the active account, keeping partial progress
type SwitchAccountTool struct {
	deps *Deps
}

// NewSwitchAccountTool creates a new switch account tool
func NewSwitchAccountTool(deps *Deps) *SwitchAccountTool {
	return &SwitchAccountTool{deps: deps}
}

// Name returns the tool name
func (t *SwitchAccountTool) Name() string {
	return "switch_account"
}

// Description returns the tool description
func (t *SwitchAccountTool) Description() string {
	return "Switch the active account. Other accounts pause; a background sync of the new account is promoted in place"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SwitchAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Account id",
			},
		},
		"required": []string{"account_id"},
	}
}

// Execute executes the tool
func (t *SwitchAccountTool) Execute(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "account_id")
	if err != nil {
		return nil, err
	}
	if _, ok := t.deps.Accounts.Account(id); !ok {
		return nil, fmt.Errorf("account not found: %s", id)
	}

	previous := t.deps.Pipelines.ActiveAccountID()
	t.deps.background("switch_account", func(ctx context.Context) error {
		return t.deps.Pipelines.OnAccountSwitch(ctx, id)
	})
	return map[string]interface{}{"account_id": id, "previous": previous, "status": "switching"}, nil
}

// RemoveAccountTool forgets an account and everything synced for it
type RemoveAccountTool struct {
	deps *Deps
}

// NewRemoveAccountTool creates a new remove account tool
func NewRemoveAccountTool(deps *Deps) *RemoveAccountTool {
	return &RemoveAccountTool{deps: deps}
}

// Name returns the tool name
func (t *RemoveAccountTool) Name() string {
	return "remove_account"
}

// Description returns the tool description
func (t *RemoveAccountTool) Description() string {
	return "Remove an account: stop its sync, drop its cached mail and optionally its stored credentials"
}

// InputSchema returns the JSON schema for tool inputs
func (t *RemoveAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Account id",
			},
			"forget_credentials": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Also delete the password or token from the keyring",
			},
		},
		"required": []string{"account_id"},
	}
}

// Execute executes the tool
func (t *RemoveAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "account_id")
	if err != nil {
		return nil, err
	}
	if !t.deps.Accounts.Remove(id) {
		return nil, fmt.Errorf("account not found: %s", id)
	}

	t.deps.Pipelines.SyncAccounts(t.deps.Accounts.IDs())
	t.deps.Store.RemoveAccount(id)
	if t.deps.Connections != nil {
		t.deps.Connections.Disconnect(id)
	}
	if err := t.deps.DB.DeleteAccount(ctx, id); err != nil {
		return nil, err
	}

	forgot := false
	if boolParam(params, "forget_credentials", false) && t.deps.Credentials != nil {
		if err := t.deps.Credentials.Delete(id); err != nil {
			return nil, err
		}
		forgot = true
	}

	t.deps.Logger.WithField("account", id).Info("Account removed")
	return map[string]interface{}{"account_id": id, "removed": true, "credentials_deleted": forgot}, nil
}

// HideAccountTool excludes an account from background sync, or includes it again
type HideAccountTool struct {
	deps *Deps
}

// NewHideAccountTool creates a new hide account tool
func NewHideAccountTool(deps *Deps) *HideAccountTool {
	return &HideAccountTool{deps: deps}
}

// Name returns the tool name
func (t *HideAccountTool) Name() string {
	return "hide_account"
}

// Description returns the tool description
func (t *HideAccountTool) Description() string {
	return "Hide an account from background sync, or show it again"
}

// InputSchema returns the JSON schema for tool inputs
func (t *HideAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Account id",
			},
			"hidden": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: false shows the account again (default: true)",
			},
		},
		"required": []string{"account_id"},
	}
}

// Execute executes the tool
func (t *HideAccountTool) Execute(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "account_id")
	if err != nil {
		return nil, err
	}
	hidden := boolParam(params, "hidden", true)
	if err := t.deps.Accounts.SetHidden(id, hidden); err != nil {
		return nil, err
	}
	return map[string]interface{}{"account_id": id, "hidden": hidden}, nil
}
