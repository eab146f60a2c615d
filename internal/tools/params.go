package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// stringParam returns a non-empty string argument
func stringParam(params map[string]interface{}, key string) (string, bool) {
	s, ok := params[key].(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func requireString(params map[string]interface{}, key string) (string, error) {
	s, ok := stringParam(params, key)
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// intParam accepts JSON numbers and numeric strings
func intParam(params map[string]interface{}, key string) (int, bool, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		return int(v), true, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("invalid %s: expected a number", key)
	}
}

func requireInt(params map[string]interface{}, key string) (int, error) {
	n, ok, err := intParam(params, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	return n, nil
}

func requireUID(params map[string]interface{}) (uint32, error) {
	n, err := requireInt(params, "uid")
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid uid: %d", n)
	}
	return uint32(n), nil
}

// requireUIDs accepts a JSON array of numbers or a comma separated string
func requireUIDs(params map[string]interface{}) ([]uint32, error) {
	var raw []string
	switch v := params["uids"].(type) {
	case []interface{}:
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				raw = append(raw, strconv.FormatFloat(n, 'f', -1, 64))
			case string:
				raw = append(raw, n)
			default:
				return nil, fmt.Errorf("invalid uids: expected numbers")
			}
		}
	default:
		raw = stringsParam(params, "uids")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("uids is required")
	}

	uids := make([]uint32, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid uid: %s", s)
		}
		uids = append(uids, uint32(n))
	}
	return uids, nil
}

func boolParam(params map[string]interface{}, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// stringsParam accepts a JSON array of strings or a comma separated string
func stringsParam(params map[string]interface{}, key string) []string {
	var out []string
	switch v := params[key].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func timeParam(params map[string]interface{}, key string) (*time.Time, error) {
	s, ok := stringParam(params, key)
	if !ok {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return &t, nil
}

// accountParam returns the requested account, falling back to the active one
// and then to the first visible account
func (d *Deps) accountParam(params map[string]interface{}) (*types.Account, error) {
	id, ok := stringParam(params, "account_id")
	if !ok {
		id = d.Pipelines.ActiveAccountID()
	}
	if id == "" {
		if def := d.Config.GetDefaultAccount(); def != nil {
			id = def.ID
		}
	}
	if id == "" {
		return nil, fmt.Errorf("account_id is required")
	}

	acct, found := d.Accounts.Account(id)
	if !found {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	return acct, nil
}

func (d *Deps) mailboxParam(params map[string]interface{}) string {
	if mbox, ok := stringParam(params, "mailbox"); ok {
		return mbox
	}
	return d.Config.PrimaryMailbox
}

// conversationMailboxes returns the mailboxes a chat view spans
func (d *Deps) conversationMailboxes(params map[string]interface{}) []string {
	if mailboxes := stringsParam(params, "mailboxes"); len(mailboxes) > 0 {
		return mailboxes
	}
	mailboxes := []string{d.Config.PrimaryMailbox}
	if chat := d.Config.ChatMailbox; chat != "" && chat != d.Config.PrimaryMailbox {
		mailboxes = append(mailboxes, chat)
	}
	return mailboxes
}

func accountSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Optional: Account id, defaults to the active account",
	}
}

func mailboxSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Optional: Mailbox path, defaults to the primary mailbox",
	}
}
