package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

// Parameters arrive as decoded JSON, so numbers are float64. String forms are
// accepted too since some clients quote every argument.

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrInvalidInput)
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func int64Param(params map[string]interface{}, key string) (int64, bool, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, false, invalid("%s must be an integer", key)
		}
		return int64(v), true, nil
	case string:
		if v == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, invalid("%s must be an integer", key)
		}
		return n, true, nil
	default:
		return 0, false, invalid("%s must be an integer", key)
	}
}

func requiredInt64(params map[string]interface{}, key string) (int64, error) {
	n, ok, err := int64Param(params, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, invalid("%s is required", key)
	}
	return n, nil
}

func boolParam(params map[string]interface{}, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func int64List(params map[string]interface{}, key string) ([]int64, error) {
	raw, ok := params[key].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, invalid("%s must be a non-empty list of ids", key)
	}
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		n, _, err := int64Param(map[string]interface{}{key: item}, key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, nil
}

// flagList accepts either a JSON list or a comma separated string.
func flagList(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case string:
		return sync.ParseFlags(v)
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return sync.ParseFlags(strings.Join(parts, ","))
	}
	return nil
}

func timeParam(params map[string]interface{}, key string) (*time.Time, error) {
	s := stringParam(params, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if t, err = time.Parse("2006-01-02", s); err != nil {
			return nil, invalid("%s must be an ISO 8601 date", key)
		}
	}
	return &t, nil
}

func limitParam(params map[string]interface{}, max int) (int, error) {
	n, ok, err := int64Param(params, "limit")
	if err != nil {
		return 0, err
	}
	if !ok || n <= 0 || int(n) > max {
		return max, nil
	}
	return int(n), nil
}

// resolveAccount finds the account named by account_id or account_name and
// checks the caller may use it.
func resolveAccount(ctx context.Context, d Deps, params map[string]interface{}) (*types.Account, error) {
	id, hasID, err := int64Param(params, "account_id")
	if err != nil {
		return nil, err
	}

	var acc *types.Account
	switch name := stringParam(params, "account_name"); {
	case hasID:
		acc, err = d.Store.GetAccount(ctx, id)
	case name != "":
		acc, err = d.Store.GetAccountByName(ctx, name)
	default:
		return nil, invalid("account_id or account_name is required")
	}
	if err != nil {
		return nil, err
	}
	if !acc.CanAccess(ctx) {
		return nil, fmt.Errorf("account %s: %w", acc.Name, apperrors.ErrForbidden)
	}
	return acc, nil
}

// optionalAccount is resolveAccount for tools where the account filter is optional.
func optionalAccount(ctx context.Context, d Deps, params map[string]interface{}) (*types.Account, error) {
	if params["account_id"] == nil && stringParam(params, "account_name") == "" {
		return nil, nil
	}
	return resolveAccount(ctx, d, params)
}

// accessibleAccounts lists the accounts the caller may see.
func accessibleAccounts(ctx context.Context, d Deps) ([]types.Account, error) {
	all, err := d.Store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for i := range all {
		if all[i].CanAccess(ctx) {
			visible = append(visible, all[i])
		}
	}
	return visible, nil
}

// resolveFolder finds the folder named by folder_id or folder (path) in acc.
func resolveFolder(ctx context.Context, d Deps, acc *types.Account, params map[string]interface{}) (*types.Folder, error) {
	id, hasID, err := int64Param(params, "folder_id")
	if err != nil {
		return nil, err
	}
	if hasID {
		folder, err := d.Store.GetFolder(ctx, id)
		if err != nil {
			return nil, err
		}
		if folder.AccountID != acc.ID {
			return nil, fmt.Errorf("folder %d: %w", id, apperrors.ErrForbidden)
		}
		return folder, nil
	}

	path := stringParam(params, "folder")
	if path == "" {
		path = "INBOX"
	}
	return d.Store.GetFolderByPath(ctx, acc.ID, path)
}

func accountSchema() map[string]interface{} {
	return map[string]interface{}{
		"account_id": map[string]interface{}{
			"type":        "integer",
			"description": "Account ID (from list_accounts)",
		},
		"account_name": map[string]interface{}{
			"type":        "string",
			"description": "Account name, alternative to account_id",
		},
	}
}

func withAccount(props map[string]interface{}) map[string]interface{} {
	for k, v := range accountSchema() {
		props[k] = v
	}
	return props
}
