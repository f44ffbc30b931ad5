package tools

import (
	"context"

	"github.com/sirupsen/logrus"
)

type listAccountsTool struct {
	deps Deps
}

func (t *listAccountsTool) Name() string { return "list_accounts" }

func (t *listAccountsTool) Description() string {
	return "List configured email accounts with their connection state and last sync time"
}

func (t *listAccountsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *listAccountsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	accounts, err := accessibleAccounts(ctx, t.deps)
	if err != nil {
		return nil, err
	}

	result := make([]map[string]interface{}, 0, len(accounts))
	for _, acc := range accounts {
		result = append(result, map[string]interface{}{
			"id":           acc.ID,
			"name":         acc.Name,
			"imap_host":    acc.IMAPHost,
			"username":     acc.IMAPUsername,
			"state":        t.deps.Pool.State(acc.ID).String(),
			"is_connected": acc.IsConnected,
			"last_error":   acc.LastError,
			"last_sync_at": acc.LastSyncAt,
		})
	}
	return result, nil
}

type connectAccountTool struct {
	deps   Deps
	logger *logrus.Logger
}

func (t *connectAccountTool) Name() string { return "connect_account" }

func (t *connectAccountTool) Description() string {
	return "Open the IMAP session for an account and schedule a full sync"
}

func (t *connectAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": accountSchema(),
	}
}

func (t *connectAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}

	if err := t.deps.Pool.Connect(ctx, acc.ID); err != nil {
		return nil, withHint(acc, err)
	}

	scheduled := false
	if t.deps.Scheduler != nil {
		scheduled = t.deps.Scheduler.Trigger(acc.ID)
	}
	t.logger.WithFields(logrus.Fields{"account": acc.ID, "sync_scheduled": scheduled}).Info("Account connected")

	return map[string]interface{}{
		"account_id":     acc.ID,
		"state":          t.deps.Pool.State(acc.ID).String(),
		"sync_scheduled": scheduled,
	}, nil
}

type disconnectAccountTool struct {
	deps   Deps
	logger *logrus.Logger
}

func (t *disconnectAccountTool) Name() string { return "disconnect_account" }

func (t *disconnectAccountTool) Description() string {
	return "Log out of an account's IMAP session, cancelling in-flight work"
}

func (t *disconnectAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": accountSchema(),
	}
}

func (t *disconnectAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}
	if err := t.deps.Pool.Disconnect(acc.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"account_id": acc.ID,
		"state":      t.deps.Pool.State(acc.ID).String(),
	}, nil
}
