package tools

import (
	"context"
)

type listFoldersTool struct {
	deps Deps
}

func (t *listFoldersTool) Name() string { return "list_folders" }

func (t *listFoldersTool) Description() string {
	return "List mirrored folders for an account, optionally refreshing the list from the server first"
}

func (t *listFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withAccount(map[string]interface{}{
			"refresh": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: reconcile the folder list with the server before listing",
			},
		}),
	}
}

func (t *listFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{"account_id": acc.ID}
	if boolParam(params, "refresh") {
		changes, err := t.deps.Folders.SyncFolders(ctx, acc.ID)
		if err != nil {
			return nil, withHint(acc, err)
		}
		result["changes"] = changes
	}

	folders, err := t.deps.Store.ListFolders(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	result["folders"] = folders
	return result, nil
}
