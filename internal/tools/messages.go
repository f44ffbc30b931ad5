package tools

import (
	"context"
)

type syncFolderTool struct {
	deps Deps
}

func (t *syncFolderTool) Name() string { return "sync_folder" }

func (t *syncFolderTool) Description() string {
	return "Synchronize one folder's messages with the server, or every folder when all is true"
}

func (t *syncFolderTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withAccount(map[string]interface{}{
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Folder path (default: INBOX)",
			},
			"all": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: sync the folder list and every selectable folder",
			},
		}),
	}
}

func (t *syncFolderTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "all") {
		result, err := t.deps.Messages.SyncAll(ctx, acc.ID)
		if err != nil {
			return nil, withHint(acc, err)
		}
		return result, nil
	}

	path := stringParam(params, "folder")
	if path == "" {
		path = "INBOX"
	}
	result, err := t.deps.Messages.SyncFolder(ctx, acc.ID, path)
	if err != nil {
		return nil, withHint(acc, err)
	}
	return result, nil
}

type listMessagesTool struct {
	deps Deps
}

func (t *listMessagesTool) Name() string { return "list_messages" }

func (t *listMessagesTool) Description() string {
	return "List mirrored message headers in a folder, newest first"
}

func (t *listMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withAccount(map[string]interface{}{
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Folder path (default: INBOX)",
			},
			"folder_id": map[string]interface{}{
				"type":        "integer",
				"description": "Folder ID, alternative to folder",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: page size",
				"minimum":     1,
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: number of messages to skip",
				"minimum":     0,
			},
		}),
	}
}

func (t *listMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}
	folder, err := resolveFolder(ctx, t.deps, acc, params)
	if err != nil {
		return nil, err
	}

	limit, err := limitParam(params, t.deps.SearchResultLimit)
	if err != nil {
		return nil, err
	}
	offset, _, err := int64Param(params, "offset")
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, invalid("offset must not be negative")
	}

	messages, err := t.deps.Store.ListMessages(ctx, folder.ID, limit, int(offset))
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"folder":   folder.Path,
		"total":    folder.TotalMessages,
		"unread":   folder.UnreadMessages,
		"messages": messages,
	}, nil
}
