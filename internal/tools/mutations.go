package tools

import (
	"context"

	"github.com/brandon/mailsync/pkg/types"
)

func messageIDsSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "integer"},
		"description": "Message IDs to act on; all must belong to the account",
	}
}

// mutationResult reports how a batch ended. A partial failure stays a
// *sync.BatchError so the server can report the committed folders.
func mutationResult(acc *types.Account, ids []int64, err error) (interface{}, error) {
	if err != nil {
		return nil, withHint(acc, err)
	}
	return map[string]interface{}{"account_id": acc.ID, "messages": len(ids), "status": "ok"}, nil
}

type updateFlagsTool struct {
	deps Deps
}

func (t *updateFlagsTool) Name() string { return "update_flags" }

func (t *updateFlagsTool) Description() string {
	return `Add and/or remove flags (e.g. \Seen, \Flagged) on messages, mirrored on the server`
}

func (t *updateFlagsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withAccount(map[string]interface{}{
			"message_ids": messageIDsSchema(),
			"add": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Flags to add",
			},
			"remove": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Flags to remove",
			},
		}),
		"required": []string{"message_ids"},
	}
}

func (t *updateFlagsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}
	ids, err := int64List(params, "message_ids")
	if err != nil {
		return nil, err
	}
	add, remove := flagList(params, "add"), flagList(params, "remove")

	return mutationResult(acc, ids, t.deps.Executor.UpdateFlags(ctx, acc.ID, ids, add, remove))
}

type moveMessagesTool struct {
	deps Deps
}

func (t *moveMessagesTool) Name() string { return "move_messages" }

func (t *moveMessagesTool) Description() string {
	return "Move messages to another folder of the same account"
}

func (t *moveMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withAccount(map[string]interface{}{
			"message_ids": messageIDsSchema(),
			"folder_id": map[string]interface{}{
				"type":        "integer",
				"description": "Target folder ID",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Target folder path, alternative to folder_id",
			},
		}),
		"required": []string{"message_ids"},
	}
}

func (t *moveMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}
	ids, err := int64List(params, "message_ids")
	if err != nil {
		return nil, err
	}
	if params["folder_id"] == nil && stringParam(params, "folder") == "" {
		return nil, invalid("folder_id or folder is required")
	}
	target, err := resolveFolder(ctx, t.deps, acc, params)
	if err != nil {
		return nil, err
	}

	return mutationResult(acc, ids, t.deps.Executor.MoveMessages(ctx, acc.ID, ids, target.ID))
}

type deleteMessagesTool struct {
	deps Deps
}

func (t *deleteMessagesTool) Name() string { return "delete_messages" }

func (t *deleteMessagesTool) Description() string {
	return "Delete messages: move to Trash, or expunge when permanent is true or no Trash exists"
}

func (t *deleteMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withAccount(map[string]interface{}{
			"message_ids": messageIDsSchema(),
			"permanent": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: expunge instead of moving to Trash",
			},
		}),
		"required": []string{"message_ids"},
	}
}

func (t *deleteMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := resolveAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}
	ids, err := int64List(params, "message_ids")
	if err != nil {
		return nil, err
	}

	return mutationResult(acc, ids, t.deps.Executor.DeleteMessages(ctx, acc.ID, ids, boolParam(params, "permanent")))
}
