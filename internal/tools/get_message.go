package tools

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

// getMessageTool returns a message header plus its body, fetched on first use
type getMessageTool struct {
	deps   Deps
	logger *logrus.Logger
}

func (t *getMessageTool) Name() string {
	return "get_message"
}

func (t *getMessageTool) Description() string {
	return "Retrieve a message by ID; the body is downloaded from IMAP the first time and cached"
}

func (t *getMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message_id": map[string]interface{}{
				"type":        "integer",
				"description": "Message ID (from list_messages or search_messages)",
			},
			"headers_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: skip the body download",
			},
		},
		"required": []string{"message_id"},
	}
}

// ownedByCaller loads a message and checks the caller may read its account.
func ownedByCaller(ctx context.Context, d Deps, messageID int64) (*types.Message, *types.Account, error) {
	msg, err := d.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	acc, err := d.Store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if !acc.CanAccess(ctx) {
		return nil, nil, fmt.Errorf("message %d: %w", messageID, apperrors.ErrForbidden)
	}
	return msg, acc, nil
}

func (t *getMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	messageID, err := requiredInt64(params, "message_id")
	if err != nil {
		return nil, err
	}

	msg, acc, err := ownedByCaller(ctx, t.deps, messageID)
	if err != nil {
		return nil, err
	}
	folder, err := t.deps.Store.GetFolder(ctx, msg.FolderID)
	if err != nil {
		return nil, err
	}
	attachments, err := t.deps.Store.ListAttachments(ctx, msg.ID)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"account_name": acc.Name,
		"folder_path":  folder.Path,
		"message":      msg,
		"attachments":  attachments,
	}

	if boolParam(params, "headers_only") {
		return result, nil
	}

	body, err := t.deps.Messages.FetchMessageBody(ctx, acc.ID, msg.ID)
	if err != nil {
		return nil, withHint(acc, err)
	}
	if body.TextBody == sync.PlaceholderBody {
		t.logger.WithField("message_id", msg.ID).Info("Message body unavailable from server")
	}
	result["body"] = body
	return result, nil
}

// getAttachmentTool streams one attachment's decoded content
type getAttachmentTool struct {
	deps Deps
}

func (t *getAttachmentTool) Name() string {
	return "get_attachment"
}

func (t *getAttachmentTool) Description() string {
	return "Download an attachment by ID; content is returned base64 encoded"
}

func (t *getAttachmentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"attachment_id": map[string]interface{}{
				"type":        "integer",
				"description": "Attachment ID (from get_message)",
			},
		},
		"required": []string{"attachment_id"},
	}
}

func (t *getAttachmentTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	attachmentID, err := requiredInt64(params, "attachment_id")
	if err != nil {
		return nil, err
	}

	att, err := t.deps.Store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	_, acc, err := ownedByCaller(ctx, t.deps, att.MessageID)
	if err != nil {
		return nil, err
	}

	content, err := t.deps.Messages.FetchAttachment(ctx, acc.ID, attachmentID)
	if err != nil {
		return nil, withHint(acc, err)
	}

	return map[string]interface{}{
		"attachment":     content.Attachment,
		"content_base64": base64.StdEncoding.EncodeToString(content.Data),
		"decoded_size":   len(content.Data),
	}, nil
}
