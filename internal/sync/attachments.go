package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-message"

	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// AttachmentContent is an attachment's metadata with its decoded bytes
type AttachmentContent struct {
	types.Attachment
	Data []byte `json:"-"`
}

// FetchAttachment streams an attachment's part from the server and decodes
// its transfer encoding. Content is never cached.
func (m *MessageSynchronizer) FetchAttachment(ctx context.Context, accountID, attachmentID int64) (*AttachmentContent, error) {
	att, err := m.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	msg, folder, err := ownedMessage(ctx, m.store, accountID, att.MessageID)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = m.pool.WithSession(ctx, accountID, func(s email.Session) error {
		if _, err := s.Select(folder.Path, true); err != nil {
			return err
		}
		raw, err = s.FetchSection(msg.UID, att.PartID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("part %s of message %d: %w", att.PartID, msg.ID, apperrors.ErrAttachmentNotFound)
	}

	data, err := decodeTransfer(raw, att.Encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %d: %w", attachmentID, err)
	}
	return &AttachmentContent{Attachment: *att, Data: data}, nil
}

// decodeTransfer undoes the part's Content-Transfer-Encoding. No charset
// conversion is applied.
func decodeTransfer(raw []byte, encoding string) ([]byte, error) {
	var h message.Header
	if encoding != "" {
		h.Set("Content-Transfer-Encoding", encoding)
	}
	entity, err := message.New(h, bytes.NewReader(raw))
	if err != nil {
		if message.IsUnknownEncoding(err) {
			return raw, nil
		}
		return nil, err
	}
	return io.ReadAll(entity.Body)
}
