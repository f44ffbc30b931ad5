package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// KnownMessage is the local view of a UID used when diffing against the server
type KnownMessage struct {
	ID    int64
	Flags []string
}

type messageRow struct {
	ID             int64     `db:"id"`
	AccountID      int64     `db:"account_id"`
	FolderID       int64     `db:"folder_id"`
	UID            uint32    `db:"uid"`
	MessageID      string    `db:"message_id"`
	InReplyTo      string    `db:"in_reply_to"`
	Refs           string    `db:"refs"`
	Subject        string    `db:"subject"`
	From           string    `db:"from_addrs"`
	To             string    `db:"to_addrs"`
	Cc             string    `db:"cc_addrs"`
	Bcc            string    `db:"bcc_addrs"`
	ReplyTo        string    `db:"reply_to_addrs"`
	Date           time.Time `db:"date"`
	ReceivedAt     time.Time `db:"received_at"`
	Flags          string    `db:"flags"`
	Size           uint32    `db:"size"`
	HasAttachments bool      `db:"has_attachments"`
	PreviewText    string    `db:"preview_text"`
}

const messageColumns = `id, account_id, folder_id, uid, message_id, in_reply_to, refs, subject,
	from_addrs, to_addrs, cc_addrs, bcc_addrs, reply_to_addrs, date, received_at,
	flags, size, has_attachments, preview_text`

func (r *messageRow) toMessage() (*types.Message, error) {
	m := &types.Message{
		ID:             r.ID,
		AccountID:      r.AccountID,
		FolderID:       r.FolderID,
		UID:            r.UID,
		MessageID:      r.MessageID,
		InReplyTo:      r.InReplyTo,
		Subject:        r.Subject,
		Date:           r.Date,
		ReceivedAt:     r.ReceivedAt,
		Size:           r.Size,
		HasAttachments: r.HasAttachments,
		PreviewText:    r.PreviewText,
	}

	fields := []struct {
		raw  string
		dest interface{}
	}{
		{r.Refs, &m.References},
		{r.From, &m.From},
		{r.To, &m.To},
		{r.Cc, &m.Cc},
		{r.Bcc, &m.Bcc},
		{r.ReplyTo, &m.ReplyTo},
		{r.Flags, &m.Flags},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message %d: %w", r.ID, err)
		}
	}
	if m.Flags == nil {
		m.Flags = []string{}
	}
	return m, nil
}

func marshalList(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

// KnownUIDs snapshots the UIDs stored for a folder with their IDs and flags
func (s *Store) KnownUIDs(ctx context.Context, folderID int64) (map[uint32]KnownMessage, error) {
	var rows []struct {
		ID    int64  `db:"id"`
		UID   uint32 `db:"uid"`
		Flags string `db:"flags"`
	}
	if err := s.cache.DB().SelectContext(ctx, &rows, "SELECT id, uid, flags FROM messages WHERE folder_id = ?", folderID); err != nil {
		return nil, fmt.Errorf("failed to load known uids: %w", err)
	}

	known := make(map[uint32]KnownMessage, len(rows))
	for _, r := range rows {
		var flags []string
		if err := json.Unmarshal([]byte(r.Flags), &flags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flags of message %d: %w", r.ID, err)
		}
		known[r.UID] = KnownMessage{ID: r.ID, Flags: flags}
	}
	return known, nil
}

// InsertMessage stores a new message together with its attachment metadata
func (s *Store) InsertMessage(ctx context.Context, m *types.Message, attachments []types.Attachment) (int64, error) {
	lists := make([]string, 0, 7)
	for _, v := range []interface{}{m.References, m.From, m.To, m.Cc, m.Bcc, m.ReplyTo, m.Flags} {
		encoded, err := marshalList(v)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal message fields: %w", err)
		}
		lists = append(lists, encoded)
	}

	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (account_id, folder_id, uid, message_id, in_reply_to, refs, subject,
			from_addrs, to_addrs, cc_addrs, bcc_addrs, reply_to_addrs, date, received_at,
			flags, size, has_attachments, preview_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, m.FolderID, m.UID, m.MessageID, m.InReplyTo, lists[0], m.Subject,
		lists[1], lists[2], lists[3], lists[4], lists[5], m.Date.UTC(), m.ReceivedAt.UTC(),
		lists[6], m.Size, m.HasAttachments, m.PreviewText)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message uid %d: %w", m.UID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message ID: %w", err)
	}

	for i := range attachments {
		a := &attachments[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, part_id, filename, content_type, size, disposition, content_id, encoding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, a.PartID, a.Filename, a.ContentType, a.Size, a.Disposition, a.ContentID, a.Encoding)
		if err != nil {
			return 0, fmt.Errorf("failed to insert attachment %s: %w", a.PartID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing message: %w", err)
	}
	m.ID = id
	return id, nil
}

// UpdateMessageFlags replaces the stored flag set of a message
func (s *Store) UpdateMessageFlags(ctx context.Context, id int64, flags []string) error {
	encoded, err := marshalList(flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	if _, err := s.cache.DB().ExecContext(ctx, "UPDATE messages SET flags = ? WHERE id = ?", encoded, id); err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	return nil
}

// SetPreviewText fills the preview of a message that has none yet
func (s *Store) SetPreviewText(ctx context.Context, id int64, preview string) error {
	_, err := s.cache.DB().ExecContext(ctx,
		"UPDATE messages SET preview_text = ? WHERE id = ? AND preview_text = ''", preview, id)
	if err != nil {
		return fmt.Errorf("failed to set preview: %w", err)
	}
	return nil
}

// DeleteMessages removes messages by ID
func (s *Store) DeleteMessages(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In("DELETE FROM messages WHERE id IN (?)", ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	result, err := s.cache.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFolderMessages removes every message of a folder
func (s *Store) DeleteFolderMessages(ctx context.Context, folderID int64) (int64, error) {
	result, err := s.cache.DB().ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ?", folderID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete folder messages: %w", err)
	}
	return result.RowsAffected()
}

// GetMessage returns a single message by ID
func (s *Store) GetMessage(ctx context.Context, id int64) (*types.Message, error) {
	var row messageRow
	err := s.cache.DB().GetContext(ctx, &row, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, apperrors.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toMessage()
}

// GetMessages returns the messages with the given IDs in the order requested.
// Unknown IDs are skipped.
func (s *Store) GetMessages(ctx context.Context, ids []int64) ([]types.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT "+messageColumns+" FROM messages WHERE id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []messageRow
	if err := s.cache.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	byID := make(map[int64]*types.Message, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		byID[m.ID] = m
	}

	messages := make([]types.Message, 0, len(rows))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			messages = append(messages, *m)
			delete(byID, id)
		}
	}
	return messages, nil
}

// ListMessages pages through a folder newest first
func (s *Store) ListMessages(ctx context.Context, folderID int64, limit, offset int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.cache.DB().SelectContext(ctx, &rows,
		"SELECT "+messageColumns+" FROM messages WHERE folder_id = ? ORDER BY date DESC, uid DESC LIMIT ? OFFSET ?",
		folderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]types.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, nil
}

// CountMessages returns total and unread counts for a folder
func (s *Store) CountMessages(ctx context.Context, folderID int64) (total, unread int, err error) {
	var counts struct {
		Total  int `db:"total"`
		Unread int `db:"unread"`
	}
	err = s.cache.DB().GetContext(ctx, &counts, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN flags LIKE '%\Seen%' THEN 0 ELSE 1 END), 0) AS unread
		FROM messages WHERE folder_id = ?`, folderID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return counts.Total, counts.Unread, nil
}

// ListAttachments returns the attachment metadata of a message
func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]types.Attachment, error) {
	var attachments []types.Attachment
	err := s.cache.DB().SelectContext(ctx, &attachments, `
		SELECT id, message_id, part_id, filename, content_type, size, disposition, content_id, encoding
		FROM attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachment returns a single attachment by ID
func (s *Store) GetAttachment(ctx context.Context, id int64) (*types.Attachment, error) {
	var a types.Attachment
	err := s.cache.DB().GetContext(ctx, &a, `
		SELECT id, message_id, part_id, filename, content_type, size, disposition, content_id, encoding
		FROM attachments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %d: %w", id, apperrors.ErrAttachmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &a, nil
}
