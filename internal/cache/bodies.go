package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// GetMessageBody returns the cached body of a message
func (s *Store) GetMessageBody(ctx context.Context, messageID int64) (*types.MessageBody, error) {
	var row struct {
		MessageID  int64        `db:"message_id"`
		TextBody   string       `db:"text_body"`
		HTMLBody   string       `db:"html_body"`
		RawHeaders string       `db:"raw_headers"`
		FetchedAt  sql.NullTime `db:"fetched_at"`
	}
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT message_id, text_body, html_body, raw_headers, fetched_at FROM message_bodies WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message body: %w", err)
	}

	return &types.MessageBody{
		MessageID:  row.MessageID,
		TextBody:   row.TextBody,
		HTMLBody:   row.HTMLBody,
		RawHeaders: row.RawHeaders,
		FetchedAt:  row.FetchedAt.Time,
	}, nil
}

// SaveMessageBody stores or replaces the body of a message
func (s *Store) SaveMessageBody(ctx context.Context, body *types.MessageBody) error {
	_, err := s.cache.DB().ExecContext(ctx, `
		INSERT INTO message_bodies (message_id, text_body, html_body, raw_headers, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			text_body = excluded.text_body,
			html_body = excluded.html_body,
			raw_headers = excluded.raw_headers,
			fetched_at = excluded.fetched_at`,
		body.MessageID, body.TextBody, body.HTMLBody, body.RawHeaders, body.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save message body: %w", err)
	}
	return nil
}

// TrimBodies keeps only the keep most recently fetched bodies of an account
// and returns how many were evicted.
func (s *Store) TrimBodies(ctx context.Context, accountID int64, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.cache.DB().ExecContext(ctx, `
		DELETE FROM message_bodies WHERE message_id IN (
			SELECT b.message_id FROM message_bodies b
			JOIN messages m ON m.id = b.message_id
			WHERE m.account_id = ?
			ORDER BY b.fetched_at DESC, b.message_id DESC
			LIMIT -1 OFFSET ?
		)`, accountID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim bodies: %w", err)
	}
	return result.RowsAffected()
}
