package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

const folderColumns = `id, account_id, name, path, delimiter, parent_path,
	COALESCE(special_use, '') AS special_use, uid_validity, uid_next, highest_modseq,
	total_messages, unread_messages, is_selectable, is_subscribed, has_children, last_sync_at`

// ListFolders returns the folders of an account ordered by path
func (s *Store) ListFolders(ctx context.Context, accountID int64) ([]types.Folder, error) {
	var folders []types.Folder
	err := s.cache.DB().SelectContext(ctx, &folders,
		"SELECT "+folderColumns+" FROM folders WHERE account_id = ? ORDER BY path", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// GetFolder returns a folder by ID
func (s *Store) GetFolder(ctx context.Context, id int64) (*types.Folder, error) {
	return s.getFolder(ctx, "id = ?", id)
}

// GetFolderByPath returns a folder by account and server path
func (s *Store) GetFolderByPath(ctx context.Context, accountID int64, path string) (*types.Folder, error) {
	return s.getFolder(ctx, "account_id = ? AND path = ?", accountID, path)
}

// FindSpecialFolder returns the first folder of the account with the given role
func (s *Store) FindSpecialFolder(ctx context.Context, accountID int64, use types.SpecialUse) (*types.Folder, error) {
	return s.getFolder(ctx, "account_id = ? AND special_use = ? ORDER BY id LIMIT 1", accountID, string(use))
}

func (s *Store) getFolder(ctx context.Context, where string, args ...interface{}) (*types.Folder, error) {
	var f types.Folder
	err := s.cache.DB().GetContext(ctx, &f, "SELECT "+folderColumns+" FROM folders WHERE "+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &f, nil
}

// InsertFolder creates a folder row and returns its ID
func (s *Store) InsertFolder(ctx context.Context, f *types.Folder) (int64, error) {
	result, err := s.cache.DB().ExecContext(ctx, `
		INSERT INTO folders (account_id, name, path, delimiter, parent_path, special_use,
			is_selectable, is_subscribed, has_children)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.AccountID, f.Name, f.Path, f.Delimiter, f.ParentPath, nullableSpecialUse(f.SpecialUse),
		f.IsSelectable, f.IsSubscribed, f.HasChildren)
	if err != nil {
		return 0, fmt.Errorf("failed to insert folder: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get folder ID: %w", err)
	}
	f.ID = id
	return id, nil
}

// UpdateFolderAttributes writes the LIST-derived attributes of a folder
func (s *Store) UpdateFolderAttributes(ctx context.Context, f *types.Folder) error {
	_, err := s.cache.DB().ExecContext(ctx, `
		UPDATE folders SET name = ?, delimiter = ?, parent_path = ?, special_use = ?,
			is_selectable = ?, is_subscribed = ?, has_children = ?
		WHERE id = ?`,
		f.Name, f.Delimiter, f.ParentPath, nullableSpecialUse(f.SpecialUse),
		f.IsSelectable, f.IsSubscribed, f.HasChildren, f.ID)
	if err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	return nil
}

// DeleteFolder removes a folder; its messages cascade
func (s *Store) DeleteFolder(ctx context.Context, id int64) error {
	if _, err := s.cache.DB().ExecContext(ctx, "DELETE FROM folders WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// UpdateFolderSyncState records the mailbox identity reported by SELECT
func (s *Store) UpdateFolderSyncState(ctx context.Context, id int64, uidValidity, uidNext *uint32, highestModSeq *uint64, total int) error {
	var modseq interface{}
	if highestModSeq != nil {
		modseq = int64(*highestModSeq)
	}
	_, err := s.cache.DB().ExecContext(ctx, `
		UPDATE folders SET uid_validity = ?, uid_next = ?, highest_modseq = ?, total_messages = ?
		WHERE id = ?`,
		nullableUint32(uidValidity), nullableUint32(uidNext), modseq, total, id)
	if err != nil {
		return fmt.Errorf("failed to update folder sync state: %w", err)
	}
	return nil
}

// UpdateFolderCounts records message counters and the sync time
func (s *Store) UpdateFolderCounts(ctx context.Context, id int64, total, unread int, syncedAt time.Time) error {
	_, err := s.cache.DB().ExecContext(ctx,
		"UPDATE folders SET total_messages = ?, unread_messages = ?, last_sync_at = ? WHERE id = ?",
		total, unread, syncedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update folder counts: %w", err)
	}
	return nil
}

func nullableSpecialUse(u types.SpecialUse) interface{} {
	if u == types.SpecialUseNone {
		return nil
	}
	return string(u)
}

func nullableUint32(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}
