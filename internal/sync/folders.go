package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

// FolderSyncResult counts the row changes made by a folder reconciliation
type FolderSyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// FolderSynchronizer mirrors an account's mailbox list into the store
type FolderSynchronizer struct {
	pool   *email.Pool
	store  *cache.Store
	logger *logrus.Logger
}

// NewFolderSynchronizer creates a folder synchronizer
func NewFolderSynchronizer(pool *email.Pool, store *cache.Store, logger *logrus.Logger) *FolderSynchronizer {
	return &FolderSynchronizer{pool: pool, store: store, logger: logger}
}

// SyncFolders reconciles local folders with the server's mailbox list.
// Rows are only written when something changed, so repeated runs against an
// unchanged server leave the store untouched.
func (f *FolderSynchronizer) SyncFolders(ctx context.Context, accountID int64) (*FolderSyncResult, error) {
	if _, err := authorize(ctx, f.store, accountID); err != nil {
		return nil, err
	}

	var entries []email.MailboxEntry
	err := f.pool.WithSession(ctx, accountID, func(s email.Session) error {
		var err error
		entries, err = s.List()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	existing, err := f.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]types.Folder, len(existing))
	for _, folder := range existing {
		byPath[folder.Path] = folder
	}

	result := &FolderSyncResult{}
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if seen[entry.Path] {
			continue
		}
		seen[entry.Path] = true

		want := folderFromEntry(accountID, entry)
		current, ok := byPath[entry.Path]
		if !ok {
			if _, err := f.store.InsertFolder(ctx, want); err != nil {
				return result, err
			}
			result.Added++
			continue
		}

		want.ID = current.ID
		if sameAttributes(&current, want) {
			continue
		}
		if err := f.store.UpdateFolderAttributes(ctx, want); err != nil {
			return result, err
		}
		result.Updated++
	}

	for _, folder := range existing {
		if seen[folder.Path] {
			continue
		}
		if err := f.store.DeleteFolder(ctx, folder.ID); err != nil {
			return result, err
		}
		result.Removed++
	}

	f.logger.WithFields(logrus.Fields{
		"account": accountID,
		"added":   result.Added,
		"updated": result.Updated,
		"removed": result.Removed,
	}).Info("Synced folders")

	return result, nil
}

func folderFromEntry(accountID int64, entry email.MailboxEntry) *types.Folder {
	return &types.Folder{
		AccountID:    accountID,
		Name:         entry.Name(),
		Path:         entry.Path,
		Delimiter:    entry.Delimiter,
		ParentPath:   entry.ParentPath(),
		SpecialUse:   DetectSpecialUse(entry),
		IsSelectable: entry.Selectable(),
		IsSubscribed: entry.Subscribed,
		HasChildren:  entry.HasChildren(),
	}
}

func sameAttributes(a, b *types.Folder) bool {
	return a.Name == b.Name &&
		a.Delimiter == b.Delimiter &&
		a.ParentPath == b.ParentPath &&
		a.SpecialUse == b.SpecialUse &&
		a.IsSelectable == b.IsSelectable &&
		a.IsSubscribed == b.IsSubscribed &&
		a.HasChildren == b.HasChildren
}
