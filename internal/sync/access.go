package sync

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/cache"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// authorize loads the account and checks the caller may operate on it.
func authorize(ctx context.Context, store *cache.Store, accountID int64) (*types.Account, error) {
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.CanAccess(ctx) {
		return nil, fmt.Errorf("account %d: %w", accountID, apperrors.ErrForbidden)
	}
	return account, nil
}

// ownedMessage loads a message and its folder, checking both belong to the account.
func ownedMessage(ctx context.Context, store *cache.Store, accountID, messageID int64) (*types.Message, *types.Folder, error) {
	if _, err := authorize(ctx, store, accountID); err != nil {
		return nil, nil, err
	}
	msg, err := store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.AccountID != accountID {
		return nil, nil, fmt.Errorf("message %d: %w", messageID, apperrors.ErrForbidden)
	}
	folder, err := store.GetFolder(ctx, msg.FolderID)
	if err != nil {
		return nil, nil, err
	}
	return msg, folder, nil
}
