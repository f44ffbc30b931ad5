package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

const accountColumns = `id, name, owner, imap_host, imap_port, security, imap_username,
	is_connected, last_error, last_sync_at`

// UpsertAccount inserts or updates an account by name and returns its ID.
// Status fields are left untouched on update.
func (s *Store) UpsertAccount(ctx context.Context, acc *types.Account) (int64, error) {
	query := `
		INSERT INTO accounts (name, owner, imap_host, imap_port, security, imap_username, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			security = excluded.security,
			imap_username = excluded.imap_username,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`
	var id int64
	err := s.cache.DB().GetContext(ctx, &id, query,
		acc.Name, acc.Owner, acc.IMAPHost, acc.IMAPPort, string(acc.Security), acc.IMAPUsername)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}
	acc.ID = id
	return id, nil
}

// GetAccount returns an account by ID
func (s *Store) GetAccount(ctx context.Context, id int64) (*types.Account, error) {
	var acc types.Account
	err := s.cache.DB().GetContext(ctx, &acc, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, apperrors.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acc, nil
}

// GetAccountByName returns an account by its configured name
func (s *Store) GetAccountByName(ctx context.Context, name string) (*types.Account, error) {
	var acc types.Account
	err := s.cache.DB().GetContext(ctx, &acc, "SELECT "+accountColumns+" FROM accounts WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", name, apperrors.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acc, nil
}

// ListAccounts returns all accounts ordered by name
func (s *Store) ListAccounts(ctx context.Context) ([]types.Account, error) {
	var accounts []types.Account
	if err := s.cache.DB().SelectContext(ctx, &accounts, "SELECT "+accountColumns+" FROM accounts ORDER BY name"); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountStatus records the outcome of the latest connection attempt.
// A nil lastError clears any previous error.
func (s *Store) UpdateAccountStatus(ctx context.Context, id int64, connected bool, lastError *string) error {
	_, err := s.cache.DB().ExecContext(ctx,
		"UPDATE accounts SET is_connected = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		connected, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return nil
}

// TouchAccountSync sets the account's last successful sync time
func (s *Store) TouchAccountSync(ctx context.Context, id int64, at time.Time) error {
	_, err := s.cache.DB().ExecContext(ctx, "UPDATE accounts SET last_sync_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update account sync time: %w", err)
	}
	return nil
}
