package config

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/credential"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// AccountStore persists account records.
type AccountStore interface {
	UpsertAccount(ctx context.Context, acc *types.Account) (int64, error)
}

// Registered is the outcome of writing the configured accounts to the store.
type Registered struct {
	IDs []int64

	// Credentials holds the configured passwords keyed by account ID,
	// still sealed when the configuration sealed them.
	Credentials map[int64]credential.Credentials
}

// Account converts the configuration entry into an account record.
func (a *AccountConfig) Account() (*types.Account, error) {
	mode, ok := types.ParseSecurityMode(a.IMAPSecurity)
	if !ok {
		return nil, fmt.Errorf("account %s: invalid IMAP_SECURITY %q", a.Name, a.IMAPSecurity)
	}
	return &types.Account{
		Name:         a.Name,
		Owner:        a.Owner,
		IMAPHost:     a.IMAPHost,
		IMAPPort:     a.IMAPPort,
		Security:     mode,
		IMAPUsername: a.IMAPUsername,
	}, nil
}

// RegisterAccounts upserts every configured account, in order.
func (c *Config) RegisterAccounts(ctx context.Context, store AccountStore) (*Registered, error) {
	reg := &Registered{
		IDs:         make([]int64, 0, len(c.Accounts)),
		Credentials: make(map[int64]credential.Credentials, len(c.Accounts)),
	}

	for i := range c.Accounts {
		cfg := &c.Accounts[i]
		acc, err := cfg.Account()
		if err != nil {
			return nil, err
		}
		id, err := store.UpsertAccount(ctx, acc)
		if err != nil {
			return nil, apperrors.Wrap(err, "account "+cfg.Name)
		}

		reg.IDs = append(reg.IDs, id)
		reg.Credentials[id] = credential.Credentials{
			Username: acc.IMAPUsername,
			Password: cfg.IMAPPassword,
			Host:     acc.IMAPHost,
			Port:     acc.IMAPPort,
			Security: acc.Security,
		}
	}

	return reg, nil
}
