package credential

import (
	"context"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/brandon/mailsync/pkg/types"
)

const serviceName = "mailsync"

// AccountLookup resolves stored account records.
type AccountLookup interface {
	GetAccount(ctx context.Context, id int64) (*types.Account, error)
}

// OpenKeyring returns a configured keyring instance. dir is used by the
// encrypted-file fallback backend; passphrase unlocks it.
func OpenKeyring(dir, passphrase string) (keyring.Keyring, error) {
	if dir == "" {
		dir = "~/.config/mailsync/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(passphrase),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringProvider reads passwords from the system keyring and connection
// details from the account record.
type KeyringProvider struct {
	ring     keyring.Keyring
	accounts AccountLookup
}

// NewKeyringProvider creates a keyring-backed provider.
func NewKeyringProvider(ring keyring.Keyring, accounts AccountLookup) *KeyringProvider {
	return &KeyringProvider{ring: ring, accounts: accounts}
}

// Key returns the keyring item key for an account name.
func Key(accountName string) string {
	return "imap:" + accountName
}

// Credentials implements Provider.
func (p *KeyringProvider) Credentials(ctx context.Context, accountID int64) (*Credentials, error) {
	acc, err := p.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	item, err := p.ring.Get(Key(acc.Name))
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", Key(acc.Name), err)
	}

	return &Credentials{
		Username: acc.IMAPUsername,
		Password: string(item.Data),
		Host:     acc.IMAPHost,
		Port:     acc.IMAPPort,
		Security: acc.Security,
	}, nil
}

// Store saves a password for an account name.
func (p *KeyringProvider) Store(accountName, password string) error {
	err := p.ring.Set(keyring.Item{
		Key:  Key(accountName),
		Data: []byte(password),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", Key(accountName), err)
	}
	return nil
}
