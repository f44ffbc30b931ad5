package credential

import (
	"context"
	"fmt"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// Credentials is everything needed to open and authenticate an IMAP session.
type Credentials struct {
	Username string
	Password string
	Host     string
	Port     int
	Security types.SecurityMode
}

// Addr returns host:port.
func (c *Credentials) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Provider resolves decrypted credentials for an account.
type Provider interface {
	Credentials(ctx context.Context, accountID int64) (*Credentials, error)
}

// StaticProvider serves credentials held in memory, typically built from
// configuration. Passwords carrying the sealed prefix are opened with the
// passphrase on each lookup.
type StaticProvider struct {
	creds      map[int64]Credentials
	passphrase string
}

// NewStaticProvider creates a provider over the given account credentials.
func NewStaticProvider(creds map[int64]Credentials, passphrase string) *StaticProvider {
	return &StaticProvider{creds: creds, passphrase: passphrase}
}

// Credentials implements Provider.
func (p *StaticProvider) Credentials(_ context.Context, accountID int64) (*Credentials, error) {
	c, ok := p.creds[accountID]
	if !ok {
		return nil, fmt.Errorf("credentials for account %d: %w", accountID, apperrors.ErrAccountNotFound)
	}

	if IsSealed(c.Password) {
		plain, err := Open(c.Password, p.passphrase)
		if err != nil {
			return nil, fmt.Errorf("credentials for account %d: %w", accountID, err)
		}
		c.Password = plain
	}

	return &c, nil
}
