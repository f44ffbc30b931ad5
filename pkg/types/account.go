package types

import (
	"context"
	"time"
)

// SecurityMode selects the transport used to reach the IMAP server
type SecurityMode string

const (
	SecurityTLS      SecurityMode = "tls"
	SecurityStartTLS SecurityMode = "starttls"
	SecurityNone     SecurityMode = "none"
)

// ParseSecurityMode maps a configured value to a SecurityMode, defaulting to implicit TLS.
func ParseSecurityMode(s string) (SecurityMode, bool) {
	switch SecurityMode(s) {
	case "", SecurityTLS:
		return SecurityTLS, true
	case SecurityStartTLS:
		return SecurityStartTLS, true
	case SecurityNone:
		return SecurityNone, true
	}
	return "", false
}

// Account is a configured IMAP account. Only the status fields are written by the sync core.
type Account struct {
	ID           int64        `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	Owner        string       `json:"owner,omitempty" db:"owner"`
	IMAPHost     string       `json:"imap_host" db:"imap_host"`
	IMAPPort     int          `json:"imap_port" db:"imap_port"`
	Security     SecurityMode `json:"security" db:"security"`
	IMAPUsername string       `json:"imap_username" db:"imap_username"`
	IsConnected  bool         `json:"is_connected" db:"is_connected"`
	LastError    *string      `json:"last_error,omitempty" db:"last_error"`
	LastSyncAt   *time.Time   `json:"last_sync_at,omitempty" db:"last_sync_at"`
}

type principalKey struct{}

// WithPrincipal returns a context carrying the identity on whose behalf an operation runs.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom extracts the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}

// CanAccess reports whether the principal in ctx may operate on the account.
// Accounts without an owner are open to any caller.
func (a *Account) CanAccess(ctx context.Context) bool {
	if a.Owner == "" {
		return true
	}
	p, ok := PrincipalFrom(ctx)
	return ok && p == a.Owner
}
