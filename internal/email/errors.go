package email

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	apperrors "github.com/brandon/mailsync/internal/errors"
)

// ConnectionErrorKind classifies why a connection attempt failed
type ConnectionErrorKind string

const (
	KindAuthFailed         ConnectionErrorKind = "auth-failed"
	KindNetworkUnreachable ConnectionErrorKind = "network-unreachable"
	KindTLS                ConnectionErrorKind = "tls-error"
	KindTimeout            ConnectionErrorKind = "timeout"
)

// ConnectionError is returned when a session could not be established
type ConnectionError struct {
	Kind      ConnectionErrorKind
	AccountID int64
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("account %d: %s: %v", e.AccountID, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *ConnectionError) Is(target error) bool {
	switch e.Kind {
	case KindAuthFailed:
		return target == apperrors.ErrAuthFailed
	case KindNetworkUnreachable:
		return target == apperrors.ErrNetworkUnreachable
	case KindTLS:
		return target == apperrors.ErrTLS
	case KindTimeout:
		return target == apperrors.ErrTimeout
	}
	return false
}

// IsConnectionError reports whether err is a *ConnectionError and returns it.
func IsConnectionError(err error) (*ConnectionError, bool) {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr, true
	}
	return nil, false
}

// ProtocolError is a command the server rejected
type ProtocolError struct {
	Op      string
	Mailbox string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Mailbox == "" {
		return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("imap %s %q: %v", e.Op, e.Mailbox, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == apperrors.ErrProtocol
}

func protocolError(op, mailbox string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Op: op, Mailbox: mailbox, Err: err}
}

// classifyDialError maps a transport-level failure to a connection error kind.
func classifyDialError(err error) ConnectionErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var (
		recordErr    tls.RecordHeaderError
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		strings.Contains(err.Error(), "tls:"):
		return KindTLS
	}

	return KindNetworkUnreachable
}
