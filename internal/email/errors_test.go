package email

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/brandon/mailsync/internal/errors"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ConnectionErrorKind
	}{
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}}, KindTimeout},
		{"unknown authority", x509.UnknownAuthorityError{}, KindTLS},
		{"handshake", errors.New("tls: handshake failure"), KindTLS},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindNetworkUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDialError(tt.err))
		})
	}
}

func TestConnectionError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("connect: %w", &ConnectionError{Kind: KindTLS, AccountID: 3, Err: errors.New("bad certificate")})

	assert.True(t, errors.Is(err, apperrors.ErrTLS))
	assert.False(t, errors.Is(err, apperrors.ErrAuthFailed))
	assert.Equal(t, apperrors.CodeTLSError, apperrors.GetErrorCode(err))
	assert.Contains(t, err.Error(), "account 3")
}

func TestProtocolError(t *testing.T) {
	assert.Nil(t, protocolError("select", "INBOX", nil))

	err := protocolError("select", "Nope", errors.New("NO no such mailbox"))
	assert.True(t, errors.Is(err, apperrors.ErrProtocol))
	assert.Equal(t, `imap select "Nope": NO no such mailbox`, err.Error())
}
