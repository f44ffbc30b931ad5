package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"wrapped not found", fmt.Errorf("get message: %w", ErrMessageNotFound), CodeNotFound},
		{"forbidden", ErrForbidden, CodeForbidden},
		{"auth", fmt.Errorf("login: %w", ErrAuthFailed), CodeAuthFailed},
		{"tls", ErrTLS, CodeTLSError},
		{"app error code wins", NewAppError(ErrNotFound, "gone", CodeInvalidInput), CodeInvalidInput},
		{"unknown", errors.New("boom"), CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetErrorCode(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ctx"))

	err := Wrap(ErrFolderNotFound, "sync folder")
	assert.EqualError(t, err, "sync folder: folder not found")
	assert.True(t, IsNotFound(err))
}

func TestWithHint(t *testing.T) {
	cause := fmt.Errorf("dial: %w", ErrAuthFailed)
	err := fmt.Errorf("connect: %w", WithHint(cause, "use an app password"))

	assert.Equal(t, CodeAuthFailed, GetErrorCode(err))
	assert.Equal(t, "use an app password", HintOf(err))
	assert.EqualError(t, err, "connect: dial: authentication failed")
	assert.True(t, errors.Is(err, ErrAuthFailed))
	assert.Empty(t, HintOf(cause))
}
