package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/pkg/types"
)

type mockAccountStore struct {
	mock.Mock
}

func (m *mockAccountStore) UpsertAccount(ctx context.Context, acc *types.Account) (int64, error) {
	args := m.Called(ctx, acc)
	return args.Get(0).(int64), args.Error(1)
}

func TestRegisterAccounts(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{
		{Name: "work", IMAPHost: "imap.work.test", IMAPPort: 993, IMAPSecurity: "tls", IMAPUsername: "me", IMAPPassword: "enc:sealed"},
		{Name: "home", Owner: "alice", IMAPHost: "imap.home.test", IMAPPort: 143, IMAPSecurity: "starttls", IMAPUsername: "alice", IMAPPassword: "pw"},
	}}

	store := &mockAccountStore{}
	store.On("UpsertAccount", mock.Anything, mock.MatchedBy(func(a *types.Account) bool { return a.Name == "work" })).Return(int64(4), nil)
	store.On("UpsertAccount", mock.Anything, mock.MatchedBy(func(a *types.Account) bool {
		return a.Name == "home" && a.Owner == "alice" && a.Security == types.SecurityStartTLS
	})).Return(int64(9), nil)

	reg, err := cfg.RegisterAccounts(context.Background(), store)
	require.NoError(t, err)
	store.AssertExpectations(t)

	assert.Equal(t, []int64{4, 9}, reg.IDs)
	assert.Equal(t, "enc:sealed", reg.Credentials[4].Password)
	home := reg.Credentials[9]
	assert.Equal(t, "imap.home.test:143", home.Addr())
	assert.Equal(t, types.SecurityStartTLS, home.Security)
}

func TestRegisterAccounts_Failures(t *testing.T) {
	t.Run("bad security", func(t *testing.T) {
		cfg := &Config{Accounts: []AccountConfig{{Name: "x", IMAPSecurity: "ssl3"}}}
		_, err := cfg.RegisterAccounts(context.Background(), &mockAccountStore{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "IMAP_SECURITY")
	})

	t.Run("store error", func(t *testing.T) {
		store := &mockAccountStore{}
		store.On("UpsertAccount", mock.Anything, mock.Anything).Return(int64(0), errors.New("disk full"))
		cfg := &Config{Accounts: []AccountConfig{{Name: "x", IMAPSecurity: "tls"}}}

		_, err := cfg.RegisterAccounts(context.Background(), store)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "account x")
	})
}
