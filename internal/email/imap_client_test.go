package email_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

func startIMAPServer(t *testing.T) (string, int) {
	t.Helper()
	srv := server.New(memory.New())
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func newTestDialer() *email.IMAPDialer {
	logger, _ := test.NewNullLogger()
	return email.NewIMAPDialer(5*time.Second, 10*time.Second, logger)
}

func TestIMAPDialer_SessionRoundTrip(t *testing.T) {
	host, port := startIMAPServer(t)
	creds := &credential.Credentials{Username: "username", Password: "password", Host: host, Port: port, Security: types.SecurityNone}

	session, err := newTestDialer().Dial(context.Background(), creds)
	require.NoError(t, err)
	defer session.Close()

	mailboxes, err := session.List()
	require.NoError(t, err)
	var inbox *email.MailboxEntry
	for i := range mailboxes {
		if mailboxes[i].Path == "INBOX" {
			inbox = &mailboxes[i]
		}
	}
	require.NotNil(t, inbox)

	sel, err := session.Select("INBOX", false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sel.Messages)
	assert.NotZero(t, sel.UIDValidity)

	entries, err := session.FetchHeaders(nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	msg := entries[0]
	assert.Equal(t, "A little message, just for you", msg.Envelope.Subject)
	require.Len(t, msg.Envelope.From, 1)
	assert.Equal(t, "contact@example.org", msg.Envelope.From[0].Address)
	require.NotNil(t, msg.Structure)
	assert.Equal(t, "text/plain", msg.Structure.ContentType())

	raw, err := session.FetchSection(msg.UID, "")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Hi there")

	require.NoError(t, session.StoreFlags([]uint32{msg.UID}, email.FlagsAdd, []string{email.FlagFlagged}))
	entries, err = session.FetchHeaders([]uint32{msg.UID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Flags, email.FlagFlagged)

	require.NoError(t, session.StoreFlags([]uint32{msg.UID}, email.FlagsRemove, []string{email.FlagFlagged}))
	entries, err = session.FetchHeaders([]uint32{msg.UID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Flags, email.FlagFlagged)

	st, err := session.Status("INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.Messages)

	require.NoError(t, session.Logout())
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not done after logout")
	}
}

func TestIMAPDialer_BadPassword(t *testing.T) {
	host, port := startIMAPServer(t)
	creds := &credential.Credentials{Username: "username", Password: "wrong", Host: host, Port: port, Security: types.SecurityNone}

	_, err := newTestDialer().Dial(context.Background(), creds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuthFailed))
}

func TestIMAPDialer_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	creds := &credential.Credentials{Username: "u", Password: "p", Host: "127.0.0.1", Port: addr.Port, Security: types.SecurityNone}
	_, err = newTestDialer().Dial(context.Background(), creds)
	require.Error(t, err)

	connErr, ok := email.IsConnectionError(err)
	require.True(t, ok)
	assert.Equal(t, email.KindNetworkUnreachable, connErr.Kind)
}
