package sync

import (
	"encoding/base64"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

func (s *syncSuite) TestFetchMessageBody_CachesAfterFirstRead() {
	t := s.T()
	s.seedInbox()
	id := s.messageID("INBOX", 10)
	s.server.ResetCalls()

	body, err := s.messages.FetchMessageBody(s.ctx, s.account.ID, id)
	require.NoError(t, err)
	assert.Contains(t, body.TextBody, "Hello from Message 10")
	assert.Empty(t, body.HTMLBody)
	assert.Contains(t, body.RawHeaders, "Subject: Message 10")

	sections := s.server.Calls("fetch-section")
	require.Len(t, sections, 1)
	assert.Equal(t, "", sections[0].Arg)

	again, err := s.messages.FetchMessageBody(s.ctx, s.account.ID, id)
	require.NoError(t, err)
	assert.Equal(t, body.TextBody, again.TextBody)
	assert.Len(t, s.server.Calls("fetch-section"), 1)

	// A fresh synchronizer has an empty LRU but finds the stored copy.
	fresh, err := NewMessageSynchronizer(s.pool, s.store, s.folders, Options{}, s.logger)
	require.NoError(t, err)
	stored, err := fresh.FetchMessageBody(s.ctx, s.account.ID, id)
	require.NoError(t, err)
	assert.Equal(t, body.TextBody, stored.TextBody)
	assert.Len(t, s.server.Calls("fetch-section"), 1)
}

func (s *syncSuite) TestFetchMessageBody_FillsMissingPreview() {
	t := s.T()
	msg := textMessage(30, "no preview")
	msg.Preview = nil
	s.server.AddMessage("INBOX", msg)
	_, err := s.messages.SyncAll(s.ctx, s.account.ID)
	require.NoError(t, err)

	id := s.messageID("INBOX", 30)
	before, err := s.store.GetMessage(s.ctx, id)
	require.NoError(t, err)
	require.Empty(t, before.PreviewText)

	_, err = s.messages.FetchMessageBody(s.ctx, s.account.ID, id)
	require.NoError(t, err)

	after, err := s.store.GetMessage(s.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Hello from no preview", after.PreviewText)
}

func (s *syncSuite) TestFetchMessageBody_SniffsUntypedHTML() {
	t := s.T()
	msg := textMessage(31, "untyped")
	msg.Raw = []byte("Subject: untyped\r\n\r\n<html><body><p>Sniffed</p></body></html>\r\n")
	s.server.AddMessage("INBOX", msg)
	_, err := s.messages.SyncAll(s.ctx, s.account.ID)
	require.NoError(t, err)

	body, err := s.messages.FetchMessageBody(s.ctx, s.account.ID, s.messageID("INBOX", 31))
	require.NoError(t, err)
	assert.Contains(t, body.HTMLBody, "<p>Sniffed</p>")
	assert.Contains(t, body.TextBody, "Sniffed")
	assert.NotContains(t, body.TextBody, "<p>")
}

func (s *syncSuite) TestFetchMessageBody_FallsBackToSections() {
	t := s.T()
	msg := textMessage(32, "sections")
	msg.Raw = nil
	msg.Sections = map[string][]byte{
		"1": []byte("<html><body>Rich</body></html>"),
		"2": []byte("Plain text"),
	}
	s.server.AddMessage("INBOX", msg)
	_, err := s.messages.SyncAll(s.ctx, s.account.ID)
	require.NoError(t, err)
	s.server.ResetCalls()

	body, err := s.messages.FetchMessageBody(s.ctx, s.account.ID, s.messageID("INBOX", 32))
	require.NoError(t, err)
	assert.Equal(t, "<html><body>Rich</body></html>", body.HTMLBody)
	assert.Equal(t, "Plain text", body.TextBody)

	var tried []string
	for _, c := range s.server.Calls("fetch-section") {
		tried = append(tried, c.Arg)
	}
	assert.Equal(t, []string{"", "TEXT", "1", "1.1", "1.2", "2"}, tried)
}

func (s *syncSuite) TestFetchMessageBody_PlaceholderIsNotStored() {
	t := s.T()
	msg := textMessage(33, "empty")
	msg.Raw = nil
	s.server.AddMessage("INBOX", msg)
	_, err := s.messages.SyncAll(s.ctx, s.account.ID)
	require.NoError(t, err)
	id := s.messageID("INBOX", 33)

	body, err := s.messages.FetchMessageBody(s.ctx, s.account.ID, id)
	require.NoError(t, err)
	assert.Equal(t, PlaceholderBody, body.TextBody)

	_, err = s.store.GetMessageBody(s.ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func (s *syncSuite) TestFetchMessageBody_TrimsStoredBodies() {
	t := s.T()
	s.seedInbox()
	limited, err := NewMessageSynchronizer(s.pool, s.store, s.folders, Options{BodyCacheSize: 4, MaxStoredBodies: 1}, s.logger)
	require.NoError(t, err)

	first, second := s.messageID("INBOX", 10), s.messageID("INBOX", 11)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	limited.now = func() time.Time { return now }
	_, err = limited.FetchMessageBody(s.ctx, s.account.ID, first)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = limited.FetchMessageBody(s.ctx, s.account.ID, second)
	require.NoError(t, err)

	_, err = s.store.GetMessageBody(s.ctx, first)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.store.GetMessageBody(s.ctx, second)
	assert.NoError(t, err)
}

func (s *syncSuite) TestFetchMessageBody_ChecksOwnership() {
	t := s.T()
	s.seedInbox()
	id := s.messageID("INBOX", 10)

	s.account.Owner = "alice"
	_, err := s.store.UpsertAccount(s.ctx, s.account)
	require.NoError(t, err)
	s.server.ResetCalls()

	_, err = s.messages.FetchMessageBody(s.ctx, s.account.ID, id)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = s.messages.FetchMessageBody(types.WithPrincipal(s.ctx, "mallory"), s.account.ID, id)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Empty(t, s.server.Calls(""))

	_, err = s.messages.FetchMessageBody(types.WithPrincipal(s.ctx, "alice"), s.account.ID, id)
	assert.NoError(t, err)

	other := &types.Account{Name: "home", IMAPHost: "imap.home.test", IMAPPort: 993, Security: types.SecurityTLS, IMAPUsername: "me"}
	_, err = s.store.UpsertAccount(s.ctx, other)
	require.NoError(t, err)
	_, err = s.messages.FetchMessageBody(s.ctx, other.ID, id)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = s.messages.FetchMessageBody(types.WithPrincipal(s.ctx, "alice"), s.account.ID, 9999)
	assert.ErrorIs(t, err, apperrors.ErrMessageNotFound)
}

func (s *syncSuite) TestFetchAttachment_DecodesTransferEncoding() {
	t := s.T()
	payload := []byte("%PDF-1.4 quarterly numbers")
	encoded := base64.StdEncoding.EncodeToString(payload)

	msg := textMessage(40, "with attachment")
	msg.Structure = &email.BodyPart{
		MIMEType:    "multipart",
		MIMESubType: "mixed",
		Parts: []*email.BodyPart{
			{MIMEType: "text", MIMESubType: "plain", Encoding: "7bit"},
			{
				MIMEType:          "application",
				MIMESubType:       "pdf",
				Encoding:          "base64",
				Disposition:       "attachment",
				DispositionParams: map[string]string{"filename": "q3.pdf"},
			},
		},
	}
	msg.Sections = map[string][]byte{"2": []byte(encoded[:8] + "\r\n" + encoded[8:])}
	s.server.AddMessage("INBOX", msg)
	_, err := s.messages.SyncAll(s.ctx, s.account.ID)
	require.NoError(t, err)

	attachments, err := s.store.ListAttachments(s.ctx, s.messageID("INBOX", 40))
	require.NoError(t, err)
	require.Len(t, attachments, 1)

	content, err := s.messages.FetchAttachment(s.ctx, s.account.ID, attachments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "q3.pdf", content.Filename)
	assert.Equal(t, payload, content.Data)

	_, err = s.messages.FetchAttachment(s.ctx, s.account.ID, 12345)
	assert.ErrorIs(t, err, apperrors.ErrAttachmentNotFound)
}
