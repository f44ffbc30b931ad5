package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/email/emailtest"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

// ToolsTestSuite drives the tools against an in-memory store and a scripted IMAP server
type ToolsTestSuite struct {
	suite.Suite
	ctx      context.Context
	cache    *cache.Cache
	store    *cache.Store
	server   *emailtest.Server
	pool     *email.Pool
	registry *Registry
	work     *types.Account
	private  *types.Account
	gmail    *types.Account
}

func (s *ToolsTestSuite) SetupTest() {
	t := s.T()
	s.ctx = context.Background()
	logger, _ := test.NewNullLogger()

	c, err := cache.NewCache(cache.MemoryPath, logger)
	require.NoError(t, err)
	s.cache = c
	s.store = cache.NewStore(c, logger)

	s.work = s.addAccount("work", "", "imap.example.com")
	s.private = s.addAccount("home", "alice", "imap.example.com")
	s.gmail = s.addAccount("personal", "", "imap.gmail.com")

	s.server = emailtest.NewServer()
	s.server.AddMailbox("INBOX", 100)
	s.server.AddMailbox("Archive", 7)
	s.server.AddMailbox("Trash", 9, `\Trash`)
	s.server.AddMessage("INBOX", textMessage(10, "Quarterly report"))
	s.server.AddMessage("INBOX", textMessage(11, "Lunch plans", `\Seen`))

	creds := credential.NewStaticProvider(map[int64]credential.Credentials{
		s.work.ID:    {Username: "me@example.com", Password: "secret"},
		s.private.ID: {Username: "alice@example.com", Password: "secret"},
		s.gmail.ID:   {Username: "", Password: "wrong"},
	}, "")
	s.pool = email.NewPool(&emailtest.Dialer{Server: s.server}, creds, s.store, email.NewEventBus(16), email.PoolConfig{}, logger)

	folders := sync.NewFolderSynchronizer(s.pool, s.store, logger)
	messages, err := sync.NewMessageSynchronizer(s.pool, s.store, folders, sync.Options{BodyCacheSize: 8}, logger)
	require.NoError(t, err)

	s.registry, err = NewRegistry(Deps{
		Store:             s.store,
		Pool:              s.pool,
		Folders:           folders,
		Messages:          messages,
		Executor:          sync.NewExecutor(s.pool, s.store, logger),
		SearchResultLimit: 50,
	}, logger)
	require.NoError(t, err)
}

func (s *ToolsTestSuite) TearDownTest() {
	s.pool.Close()
	s.cache.Close()
}

func (s *ToolsTestSuite) addAccount(name, owner, host string) *types.Account {
	acc := &types.Account{Name: name, Owner: owner, IMAPHost: host, IMAPPort: 993, Security: types.SecurityTLS, IMAPUsername: name}
	_, err := s.store.UpsertAccount(context.Background(), acc)
	require.NoError(s.T(), err)
	return acc
}

// call executes a tool and round-trips the result through JSON, as a client sees it.
func (s *ToolsTestSuite) call(name string, params map[string]interface{}, out interface{}) error {
	result, err := s.registry.Execute(s.ctx, name, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	require.NoError(s.T(), err)
	if out != nil {
		require.NoError(s.T(), json.Unmarshal(data, out))
	}
	return nil
}

func (s *ToolsTestSuite) syncWork() {
	require.NoError(s.T(), s.call("sync_folder", map[string]interface{}{"account_id": float64(s.work.ID), "all": true}, nil))
}

func (s *ToolsTestSuite) inboxIDs() map[string]int64 {
	folder, err := s.store.GetFolderByPath(s.ctx, s.work.ID, "INBOX")
	require.NoError(s.T(), err)
	msgs, err := s.store.ListMessages(s.ctx, folder.ID, 10, 0)
	require.NoError(s.T(), err)
	ids := make(map[string]int64, len(msgs))
	for _, m := range msgs {
		ids[m.Subject] = m.ID
	}
	return ids
}

func (s *ToolsTestSuite) TestRegistryListsEveryTool() {
	names := make([]string, 0)
	for _, def := range s.registry.GetToolDefinitions() {
		names = append(names, def["name"].(string))
		s.NotEmpty(def["description"])
		s.NotNil(def["inputSchema"])
	}
	s.Equal([]string{
		"connect_account", "delete_messages", "disconnect_account", "get_attachment", "get_message",
		"list_accounts", "list_folders", "list_messages", "move_messages", "search_messages",
		"sync_folder", "update_flags",
	}, names)

	_, err := s.registry.Execute(s.ctx, "send_email", nil)
	s.True(apperrors.IsNotFound(err))
}

func (s *ToolsTestSuite) TestListAccountsHidesForeignAccounts() {
	var accounts []map[string]interface{}
	s.Require().NoError(s.call("list_accounts", nil, &accounts))
	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		names = append(names, a["name"].(string))
		s.Equal("disconnected", a["state"])
	}
	s.ElementsMatch([]string{"work", "personal"}, names)

	s.ctx = types.WithPrincipal(s.ctx, "alice")
	s.Require().NoError(s.call("list_accounts", nil, &accounts))
	s.Len(accounts, 3)
}

func (s *ToolsTestSuite) TestForeignAccountIsForbidden() {
	err := s.call("list_folders", map[string]interface{}{"account_name": "home"}, nil)
	s.ErrorIs(err, apperrors.ErrForbidden)
	s.Empty(s.server.Calls(""), "no IMAP traffic for a rejected call")
}

func (s *ToolsTestSuite) TestListFoldersRefresh() {
	var result struct {
		Changes sync.FolderSyncResult `json:"changes"`
		Folders []types.Folder        `json:"folders"`
	}
	s.Require().NoError(s.call("list_folders", map[string]interface{}{"account_id": float64(s.work.ID), "refresh": true}, &result))
	s.Equal(3, result.Changes.Added)
	s.Len(result.Folders, 3)

	var cached struct {
		Changes *sync.FolderSyncResult `json:"changes"`
		Folders []types.Folder         `json:"folders"`
	}
	s.server.ResetCalls()
	s.Require().NoError(s.call("list_folders", map[string]interface{}{"account_id": fmt.Sprint(s.work.ID)}, &cached))
	s.Nil(cached.Changes)
	s.Len(cached.Folders, 3)
	s.Empty(s.server.Calls("list"))
}

func (s *ToolsTestSuite) TestSyncFolderAndListMessages() {
	s.Require().NoError(s.call("list_folders", map[string]interface{}{"account_id": float64(s.work.ID), "refresh": true}, nil))

	var synced sync.SyncResult
	s.Require().NoError(s.call("sync_folder", map[string]interface{}{"account_name": "work"}, &synced))
	s.Equal("INBOX", synced.FolderPath)
	s.Equal(2, synced.NewMessages)

	var listing struct {
		Folder   string          `json:"folder"`
		Total    int             `json:"total"`
		Unread   int             `json:"unread"`
		Messages []types.Message `json:"messages"`
	}
	s.Require().NoError(s.call("list_messages", map[string]interface{}{"account_name": "work", "limit": float64(1)}, &listing))
	s.Equal("INBOX", listing.Folder)
	s.Equal(2, listing.Total)
	s.Equal(1, listing.Unread)
	s.Len(listing.Messages, 1)

	err := s.call("list_messages", map[string]interface{}{"account_name": "work", "offset": float64(-1)}, nil)
	s.True(apperrors.IsInvalidInput(err))
}

func (s *ToolsTestSuite) TestSearchMessages() {
	s.syncWork()

	var hits []types.MessageSummary
	s.Require().NoError(s.call("search_messages", map[string]interface{}{"subject": "report"}, &hits))
	s.Require().Len(hits, 1)
	s.Equal("Quarterly report", hits[0].Subject)
	s.Equal("work", hits[0].AccountName)

	s.Require().NoError(s.call("search_messages", map[string]interface{}{"account_name": "work", "unread": false}, &hits))
	s.Require().Len(hits, 1)
	s.Equal("Lunch plans", hits[0].Subject)

	err := s.call("search_messages", map[string]interface{}{"folder": "INBOX"}, nil)
	s.True(apperrors.IsInvalidInput(err))

	err = s.call("search_messages", map[string]interface{}{"date_from": "last tuesday"}, nil)
	s.True(apperrors.IsInvalidInput(err))
}

func (s *ToolsTestSuite) TestGetMessageFetchesBodyOnce() {
	s.syncWork()
	id := s.inboxIDs()["Quarterly report"]
	s.server.ResetCalls()

	var headers map[string]interface{}
	s.Require().NoError(s.call("get_message", map[string]interface{}{"message_id": float64(id), "headers_only": true}, &headers))
	s.Equal("INBOX", headers["folder_path"])
	s.NotContains(headers, "body")

	var full struct {
		Body types.MessageBody `json:"body"`
	}
	s.Require().NoError(s.call("get_message", map[string]interface{}{"message_id": float64(id)}, &full))
	s.Contains(full.Body.TextBody, "Hello from Quarterly report")

	s.Require().NoError(s.call("get_message", map[string]interface{}{"message_id": float64(id)}, &full))
	s.Len(s.server.Calls("fetch-section"), 1)

	err := s.call("get_message", map[string]interface{}{}, nil)
	s.True(apperrors.IsInvalidInput(err))
	err = s.call("get_message", map[string]interface{}{"message_id": float64(9999)}, nil)
	s.True(apperrors.IsNotFound(err))
}

func (s *ToolsTestSuite) TestUpdateFlags() {
	s.syncWork()
	id := s.inboxIDs()["Quarterly report"]

	var result map[string]interface{}
	s.Require().NoError(s.call("update_flags", map[string]interface{}{
		"account_id":  float64(s.work.ID),
		"message_ids": []interface{}{float64(id)},
		"add":         `\Seen, \Flagged`,
	}, &result))
	s.Equal("ok", result["status"])

	msg, err := s.store.GetMessage(s.ctx, id)
	s.Require().NoError(err)
	s.True(msg.HasFlag(`\Seen`))
	s.True(msg.HasFlag(`\Flagged`))

	err = s.call("update_flags", map[string]interface{}{"account_id": float64(s.work.ID), "add": []interface{}{`\Seen`}}, nil)
	s.True(apperrors.IsInvalidInput(err))
}

func (s *ToolsTestSuite) TestMoveAndDelete() {
	s.syncWork()
	ids := s.inboxIDs()

	s.Require().NoError(s.call("move_messages", map[string]interface{}{
		"account_name": "work",
		"message_ids":  []interface{}{float64(ids["Quarterly report"])},
		"folder":       "Archive",
	}, nil))
	uids, _ := s.server.Mailbox("Archive")
	s.Len(uids, 1)

	s.Require().NoError(s.call("delete_messages", map[string]interface{}{
		"account_name": "work",
		"message_ids":  []interface{}{float64(ids["Lunch plans"])},
	}, nil))
	uids, _ = s.server.Mailbox("Trash")
	s.Len(uids, 1)
	inbox, _ := s.server.Mailbox("INBOX")
	s.Empty(inbox)

	err := s.call("move_messages", map[string]interface{}{
		"account_name": "work",
		"message_ids":  []interface{}{float64(ids["Lunch plans"])},
	}, nil)
	s.True(apperrors.IsInvalidInput(err))
}

func (s *ToolsTestSuite) TestConnectFailureCarriesHint() {
	err := s.call("connect_account", map[string]interface{}{"account_name": "personal"}, nil)
	s.Require().Error(err)
	s.ErrorIs(err, apperrors.ErrAuthFailed)

	s.Equal(apperrors.CodeAuthFailed, apperrors.GetErrorCode(err))
	s.Contains(apperrors.HintOf(err), "App Password")
}

func (s *ToolsTestSuite) TestConnectAndDisconnect() {
	var result map[string]interface{}
	s.Require().NoError(s.call("connect_account", map[string]interface{}{"account_name": "work"}, &result))
	s.Equal("connected", result["state"])
	s.Equal(false, result["sync_scheduled"])

	s.Require().NoError(s.call("disconnect_account", map[string]interface{}{"account_name": "work"}, &result))
	s.Equal("disconnected", result["state"])
}

func TestToolsTestSuite(t *testing.T) {
	suite.Run(t, new(ToolsTestSuite))
}

func TestRemediation(t *testing.T) {
	authErr := &email.ConnectionError{Kind: email.KindAuthFailed}
	tests := []struct {
		name string
		acc  types.Account
		err  error
		want string
	}{
		{"gmail auth", types.Account{IMAPHost: "imap.gmail.com"}, authErr, "App Password"},
		{"outlook auth", types.Account{IMAPHost: "outlook.office365.com"}, authErr, "Microsoft 365"},
		{"generic auth", types.Account{IMAPHost: "mail.example.org"}, authErr, "IMAP_PASSWORD"},
		{"tls on plain port", types.Account{IMAPHost: "mail.example.org", IMAPPort: 143, Security: types.SecurityTLS},
			&email.ConnectionError{Kind: email.KindTLS}, "STARTTLS"},
		{"unreachable", types.Account{IMAPHost: "mail.example.org"},
			&email.ConnectionError{Kind: email.KindNetworkUnreachable}, "mail.example.org"},
		{"timeout", types.Account{}, &email.ConnectionError{Kind: email.KindTimeout}, "CONNECT_TIMEOUT"},
		{"not a connection error", types.Account{IMAPHost: "imap.gmail.com"}, apperrors.ErrForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hint := Remediation(&tt.acc, tt.err)
			if tt.want == "" {
				assert.Empty(t, hint)
				return
			}
			assert.Contains(t, hint, tt.want)
		})
	}
}

func TestParamHelpers(t *testing.T) {
	n, ok, err := int64Param(map[string]interface{}{"id": "42"}, "id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	_, _, err = int64Param(map[string]interface{}{"id": 1.5}, "id")
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = int64List(map[string]interface{}{"ids": []interface{}{}}, "ids")
	assert.True(t, apperrors.IsInvalidInput(err))

	assert.Equal(t, []string{`\Seen`, "$Label1"}, flagList(map[string]interface{}{"f": []interface{}{`\Seen`, "$Label1"}}, "f"))

	ts, err := timeParam(map[string]interface{}{"d": "2024-03-01"}, "d")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	limit, err := limitParam(map[string]interface{}{"limit": float64(5000)}, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, limit)
}

func textMessage(uid uint32, subject string, flags ...string) *emailtest.Message {
	body := "Hello from " + subject
	return &emailtest.Message{
		UID:   uid,
		Flags: flags,
		Size:  uint32(200 + len(body)),
		Envelope: email.Envelope{
			Subject:   subject,
			MessageID: fmt.Sprintf("msg-%d@example.com", uid),
			From:      []types.Address{{Name: "Bob", Address: "bob@example.com"}},
			To:        []types.Address{{Address: "me@example.com"}},
		},
		Structure: &email.BodyPart{
			MIMEType:    "text",
			MIMESubType: "plain",
			Params:      map[string]string{"charset": "utf-8"},
			Encoding:    "7bit",
			Size:        uint32(len(body)),
		},
		Preview: []byte(body),
		Raw: []byte("From: Bob <bob@example.com>\r\n" +
			"To: me@example.com\r\n" +
			"Subject: " + subject + "\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" + body + "\r\n"),
	}
}
