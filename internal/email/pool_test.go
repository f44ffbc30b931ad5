package email_test

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/email/emailtest"
	apperrors "github.com/brandon/mailsync/internal/errors"
)

// MockStatusRecorder records account status updates
type MockStatusRecorder struct {
	mock.Mock
}

func (m *MockStatusRecorder) UpdateAccountStatus(ctx context.Context, id int64, connected bool, lastError *string) error {
	args := m.Called(ctx, id, connected, lastError)
	return args.Error(0)
}

type poolFixture struct {
	server *emailtest.Server
	dialer *emailtest.Dialer
	status *MockStatusRecorder
	bus    *email.EventBus
	pool   *email.Pool
}

func newPoolFixture(t *testing.T, cfg email.PoolConfig) *poolFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	server := emailtest.NewServer()
	server.AddMailbox("INBOX", 100)

	status := new(MockStatusRecorder)
	status.On("UpdateAccountStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	creds := credential.NewStaticProvider(map[int64]credential.Credentials{
		1: {Username: "me@example.com", Password: "secret", Host: "imap.example.com", Port: 993},
	}, "")

	f := &poolFixture{
		server: server,
		dialer: &emailtest.Dialer{Server: server},
		status: status,
		bus:    email.NewEventBus(16),
	}
	f.pool = email.NewPool(f.dialer, creds, status, f.bus, cfg, logger)
	t.Cleanup(f.pool.Close)
	return f
}

func waitForEvent(t *testing.T, sub *email.Subscription, typ email.EventType) email.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event received", typ)
			return email.Event{}
		}
	}
}

func TestPool_ConcurrentCallersShareOneDial(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	f.dialer.Delay = 50 * time.Millisecond

	var wg gosync.WaitGroup
	sessions := make([]email.Session, 5)
	errs := make([]error, 5)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = f.pool.GetConnection(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.dialer.Dials())
	for i := range sessions {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, email.StateConnected, f.pool.State(1))
	f.status.AssertCalled(t, "UpdateAccountStatus", mock.Anything, int64(1), true, (*string)(nil))
}

func TestPool_AuthFailureIsRecorded(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	f.dialer.Err = &email.ConnectionError{Kind: email.KindAuthFailed, Err: errors.New("NO [AUTHENTICATIONFAILED] invalid credentials")}
	sub := f.bus.Subscribe(1)
	defer sub.Close()

	err := f.pool.Connect(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuthFailed))

	connErr, ok := email.IsConnectionError(err)
	require.True(t, ok)
	assert.Equal(t, email.KindAuthFailed, connErr.Kind)
	assert.Equal(t, int64(1), connErr.AccountID)

	assert.Equal(t, email.StateDisconnected, f.pool.State(1))
	f.status.AssertCalled(t, "UpdateAccountStatus", mock.Anything, int64(1), false,
		mock.MatchedBy(func(msg *string) bool { return msg != nil && strings.Contains(*msg, "auth-failed") }))

	ev := waitForEvent(t, sub, email.EventError)
	assert.Contains(t, ev.Error, "invalid credentials")
}

func TestPool_UnknownAccountFails(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})

	_, err := f.pool.GetConnection(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAccountNotFound))
	assert.Equal(t, 0, f.dialer.Dials())
}

func TestPool_DisconnectIsIdempotent(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	require.NoError(t, f.pool.Connect(context.Background(), 1))

	require.NoError(t, f.pool.Disconnect(1))
	require.NoError(t, f.pool.Disconnect(1))
	require.NoError(t, f.pool.Disconnect(7))

	assert.Len(t, f.server.Calls("logout"), 1)
	assert.Equal(t, email.StateDisconnected, f.pool.State(1))

	select {
	case <-f.dialer.LastSession().Done():
	default:
		t.Fatal("session was not closed")
	}
}

func TestPool_ReconnectAfterDisconnect(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	ctx := context.Background()

	first, err := f.pool.GetConnection(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.pool.Disconnect(1))

	second, err := f.pool.GetConnection(ctx, 1)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, f.dialer.Dials())
}

func TestPool_SweepClosesIdleSessions(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{IdleTimeout: 30 * time.Minute})
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu gosync.Mutex
	f.pool.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	require.NoError(t, f.pool.Connect(context.Background(), 1))

	advance(10 * time.Minute)
	f.pool.Sweep()
	assert.Equal(t, email.StateConnected, f.pool.State(1))

	advance(31 * time.Minute)
	f.pool.Sweep()
	assert.Equal(t, email.StateDisconnected, f.pool.State(1))
	assert.Len(t, f.server.Calls("logout"), 1)
}

func TestPool_SweepSkipsBusySessions(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{IdleTimeout: time.Minute})
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu gosync.Mutex
	f.pool.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.pool.WithSession(context.Background(), 1, func(email.Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	f.pool.Sweep()
	assert.Equal(t, email.StateSelected, f.pool.State(1))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, email.StateConnected, f.pool.State(1))
}

func TestPool_TransportLossPublishesDisconnect(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	sub := f.bus.Subscribe(1)
	defer sub.Close()

	require.NoError(t, f.pool.Connect(context.Background(), 1))
	waitForEvent(t, sub, email.EventConnected)

	f.dialer.LastSession().Drop()
	waitForEvent(t, sub, email.EventDisconnected)

	assert.Eventually(t, func() bool {
		return f.pool.State(1) == email.StateDisconnected
	}, time.Second, 10*time.Millisecond)
	f.status.AssertCalled(t, "UpdateAccountStatus", mock.Anything, int64(1), false,
		mock.MatchedBy(func(msg *string) bool { return msg != nil && *msg == "connection lost" }))

	_, err := f.pool.GetConnection(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.dialer.Dials())
}

func TestPool_PushUpdatesBecomeEvents(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	sub := f.bus.SubscribeAll()
	defer sub.Close()

	require.NoError(t, f.pool.Connect(context.Background(), 1))
	session := f.dialer.LastSession()

	session.Push(email.Update{Kind: email.UpdateMessageCount, Mailbox: "INBOX", Messages: 5, Delta: 2})
	ev := waitForEvent(t, sub, email.EventNewMail)
	assert.Equal(t, int64(1), ev.AccountID)
	assert.Equal(t, "INBOX", ev.FolderPath)
	assert.Equal(t, 2, ev.Count)
	assert.NotEmpty(t, ev.ID)

	session.Push(email.Update{Kind: email.UpdateExpunge, Mailbox: "INBOX", SeqNum: 3})
	ev = waitForEvent(t, sub, email.EventExpunged)
	assert.Equal(t, "INBOX", ev.FolderPath)
}

func TestPool_WithSessionSerializesOperations(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})

	var active, peak int32
	var wg gosync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.pool.WithSession(context.Background(), 1, func(s email.Session) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestPool_OperationInterruptsWatch(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	ctx := context.Background()

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- f.pool.Watch(ctx, 1, "INBOX", time.Minute)
	}()

	require.Eventually(t, func() bool {
		return f.pool.State(1) == email.StateIdle
	}, time.Second, 5*time.Millisecond)

	err := f.pool.WithSession(ctx, 1, func(s email.Session) error {
		_, err := s.Status("INBOX")
		return err
	})
	require.NoError(t, err)

	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return")
	}
	assert.Len(t, f.server.Calls("idle"), 1)
}

func TestPool_WatchEndsWhenContextDone(t *testing.T) {
	f := newPoolFixture(t, email.PoolConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := f.pool.Watch(ctx, 1, "INBOX", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, email.StateConnected, f.pool.State(1))
}
