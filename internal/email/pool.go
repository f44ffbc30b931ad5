package email

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/brandon/mailsync/internal/credential"
	apperrors "github.com/brandon/mailsync/internal/errors"
)

// State is the lifecycle position of an account's session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateIdle
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateSelected:
		return "selected"
	}
	return "disconnected"
}

// StatusRecorder persists the outcome of connection attempts
type StatusRecorder interface {
	UpdateAccountStatus(ctx context.Context, id int64, connected bool, lastError *string) error
}

// PoolConfig holds the pool's timing settings
type PoolConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	LogoutTimeout time.Duration
}

const defaultLogoutTimeout = 5 * time.Second

// conn is a live session plus its bookkeeping
type conn struct {
	accountID int64
	session   Session
	// op is held by whoever is issuing commands on the session.
	op chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	idleStop     chan struct{}
	idleDone     chan struct{}
	closing      bool
}

func (c *conn) acquire(ctx context.Context) error {
	if c.dead() {
		return fmt.Errorf("account %d: %w", c.accountID, apperrors.ErrNotConnected)
	}
	select {
	case c.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.session.Done():
		return fmt.Errorf("account %d: %w", c.accountID, apperrors.ErrNotConnected)
	}
}

func (c *conn) dead() bool {
	select {
	case <-c.session.Done():
		return true
	default:
		return false
	}
}

func (c *conn) tryAcquire() bool {
	select {
	case c.op <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *conn) release() {
	<-c.op
}

func (c *conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// stopIdle ends a running IDLE and waits for the command to finish.
func (c *conn) stopIdle() {
	c.mu.Lock()
	stop, done := c.idleStop, c.idleDone
	c.idleStop, c.idleDone = nil, nil
	if stop != nil && c.state == StateIdle {
		c.state = StateConnected
	}
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Pool owns at most one authenticated session per account
type Pool struct {
	dialer Dialer
	creds  credential.Provider
	status StatusRecorder
	bus    *EventBus
	logger *logrus.Logger
	cfg    PoolConfig
	now    func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	conns  map[int64]*conn
	states map[int64]State

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a connection pool
func NewPool(dialer Dialer, creds credential.Provider, status StatusRecorder, bus *EventBus, cfg PoolConfig, logger *logrus.Logger) *Pool {
	if cfg.LogoutTimeout == 0 {
		cfg.LogoutTimeout = defaultLogoutTimeout
	}
	return &Pool{
		dialer: dialer,
		creds:  creds,
		status: status,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		conns:  make(map[int64]*conn),
		states: make(map[int64]State),
		stop:   make(chan struct{}),
	}
}

// Events returns the bus the pool publishes to
func (p *Pool) Events() *EventBus {
	return p.bus
}

// Start launches the idle sweep
func (p *Pool) Start() {
	if p.cfg.SweepInterval <= 0 || p.cfg.IdleTimeout <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep()
			case <-p.stop:
				return
			}
		}
	}()
}

// Close stops the sweep and disconnects every session
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	ids := make([]int64, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Disconnect(id) //nolint:errcheck
	}
}

// State reports the lifecycle state of an account
func (p *Pool) State(accountID int64) State {
	p.mu.Lock()
	c, ok := p.conns[accountID]
	state := p.states[accountID]
	p.mu.Unlock()

	if ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state
	}
	return state
}

// lookup returns the account's live connection, ignoring one whose transport
// has already gone.
func (p *Pool) lookup(accountID int64) *conn {
	p.mu.Lock()
	c := p.conns[accountID]
	p.mu.Unlock()
	if c == nil || c.dead() {
		return nil
	}
	return c
}

// Connect establishes a session for the account unless one is already live
func (p *Pool) Connect(ctx context.Context, accountID int64) error {
	_, err := p.conn(ctx, accountID)
	return err
}

// GetConnection returns the account's live session, connecting on demand.
// Concurrent callers share a single connection attempt.
func (p *Pool) GetConnection(ctx context.Context, accountID int64) (Session, error) {
	c, err := p.conn(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return c.session, nil
}

func (p *Pool) conn(ctx context.Context, accountID int64) (*conn, error) {
	if c := p.lookup(accountID); c != nil {
		c.touch(p.now())
		return c, nil
	}

	v, err, _ := p.group.Do(strconv.FormatInt(accountID, 10), func() (interface{}, error) {
		if c := p.lookup(accountID); c != nil {
			return c, nil
		}
		return p.dial(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

func (p *Pool) dial(ctx context.Context, accountID int64) (*conn, error) {
	log := p.logger.WithField("account", accountID)
	p.setState(accountID, StateConnecting)

	creds, err := p.creds.Credentials(ctx, accountID)
	if err != nil {
		p.setState(accountID, StateDisconnected)
		p.recordFailure(ctx, accountID, err)
		log.WithError(err).Error("Failed to resolve credentials")
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}

	session, err := p.dialer.Dial(ctx, creds)
	if err != nil {
		connErr, ok := IsConnectionError(err)
		if !ok {
			connErr = &ConnectionError{Kind: classifyDialError(err), Err: err}
		}
		connErr.AccountID = accountID

		p.setState(accountID, StateDisconnected)
		p.recordFailure(ctx, accountID, connErr)
		log.WithError(connErr.Err).WithField("kind", connErr.Kind).Error("Failed to connect to IMAP server")
		return nil, connErr
	}

	c := &conn{
		accountID:    accountID,
		session:      session,
		op:           make(chan struct{}, 1),
		state:        StateConnected,
		lastActivity: p.now(),
	}

	p.mu.Lock()
	p.conns[accountID] = c
	delete(p.states, accountID)
	p.mu.Unlock()

	if err := p.status.UpdateAccountStatus(ctx, accountID, true, nil); err != nil {
		log.WithError(err).Warn("Failed to record account status")
	}
	p.bus.Publish(newEvent(accountID, EventConnected))
	log.Info("Connected to IMAP server")

	p.wg.Add(1)
	go p.forward(c)

	return c, nil
}

func (p *Pool) setState(accountID int64, s State) {
	p.mu.Lock()
	p.states[accountID] = s
	p.mu.Unlock()
}

func (p *Pool) recordFailure(ctx context.Context, accountID int64, cause error) {
	msg := cause.Error()
	if err := p.status.UpdateAccountStatus(ctx, accountID, false, &msg); err != nil {
		p.logger.WithError(err).WithField("account", accountID).Warn("Failed to record account status")
	}
	ev := newEvent(accountID, EventError)
	ev.Error = msg
	p.bus.Publish(ev)
}

// forward relays server pushes to the event bus until the session ends.
func (p *Pool) forward(c *conn) {
	defer p.wg.Done()
	for {
		select {
		case u := <-c.session.Updates():
			if ev, ok := eventFromUpdate(c.accountID, u); ok {
				p.bus.Publish(ev)
			}
		case <-c.session.Done():
			p.handleLost(c)
			return
		case <-p.stop:
			return
		}
	}
}

func eventFromUpdate(accountID int64, u Update) (Event, bool) {
	var ev Event
	switch u.Kind {
	case UpdateMessageCount:
		if u.Delta <= 0 {
			return Event{}, false
		}
		ev = newEvent(accountID, EventNewMail)
		ev.Count = u.Delta
	case UpdateFlags:
		ev = newEvent(accountID, EventFlagsChanged)
		ev.Count = 1
	case UpdateExpunge:
		ev = newEvent(accountID, EventExpunged)
		ev.Count = 1
	default:
		return Event{}, false
	}
	ev.FolderPath = u.Mailbox
	return ev, true
}

// handleLost cleans up after a transport that closed underneath us.
func (p *Pool) handleLost(c *conn) {
	c.mu.Lock()
	closing := c.closing
	c.state = StateDisconnected
	c.mu.Unlock()
	if closing {
		return
	}

	p.mu.Lock()
	current := p.conns[c.accountID] == c
	if current {
		delete(p.conns, c.accountID)
		p.states[c.accountID] = StateDisconnected
	}
	p.mu.Unlock()
	if !current {
		// Already replaced by a newer session.
		return
	}

	msg := "connection lost"
	ctx := context.Background()
	if err := p.status.UpdateAccountStatus(ctx, c.accountID, false, &msg); err != nil {
		p.logger.WithError(err).WithField("account", c.accountID).Warn("Failed to record account status")
	}
	p.bus.Publish(newEvent(c.accountID, EventDisconnected))
	p.logger.WithField("account", c.accountID).Warn("IMAP connection lost")
}

// Disconnect logs out and closes the account's session. It is safe to call
// when no session exists.
func (p *Pool) Disconnect(accountID int64) error {
	p.mu.Lock()
	c, ok := p.conns[accountID]
	delete(p.conns, accountID)
	p.states[accountID] = StateDisconnected
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.closeConn(c)

	if err := p.status.UpdateAccountStatus(context.Background(), accountID, false, nil); err != nil {
		p.logger.WithError(err).WithField("account", accountID).Warn("Failed to record account status")
	}
	p.bus.Publish(newEvent(accountID, EventDisconnected))
	p.logger.WithField("account", accountID).Info("Disconnected from IMAP server")
	return nil
}

func (p *Pool) closeConn(c *conn) {
	c.mu.Lock()
	c.closing = true
	stop := c.idleStop
	c.idleStop, c.idleDone = nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	loggedOut := make(chan struct{})
	go func() {
		defer close(loggedOut)
		if err := c.session.Logout(); err != nil {
			p.logger.WithError(err).WithField("account", c.accountID).Debug("Logout failed")
		}
	}()
	select {
	case <-loggedOut:
	case <-time.After(p.cfg.LogoutTimeout):
	}

	if err := c.session.Close(); err != nil {
		p.logger.WithError(err).WithField("account", c.accountID).Debug("Close failed")
	}
}

// Sweep disconnects sessions unused for longer than the idle timeout.
// Sessions with an operation in flight are left alone.
func (p *Pool) Sweep() {
	now := p.now()

	p.mu.Lock()
	candidates := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		candidates = append(candidates, c)
	}
	p.mu.Unlock()

	for _, c := range candidates {
		c.mu.Lock()
		idleFor := now.Sub(c.lastActivity)
		c.mu.Unlock()
		if idleFor <= p.cfg.IdleTimeout {
			continue
		}
		if !c.tryAcquire() {
			continue
		}
		p.logger.WithFields(logrus.Fields{
			"account":   c.accountID,
			"idle_time": idleFor.Round(time.Second).String(),
		}).Info("Closing idle IMAP connection")
		p.Disconnect(c.accountID) //nolint:errcheck
		c.release()
	}
}

// WithSession runs fn with exclusive use of the account's session, connecting
// on demand. A running IDLE is stopped first.
func (p *Pool) WithSession(ctx context.Context, accountID int64, fn func(Session) error) error {
	c, err := p.conn(ctx, accountID)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.stopIdle()
	c.setState(StateSelected)
	c.touch(p.now())

	err = fn(c.session)

	c.mu.Lock()
	if !c.closing {
		c.state = StateConnected
	}
	c.lastActivity = p.now()
	c.mu.Unlock()
	return err
}

// Watch opens path read-only and idles on it until d elapses, ctx is done,
// an operation claims the session, or the connection drops.
func (p *Pool) Watch(ctx context.Context, accountID int64, path string, d time.Duration) error {
	c, err := p.conn(ctx, accountID)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}

	c.stopIdle()
	if _, err := c.session.Select(path, true); err != nil {
		c.release()
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	var idleErr error

	c.mu.Lock()
	c.idleStop, c.idleDone = stop, done
	c.state = StateIdle
	c.lastActivity = p.now()
	c.mu.Unlock()

	go func() {
		defer close(done)
		idleErr = c.session.Idle(stop)
	}()
	c.release()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-done:
	}

	c.mu.Lock()
	mine := c.idleStop == stop
	c.mu.Unlock()
	if mine {
		c.stopIdle()
	}
	<-done

	if idleErr != nil && !errors.Is(idleErr, context.Canceled) {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if !closing {
			return idleErr
		}
	}
	return nil
}
