package sync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

const defaultPollInterval = 5 * time.Minute

// Scheduler keeps every configured account in sync: a full sync on connect
// and on each poll tick, and a folder sync whenever the server pushes a change.
type Scheduler struct {
	pool         *email.Pool
	messages     *MessageSynchronizer
	accounts     []int64
	triggers     map[int64]chan struct{}
	pollInterval time.Duration
	logger       *logrus.Logger
	newBackOff   func() backoff.BackOff
}

// NewScheduler creates a scheduler for the given accounts
func NewScheduler(pool *email.Pool, messages *MessageSynchronizer, accountIDs []int64, pollInterval time.Duration, logger *logrus.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	triggers := make(map[int64]chan struct{}, len(accountIDs))
	for _, id := range accountIDs {
		triggers[id] = make(chan struct{}, 1)
	}
	return &Scheduler{
		pool:         pool,
		messages:     messages,
		accounts:     accountIDs,
		triggers:     triggers,
		pollInterval: pollInterval,
		logger:       logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run blocks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range s.accounts {
		id := id
		g.Go(func() error {
			s.runAccount(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

// Trigger requests an immediate full sync of an account. It reports whether
// the account is scheduled.
func (s *Scheduler) Trigger(accountID int64) bool {
	ch, ok := s.triggers[accountID]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) runAccount(ctx context.Context, accountID int64) {
	log := s.logger.WithField("account", accountID)
	sub := s.pool.Events().Subscribe(accountID)
	defer sub.Close()

	failures := s.newBackOff()
	pending := make(map[string]bool)
	full := true

	for ctx.Err() == nil {
		if err := s.connect(ctx, accountID, log); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Giving up on account")
			}
			return
		}

		if full {
			if _, err := s.messages.SyncAll(ctx, accountID); err != nil {
				log.WithError(err).Warn("Full sync failed")
			} else {
				full = false
			}
		}
		for path := range pending {
			if _, err := s.messages.SyncFolder(ctx, accountID, path); err != nil {
				log.WithError(err).WithField("folder", path).Warn("Incremental sync failed")
			}
			delete(pending, path)
		}

		watchCtx, cancel := context.WithCancel(ctx)
		watchDone := make(chan error, 1)
		go func() {
			watchDone <- s.pool.Watch(watchCtx, accountID, s.inboxPath(ctx, accountID), s.pollInterval)
		}()

		woken := false
	wait:
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					cancel()
					<-watchDone
					return
				}
				switch ev.Type {
				case email.EventNewMail, email.EventExpunged, email.EventFlagsChanged:
					path := ev.FolderPath
					if path == "" {
						path = "INBOX"
					}
					pending[path] = true
					woken = true
					cancel()
				case email.EventDisconnected:
					full = true
					woken = true
					cancel()
				}
			case <-s.triggers[accountID]:
				full = true
				woken = true
				cancel()
			case err := <-watchDone:
				if watchEndedCleanly(ctx, err, woken) {
					failures.Reset()
					if !woken {
						full = true
					}
				} else {
					log.WithError(err).Warn("Watch failed")
					full = true
					s.sleep(ctx, failures.NextBackOff())
				}
				break wait
			}
		}
		cancel()
	}
}

// watchEndedCleanly reports whether a watch ended without trouble. A watch we
// cancelled ourselves may still be waiting for the session when it returns.
func watchEndedCleanly(ctx context.Context, err error, woken bool) bool {
	if err == nil {
		return true
	}
	return woken && ctx.Err() == nil && errors.Is(err, context.Canceled)
}

func (s *Scheduler) connect(ctx context.Context, accountID int64, log *logrus.Entry) error {
	op := func() error {
		err := s.pool.Connect(ctx, accountID)
		if errors.Is(err, apperrors.ErrAccountNotFound) || errors.Is(err, apperrors.ErrForbidden) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("Connect failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify)
}

func (s *Scheduler) inboxPath(ctx context.Context, accountID int64) string {
	folder, err := s.messages.store.FindSpecialFolder(ctx, accountID, types.SpecialUseInbox)
	if err != nil {
		return "INBOX"
	}
	return folder.Path
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d == backoff.Stop {
		d = s.pollInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
