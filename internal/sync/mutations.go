package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// BatchError reports a multi-folder mutation that failed on some folders.
// Folders listed in Completed were changed on the server and locally; those in
// Failed were rejected, or never reached because the connection was lost.
type BatchError struct {
	Op        string
	Completed []string
	Failed    []string
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: failed on folders %q, %d completed: %v", e.Op, e.Failed, len(e.Completed), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// IsBatchError reports whether err is a *BatchError and returns it.
func IsBatchError(err error) (*BatchError, bool) {
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		return batchErr, true
	}
	return nil, false
}

// Executor applies flag changes, moves and deletions on the server and
// mirrors them into the store
type Executor struct {
	pool   *email.Pool
	store  *cache.Store
	logger *logrus.Logger
}

// NewExecutor creates a mutation executor
func NewExecutor(pool *email.Pool, store *cache.Store, logger *logrus.Logger) *Executor {
	return &Executor{pool: pool, store: store, logger: logger}
}

// folderGroup is the set of requested messages living in one folder
type folderGroup struct {
	folder   *types.Folder
	messages []types.Message
}

func (g *folderGroup) uids() []uint32 {
	uids := make([]uint32, len(g.messages))
	for i := range g.messages {
		uids[i] = g.messages[i].UID
	}
	return uids
}

func (g *folderGroup) ids() []int64 {
	ids := make([]int64, len(g.messages))
	for i := range g.messages {
		ids[i] = g.messages[i].ID
	}
	return ids
}

// resolve checks ownership of every message and groups them by folder in
// first-seen order. Nothing is sent to the server until this succeeds.
func (e *Executor) resolve(ctx context.Context, accountID int64, messageIDs []int64) ([]*folderGroup, error) {
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("no message ids given: %w", apperrors.ErrInvalidInput)
	}
	if _, err := authorize(ctx, e.store, accountID); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(messageIDs))
	seen := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	messages, err := e.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[int64]bool, len(messages))
	for i := range messages {
		found[messages[i].ID] = true
		if messages[i].AccountID != accountID {
			return nil, fmt.Errorf("message %d: %w", messages[i].ID, apperrors.ErrForbidden)
		}
	}
	for _, id := range ids {
		if !found[id] {
			return nil, fmt.Errorf("message %d: %w", id, apperrors.ErrMessageNotFound)
		}
	}

	var groups []*folderGroup
	byFolder := make(map[int64]*folderGroup)
	for _, msg := range messages {
		g, ok := byFolder[msg.FolderID]
		if !ok {
			folder, err := e.store.GetFolder(ctx, msg.FolderID)
			if err != nil {
				return nil, err
			}
			g = &folderGroup{folder: folder}
			byFolder[msg.FolderID] = g
			groups = append(groups, g)
		}
		g.messages = append(g.messages, msg)
	}
	return groups, nil
}

// run applies fn to each group on one session. A rejected group does not
// stop the others; only a lost connection ends the batch early, and the groups
// it never reached are reported as failed.
func (e *Executor) run(ctx context.Context, accountID int64, op string, groups []*folderGroup, fn func(email.Session, *folderGroup) error) error {
	var (
		completed []string
		failed    []string
		errs      []error
	)
	err := e.pool.WithSession(ctx, accountID, func(s email.Session) error {
		for i, g := range groups {
			err := fn(s, g)
			if err == nil {
				completed = append(completed, g.folder.Path)
				continue
			}
			failed = append(failed, g.folder.Path)
			errs = append(errs, fmt.Errorf("folder %q: %w", g.folder.Path, err))
			if sessionLost(ctx, s, err) {
				for _, rest := range groups[i+1:] {
					failed = append(failed, rest.folder.Path)
				}
				return err
			}
		}
		return nil
	})
	if len(failed) == 0 {
		return err
	}

	e.logger.WithError(errors.Join(errs...)).WithFields(logrus.Fields{
		"account":   accountID,
		"op":        op,
		"failed":    failed,
		"completed": len(completed),
	}).Warn("Batch partially failed")
	return &BatchError{Op: op, Completed: completed, Failed: failed, Err: errors.Join(errs...)}
}

// sessionLost reports whether the session can no longer carry commands.
func sessionLost(ctx context.Context, s email.Session, err error) bool {
	if ctx.Err() != nil || errors.Is(err, apperrors.ErrNotConnected) {
		return true
	}
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// UpdateFlags adds and removes flags on a set of messages, issuing at most one
// add and one remove command per folder.
func (e *Executor) UpdateFlags(ctx context.Context, accountID int64, messageIDs []int64, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return fmt.Errorf("no flags to change: %w", apperrors.ErrInvalidInput)
	}
	groups, err := e.resolve(ctx, accountID, messageIDs)
	if err != nil {
		return err
	}

	return e.run(ctx, accountID, "update_flags", groups, func(s email.Session, g *folderGroup) error {
		if _, err := s.Select(g.folder.Path, false); err != nil {
			return err
		}
		return e.storeFlags(ctx, s, g, add, remove)
	})
}

func (e *Executor) storeFlags(ctx context.Context, s email.Session, g *folderGroup, add, remove []string) error {
	uids := g.uids()
	if len(add) > 0 {
		if err := s.StoreFlags(uids, email.FlagsAdd, add); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		if err := s.StoreFlags(uids, email.FlagsRemove, remove); err != nil {
			return err
		}
	}

	for i := range g.messages {
		msg := &g.messages[i]
		msg.Flags = applyFlags(msg.Flags, add, remove)
		if err := e.store.UpdateMessageFlags(ctx, msg.ID, msg.Flags); err != nil {
			e.logger.WithError(err).WithField("message", msg.ID).Warn("Failed to mirror flags")
		}
	}
	return nil
}

// MoveMessages moves messages to another folder of the same account. The
// local rows are removed; the destination's next sync picks the messages up.
func (e *Executor) MoveMessages(ctx context.Context, accountID int64, messageIDs []int64, targetFolderID int64) error {
	target, err := e.store.GetFolder(ctx, targetFolderID)
	if err != nil {
		return err
	}
	if target.AccountID != accountID {
		return fmt.Errorf("folder %d: %w", targetFolderID, apperrors.ErrForbidden)
	}
	groups, err := e.resolve(ctx, accountID, messageIDs)
	if err != nil {
		return err
	}

	return e.run(ctx, accountID, "move_messages", groups, func(s email.Session, g *folderGroup) error {
		if g.folder.ID == target.ID {
			return nil
		}
		return e.move(ctx, s, g, target)
	})
}

func (e *Executor) move(ctx context.Context, s email.Session, g *folderGroup, target *types.Folder) error {
	if _, err := s.Select(g.folder.Path, false); err != nil {
		return err
	}
	if err := s.Move(g.uids(), target.Path); err != nil {
		return err
	}
	if _, err := e.store.DeleteMessages(ctx, g.ids()); err != nil {
		e.logger.WithError(err).WithField("folder", g.folder.Path).Warn("Failed to remove moved messages")
	}
	return nil
}

// DeleteMessages moves messages to the account's trash folder, or removes them
// for good when permanent is set, no trash folder exists, or they are already
// in the trash.
func (e *Executor) DeleteMessages(ctx context.Context, accountID int64, messageIDs []int64, permanent bool) error {
	groups, err := e.resolve(ctx, accountID, messageIDs)
	if err != nil {
		return err
	}

	var trash *types.Folder
	if !permanent {
		trash, err = e.store.FindSpecialFolder(ctx, accountID, types.SpecialUseTrash)
		if err != nil && !errors.Is(err, apperrors.ErrFolderNotFound) {
			return err
		}
	}

	return e.run(ctx, accountID, "delete_messages", groups, func(s email.Session, g *folderGroup) error {
		if trash != nil && g.folder.ID != trash.ID {
			return e.move(ctx, s, g, trash)
		}
		if _, err := s.Select(g.folder.Path, false); err != nil {
			return err
		}
		if err := e.storeFlags(ctx, s, g, []string{email.FlagDeleted}, nil); err != nil {
			return err
		}
		if err := s.Expunge(); err != nil {
			return err
		}
		if _, err := e.store.DeleteMessages(ctx, g.ids()); err != nil {
			e.logger.WithError(err).WithField("folder", g.folder.Path).Warn("Failed to remove expunged messages")
		}
		return nil
	})
}

// applyFlags returns current with add merged in and remove taken out. The
// order of untouched flags is kept.
func applyFlags(current, add, remove []string) []string {
	out := make([]string, 0, len(current)+len(add))
	for _, f := range current {
		if !hasFlag(out, f) {
			out = append(out, f)
		}
	}
	for _, f := range add {
		if !hasFlag(out, f) {
			out = append(out, f)
		}
	}
	if len(remove) == 0 {
		return out
	}
	kept := out[:0]
	for _, f := range out {
		if !hasFlag(remove, f) {
			kept = append(kept, f)
		}
	}
	return kept
}

// ParseFlags splits a comma or space separated flag list.
func ParseFlags(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	return normalizeFlags(fields)
}
