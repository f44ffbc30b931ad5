package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jaytaylor/html2text"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

const (
	previewLength        = 200
	defaultBodyCacheSize = 256
)

// Options tunes the message synchronizer's body caching
type Options struct {
	BodyCacheSize   int
	MaxStoredBodies int
}

// SyncResult summarises one folder sync
type SyncResult struct {
	FolderPath      string `json:"folder_path"`
	NewMessages     int    `json:"new_messages"`
	UpdatedMessages int    `json:"updated_messages"`
	DeletedMessages int    `json:"deleted_messages"`
	// Invalidated is set when the server changed UIDVALIDITY and the folder was rebuilt.
	Invalidated bool `json:"invalidated"`
}

// AccountSyncResult summarises a full account sync
type AccountSyncResult struct {
	Folders *FolderSyncResult `json:"folders"`
	Synced  []SyncResult      `json:"synced"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// MessageSynchronizer mirrors message headers and serves message bodies
type MessageSynchronizer struct {
	pool    *email.Pool
	store   *cache.Store
	folders *FolderSynchronizer
	bodies  *lru.Cache[int64, *types.MessageBody]
	opts    Options
	logger  *logrus.Logger
	now     func() time.Time
}

// NewMessageSynchronizer creates a message synchronizer
func NewMessageSynchronizer(pool *email.Pool, store *cache.Store, folders *FolderSynchronizer, opts Options, logger *logrus.Logger) (*MessageSynchronizer, error) {
	if opts.BodyCacheSize <= 0 {
		opts.BodyCacheSize = defaultBodyCacheSize
	}
	bodies, err := lru.New[int64, *types.MessageBody](opts.BodyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create body cache: %w", err)
	}
	return &MessageSynchronizer{
		pool:    pool,
		store:   store,
		folders: folders,
		bodies:  bodies,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SyncFolder brings the local mirror of one folder in line with the server.
func (m *MessageSynchronizer) SyncFolder(ctx context.Context, accountID int64, path string) (*SyncResult, error) {
	if _, err := authorize(ctx, m.store, accountID); err != nil {
		return nil, err
	}
	folder, err := m.store.GetFolderByPath(ctx, accountID, path)
	if err != nil {
		return nil, err
	}

	log := m.logger.WithFields(logrus.Fields{"account": accountID, "folder": path})

	// Diff decisions are made against this snapshot, taken before talking to the server.
	known, err := m.store.KnownUIDs(ctx, folder.ID)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{FolderPath: path}
	var (
		entries   []email.FetchEntry
		status    *email.StatusResult
		statusErr error
	)
	err = m.pool.WithSession(ctx, accountID, func(s email.Session) error {
		sel, err := s.Select(path, true)
		if err != nil {
			return err
		}

		if folder.UIDValidity != nil && *folder.UIDValidity != sel.UIDValidity {
			deleted, err := m.store.DeleteFolderMessages(ctx, folder.ID)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"old_uid_validity": *folder.UIDValidity,
				"new_uid_validity": sel.UIDValidity,
				"deleted":          deleted,
			}).Warn("UIDVALIDITY changed, rebuilding folder")
			known = map[uint32]cache.KnownMessage{}
			result.Invalidated = true
			result.DeletedMessages += int(deleted)
		}

		var modseq *uint64
		if sel.HighestModSeq > 0 {
			modseq = &sel.HighestModSeq
		}
		uidValidity, uidNext := sel.UIDValidity, sel.UIDNext
		if err := m.store.UpdateFolderSyncState(ctx, folder.ID, &uidValidity, &uidNext, modseq, int(sel.Messages)); err != nil {
			return err
		}

		if sel.Messages > 0 {
			if entries, err = s.FetchHeaders(nil); err != nil {
				return err
			}
		}

		status, statusErr = s.Status(path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync folder %s: %w", path, err)
	}

	onServer := make(map[uint32]bool, len(entries))
	for i := range entries {
		entry := &entries[i]
		onServer[entry.UID] = true

		if k, ok := known[entry.UID]; ok {
			if sameFlags(k.Flags, entry.Flags) {
				continue
			}
			if err := m.store.UpdateMessageFlags(ctx, k.ID, normalizeFlags(entry.Flags)); err != nil {
				log.WithError(err).WithField("uid", entry.UID).Warn("Failed to update flags")
				continue
			}
			result.UpdatedMessages++
			continue
		}

		msg, attachments := m.buildMessage(accountID, folder.ID, entry)
		if _, err := m.store.InsertMessage(ctx, msg, attachments); err != nil {
			log.WithError(err).WithField("uid", entry.UID).Warn("Failed to cache message")
			continue
		}
		result.NewMessages++
	}

	var gone []int64
	for uid, k := range known {
		if !onServer[uid] {
			gone = append(gone, k.ID)
		}
	}
	if len(gone) > 0 {
		deleted, err := m.store.DeleteMessages(ctx, gone)
		if err != nil {
			log.WithError(err).Warn("Failed to remove expunged messages")
		}
		result.DeletedMessages += int(deleted)
	}

	total, unread := len(entries), 0
	for i := range entries {
		if !hasFlag(entries[i].Flags, email.FlagSeen) {
			unread++
		}
	}
	if statusErr == nil {
		total, unread = int(status.Messages), int(status.Unseen)
	} else {
		log.WithError(statusErr).Debug("STATUS failed, counting fetched flags")
	}

	now := m.now().UTC()
	if err := m.store.UpdateFolderCounts(ctx, folder.ID, total, unread, now); err != nil {
		return result, err
	}
	if err := m.store.TouchAccountSync(ctx, accountID, now); err != nil {
		return result, err
	}

	log.WithFields(logrus.Fields{
		"new":         result.NewMessages,
		"updated":     result.UpdatedMessages,
		"deleted":     result.DeletedMessages,
		"invalidated": result.Invalidated,
	}).Info("Synced folder")

	return result, nil
}

// SyncAll reconciles the folder list and then syncs every selectable folder.
// A failing folder is recorded in the result and does not stop the others.
func (m *MessageSynchronizer) SyncAll(ctx context.Context, accountID int64) (*AccountSyncResult, error) {
	folderResult, err := m.folders.SyncFolders(ctx, accountID)
	if err != nil {
		return nil, err
	}

	folders, err := m.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, err
	}

	result := &AccountSyncResult{Folders: folderResult, Failed: map[string]string{}}
	for _, folder := range folders {
		if !folder.IsSelectable {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		r, err := m.SyncFolder(ctx, accountID, folder.Path)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"account": accountID,
				"folder":  folder.Path,
			}).Warn("Failed to sync folder")
			result.Failed[folder.Path] = err.Error()
			continue
		}
		result.Synced = append(result.Synced, *r)
	}
	return result, nil
}

func (m *MessageSynchronizer) buildMessage(accountID, folderID int64, entry *email.FetchEntry) (*types.Message, []types.Attachment) {
	env := entry.Envelope
	date := env.Date
	if date.IsZero() {
		date = entry.InternalDate
	}

	msg := &types.Message{
		AccountID:  accountID,
		FolderID:   folderID,
		UID:        entry.UID,
		MessageID:  env.MessageID,
		InReplyTo:  env.InReplyTo,
		References: entry.References,
		Subject:    env.Subject,
		From:       env.From,
		To:         env.To,
		Cc:         env.Cc,
		Bcc:        env.Bcc,
		ReplyTo:    env.ReplyTo,
		Date:       date,
		ReceivedAt: m.now().UTC(),
		Flags:      normalizeFlags(entry.Flags),
		Size:       entry.Size,
	}

	attachments := collectAttachments(entry.Structure)
	msg.HasAttachments = len(attachments) > 0
	msg.PreviewText = previewFromPart(partAt(entry.Structure, "1"), entry.Preview)
	return msg, attachments
}

// walkParts visits the leaves of a body structure with their IMAP part numbers.
func walkParts(part *email.BodyPart, path string, fn func(path string, part *email.BodyPart)) {
	if part == nil {
		return
	}
	if part.Multipart() {
		for i, child := range part.Parts {
			childPath := strconv.Itoa(i + 1)
			if path != "" {
				childPath = path + "." + childPath
			}
			walkParts(child, childPath, fn)
		}
		return
	}
	if path == "" {
		path = "1"
	}
	fn(path, part)
}

// partAt returns the node addressed by a dotted part number, or nil.
func partAt(root *email.BodyPart, path string) *email.BodyPart {
	if root == nil {
		return nil
	}
	if !root.Multipart() {
		if path == "1" {
			return root
		}
		return nil
	}
	node := root
	for _, seg := range strings.Split(path, ".") {
		n, err := strconv.Atoi(seg)
		if err != nil || node == nil || n < 1 || n > len(node.Parts) {
			return nil
		}
		node = node.Parts[n-1]
	}
	return node
}

func collectAttachments(root *email.BodyPart) []types.Attachment {
	var out []types.Attachment
	walkParts(root, "", func(path string, part *email.BodyPart) {
		if !isAttachment(part) {
			return
		}
		filename := part.Filename()
		if filename == "" {
			filename = "part-" + path
		}
		out = append(out, types.Attachment{
			PartID:      path,
			Filename:    filename,
			ContentType: part.ContentType(),
			Size:        part.Size,
			Disposition: strings.ToLower(part.Disposition),
			ContentID:   strings.Trim(part.ID, "<>"),
			Encoding:    strings.ToLower(part.Encoding),
		})
	})
	return out
}

// isAttachment reports whether the server gave the part an explicit
// disposition, inline or attachment.
func isAttachment(part *email.BodyPart) bool {
	return strings.TrimSpace(part.Disposition) != ""
}

// previewFromPart decodes the leading bytes of a text part into a one-line preview.
func previewFromPart(part *email.BodyPart, raw []byte) string {
	if part == nil || len(raw) == 0 || !strings.EqualFold(part.MIMEType, "text") {
		return ""
	}

	var h message.Header
	h.Set("Content-Type", mime.FormatMediaType(part.ContentType(), part.Params))
	if part.Encoding != "" {
		h.Set("Content-Transfer-Encoding", part.Encoding)
	}
	entity, err := message.New(h, bytes.NewReader(raw))
	if err != nil && entity == nil {
		return ""
	}
	// The fetch is truncated, so a decoding error at the tail is expected.
	decoded, _ := io.ReadAll(entity.Body)

	text := string(decoded)
	if strings.EqualFold(part.MIMESubType, "html") {
		if plain, err := html2text.FromString(text, html2text.Options{OmitLinks: true}); err == nil {
			text = plain
		}
	}
	return makePreview(text)
}

func makePreview(text string) string {
	text = strings.Join(strings.Fields(strings.ToValidUTF8(text, "")), " ")
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength])
}

func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := make(map[string]bool, len(flags))
	for _, f := range flags {
		key := strings.ToLower(f)
		if f == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

func sameFlags(a, b []string) bool {
	a, b = normalizeFlags(a), normalizeFlags(b)
	if len(a) != len(b) {
		return false
	}
	for _, f := range a {
		if !hasFlag(b, f) {
			return false
		}
	}
	return true
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
