package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	AccountID *int64
	FolderID  *int64
	Sender    *string
	Recipient *string
	Subject   *string
	Text      *string
	DateFrom  *time.Time
	DateTo    *time.Time
	Unread    *bool
	Limit     int
}

const snippetLength = 200

// Search performs a search on cached messages
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]types.MessageSummary, error) {
	var conditions []string
	var args []interface{}

	if opts.AccountID != nil {
		conditions = append(conditions, "m.account_id = ?")
		args = append(args, *opts.AccountID)
	}

	if opts.FolderID != nil {
		conditions = append(conditions, "m.folder_id = ?")
		args = append(args, *opts.FolderID)
	}

	if opts.Sender != nil {
		conditions = append(conditions, "m.from_addrs LIKE ?")
		args = append(args, "%"+*opts.Sender+"%")
	}

	if opts.Recipient != nil {
		conditions = append(conditions, "(m.to_addrs LIKE ? OR m.cc_addrs LIKE ? OR m.bcc_addrs LIKE ?)")
		term := "%" + *opts.Recipient + "%"
		args = append(args, term, term, term)
	}

	if opts.Subject != nil {
		conditions = append(conditions, "m.subject LIKE ?")
		args = append(args, "%"+*opts.Subject+"%")
	}

	if opts.DateFrom != nil {
		conditions = append(conditions, "m.date >= ?")
		args = append(args, opts.DateFrom.UTC())
	}

	if opts.DateTo != nil {
		conditions = append(conditions, "m.date <= ?")
		args = append(args, opts.DateTo.UTC())
	}

	if opts.Unread != nil {
		if *opts.Unread {
			conditions = append(conditions, `m.flags NOT LIKE '%\Seen%'`)
		} else {
			conditions = append(conditions, `m.flags LIKE '%\Seen%'`)
		}
	}

	// Full-text search over headers, preview and fetched bodies
	if opts.Text != nil {
		if q := ftsQuery(*opts.Text); q != "" {
			conditions = append(conditions, "m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
			args = append(args, q)
		}
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT m.id, a.name, f.path, m.uid, m.subject, m.from_addrs, m.date, m.flags, m.preview_text
		FROM messages m
		JOIN accounts a ON m.account_id = a.id
		JOIN folders f ON m.folder_id = f.id
		%s
		ORDER BY m.date DESC
		LIMIT ?
	`, whereClause)

	args = append(args, limit)

	var rows []struct {
		ID          int64     `db:"id"`
		AccountName string    `db:"name"`
		FolderPath  string    `db:"path"`
		UID         uint32    `db:"uid"`
		Subject     string    `db:"subject"`
		From        string    `db:"from_addrs"`
		Date        time.Time `db:"date"`
		Flags       string    `db:"flags"`
		Preview     string    `db:"preview_text"`
	}
	if err := s.cache.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	results := make([]types.MessageSummary, 0, len(rows))
	for _, r := range rows {
		summary := types.MessageSummary{
			ID:          r.ID,
			AccountName: r.AccountName,
			FolderPath:  r.FolderPath,
			UID:         r.UID,
			Subject:     r.Subject,
			Date:        r.Date,
			Snippet:     snippet(r.Preview),
		}

		var from []types.Address
		if err := json.Unmarshal([]byte(r.From), &from); err == nil && len(from) > 0 {
			summary.SenderName = from[0].Name
			summary.SenderEmail = from[0].Address
		}
		if err := json.Unmarshal([]byte(r.Flags), &summary.Flags); err != nil {
			s.logger.WithError(err).WithField("message_id", r.ID).Warn("Failed to decode flags")
		}

		results = append(results, summary)
	}

	return results, nil
}

// ftsQuery turns free text into an FTS5 query matching every term literally.
func ftsQuery(text string) string {
	terms := strings.Fields(text)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func snippet(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= snippetLength {
		return string(runes)
	}
	return string(runes[:snippetLength]) + "..."
}
