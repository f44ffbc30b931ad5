package tools

import (
	"context"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/pkg/types"
)

// searchMessagesTool searches mirrored messages
type searchMessagesTool struct {
	deps Deps
}

func (t *searchMessagesTool) Name() string {
	return "search_messages"
}

func (t *searchMessagesTool) Description() string {
	return "Search mirrored messages with flexible filters (sender, recipient, subject, text, date range, unread)"
}

// InputSchema returns the JSON schema for tool inputs
func (t *searchMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withAccount(map[string]interface{}{
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by folder path (requires an account)",
			},
			"sender": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by sender email/name",
			},
			"recipient": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by recipient email",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by subject (substring match)",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Full-text search over headers, previews and fetched bodies",
			},
			"date_from": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Start date (ISO 8601 format)",
			},
			"date_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: End date (ISO 8601 format)",
			},
			"unread": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Only unread (true) or only read (false) messages",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: SEARCH_RESULT_LIMIT)",
				"minimum":     1,
				"maximum":     1000,
			},
		}),
	}
}

// Execute executes the tool
func (t *searchMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	opts := cache.SearchOptions{}

	acc, err := optionalAccount(ctx, t.deps, params)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		opts.AccountID = &acc.ID
		if stringParam(params, "folder") != "" {
			folder, err := resolveFolder(ctx, t.deps, acc, params)
			if err != nil {
				return nil, err
			}
			opts.FolderID = &folder.ID
		}
	} else if stringParam(params, "folder") != "" {
		return nil, invalid("folder filter requires account_id or account_name")
	}

	if sender := stringParam(params, "sender"); sender != "" {
		opts.Sender = &sender
	}
	if recipient := stringParam(params, "recipient"); recipient != "" {
		opts.Recipient = &recipient
	}
	if subject := stringParam(params, "subject"); subject != "" {
		opts.Subject = &subject
	}
	if text := stringParam(params, "text"); text != "" {
		opts.Text = &text
	}
	if opts.DateFrom, err = timeParam(params, "date_from"); err != nil {
		return nil, err
	}
	if opts.DateTo, err = timeParam(params, "date_to"); err != nil {
		return nil, err
	}
	if unread, ok := params["unread"].(bool); ok {
		opts.Unread = &unread
	}
	if opts.Limit, err = limitParam(params, t.deps.SearchResultLimit); err != nil {
		return nil, err
	}

	results, err := t.cacheSearch(ctx, opts, acc != nil)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// cacheSearch runs the query, dropping hits from accounts the caller may not see
// when no account filter was given.
func (t *searchMessagesTool) cacheSearch(ctx context.Context, opts cache.SearchOptions, scoped bool) ([]types.MessageSummary, error) {
	results, err := t.deps.Store.Search(ctx, opts)
	if err != nil || scoped {
		return results, err
	}

	accounts, err := accessibleAccounts(ctx, t.deps)
	if err != nil {
		return nil, err
	}
	visible := make(map[string]bool, len(accounts))
	for _, acc := range accounts {
		visible[acc.Name] = true
	}

	filtered := results[:0]
	for _, r := range results {
		if visible[r.AccountName] {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}
