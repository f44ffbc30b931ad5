package sync

import (
	"strings"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

var specialUseAttributes = []struct {
	attr string
	use  types.SpecialUse
}{
	{`\Sent`, types.SpecialUseSent},
	{`\Drafts`, types.SpecialUseDrafts},
	{`\Trash`, types.SpecialUseTrash},
	{`\Junk`, types.SpecialUseSpam},
	{`\Archive`, types.SpecialUseArchive},
	{`\All`, types.SpecialUseAll},
	{`\Flagged`, types.SpecialUseFlagged},
}

// DetectSpecialUse classifies a mailbox by its declared attributes, falling
// back to its name.
func DetectSpecialUse(entry email.MailboxEntry) types.SpecialUse {
	if strings.EqualFold(entry.Path, "INBOX") {
		return types.SpecialUseInbox
	}
	for _, a := range specialUseAttributes {
		if entry.HasAttribute(a.attr) {
			return a.use
		}
	}

	name := strings.ToLower(entry.Name())
	switch {
	case name == "inbox":
		return types.SpecialUseInbox
	case strings.Contains(name, "sent"):
		return types.SpecialUseSent
	case strings.Contains(name, "draft"):
		return types.SpecialUseDrafts
	case strings.Contains(name, "trash"), strings.Contains(name, "deleted"):
		return types.SpecialUseTrash
	case strings.Contains(name, "spam"), strings.Contains(name, "junk"):
		return types.SpecialUseSpam
	case strings.Contains(name, "archive"):
		return types.SpecialUseArchive
	}
	return types.SpecialUseNone
}
