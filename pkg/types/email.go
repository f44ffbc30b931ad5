package types

import (
	"strings"
	"time"
)

// SpecialUse identifies the role a folder plays for an account.
// The zero value means the folder has no special role.
type SpecialUse string

const (
	SpecialUseNone    SpecialUse = ""
	SpecialUseInbox   SpecialUse = "inbox"
	SpecialUseSent    SpecialUse = "sent"
	SpecialUseDrafts  SpecialUse = "drafts"
	SpecialUseTrash   SpecialUse = "trash"
	SpecialUseSpam    SpecialUse = "spam"
	SpecialUseArchive SpecialUse = "archive"
	SpecialUseAll     SpecialUse = "all"
	SpecialUseFlagged SpecialUse = "flagged"
)

// Valid reports whether u is a member of the closed special-use set.
func (u SpecialUse) Valid() bool {
	switch u {
	case SpecialUseNone, SpecialUseInbox, SpecialUseSent, SpecialUseDrafts, SpecialUseTrash,
		SpecialUseSpam, SpecialUseArchive, SpecialUseAll, SpecialUseFlagged:
		return true
	}
	return false
}

// Folder represents a mailbox on the server mirrored locally
type Folder struct {
	ID             int64      `json:"id" db:"id"`
	AccountID      int64      `json:"account_id" db:"account_id"`
	Name           string     `json:"name" db:"name"`
	Path           string     `json:"path" db:"path"`
	Delimiter      string     `json:"delimiter" db:"delimiter"`
	ParentPath     string     `json:"parent_path,omitempty" db:"parent_path"`
	SpecialUse     SpecialUse `json:"special_use,omitempty" db:"special_use"`
	UIDValidity    *uint32    `json:"uid_validity,omitempty" db:"uid_validity"`
	UIDNext        *uint32    `json:"uid_next,omitempty" db:"uid_next"`
	HighestModSeq  *uint64    `json:"highest_modseq,omitempty" db:"highest_modseq"`
	TotalMessages  int        `json:"total_messages" db:"total_messages"`
	UnreadMessages int        `json:"unread_messages" db:"unread_messages"`
	IsSelectable   bool       `json:"is_selectable" db:"is_selectable"`
	IsSubscribed   bool       `json:"is_subscribed" db:"is_subscribed"`
	HasChildren    bool       `json:"has_children" db:"has_children"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
}

// Address is a single mailbox in an address list header
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String formats the address the way it appears in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// Message represents the header-level mirror of a server message
type Message struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"account_id"`
	FolderID       int64     `json:"folder_id"`
	UID            uint32    `json:"uid"`
	MessageID      string    `json:"message_id,omitempty"`
	InReplyTo      string    `json:"in_reply_to,omitempty"`
	References     []string  `json:"references,omitempty"`
	Subject        string    `json:"subject"`
	From           []Address `json:"from"`
	To             []Address `json:"to,omitempty"`
	Cc             []Address `json:"cc,omitempty"`
	Bcc            []Address `json:"bcc,omitempty"`
	ReplyTo        []Address `json:"reply_to,omitempty"`
	Date           time.Time `json:"date"`
	ReceivedAt     time.Time `json:"received_at"`
	Flags          []string  `json:"flags"`
	Size           uint32    `json:"size"`
	HasAttachments bool      `json:"has_attachments"`
	PreviewText    string    `json:"preview_text,omitempty"`
}

// HasFlag reports whether the message carries flag (case-insensitive).
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// MessageBody holds the lazily fetched content of a message
type MessageBody struct {
	MessageID  int64     `json:"message_id"`
	TextBody   string    `json:"text_body,omitempty"`
	HTMLBody   string    `json:"html_body,omitempty"`
	RawHeaders string    `json:"raw_headers,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Attachment describes a body part; content is fetched on demand
type Attachment struct {
	ID          int64  `json:"id" db:"id"`
	MessageID   int64  `json:"message_id" db:"message_id"`
	PartID      string `json:"part_id" db:"part_id"`
	Filename    string `json:"filename" db:"filename"`
	ContentType string `json:"content_type" db:"content_type"`
	Size        uint32 `json:"size" db:"size"`
	Disposition string `json:"disposition" db:"disposition"`
	ContentID   string `json:"content_id,omitempty" db:"content_id"`
	Encoding    string `json:"encoding,omitempty" db:"encoding"`
}

// MessageSummary represents a summary of a message (for search results)
type MessageSummary struct {
	ID          int64     `json:"id"`
	AccountName string    `json:"account_name"`
	FolderPath  string    `json:"folder_path"`
	UID         uint32    `json:"uid"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
	Flags       []string  `json:"flags,omitempty"`
	Snippet     string    `json:"snippet"`
}
