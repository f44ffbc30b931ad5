package email

import (
	"context"
	"strings"
	"time"

	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/pkg/types"
)

// Well-known flags
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
)

// MailboxEntry is one row of a LIST response
type MailboxEntry struct {
	Path       string
	Delimiter  string
	Attributes []string
	Subscribed bool
}

// HasAttribute reports whether the mailbox carries attr (case-insensitive).
func (m MailboxEntry) HasAttribute(attr string) bool {
	for _, a := range m.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Name returns the last hierarchy segment of the path.
func (m MailboxEntry) Name() string {
	if m.Delimiter == "" {
		return m.Path
	}
	if i := strings.LastIndex(m.Path, m.Delimiter); i >= 0 {
		return m.Path[i+len(m.Delimiter):]
	}
	return m.Path
}

// ParentPath returns the path without its last segment, or "" at the top level.
func (m MailboxEntry) ParentPath() string {
	if m.Delimiter == "" {
		return ""
	}
	if i := strings.LastIndex(m.Path, m.Delimiter); i >= 0 {
		return m.Path[:i]
	}
	return ""
}

// Selectable reports whether the mailbox can be opened.
func (m MailboxEntry) Selectable() bool {
	return !m.HasAttribute(`\Noselect`) && !m.HasAttribute(`\NonExistent`)
}

// HasChildren reports whether the server advertised child mailboxes.
func (m MailboxEntry) HasChildren() bool {
	return m.HasAttribute(`\HasChildren`)
}

// SelectResult is the mailbox state reported when a mailbox is opened
type SelectResult struct {
	Path          string
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	Messages      uint32
	ReadOnly      bool
}

// StatusResult holds mailbox counters from a STATUS command
type StatusResult struct {
	Path          string
	Messages      uint32
	Unseen        uint32
	UIDNext       uint32
	UIDValidity   uint32
	HighestModSeq uint64
}

// Envelope is the parsed ENVELOPE of a message
type Envelope struct {
	Date      time.Time
	Subject   string
	MessageID string
	InReplyTo string
	From      []types.Address
	To        []types.Address
	Cc        []types.Address
	Bcc       []types.Address
	ReplyTo   []types.Address
}

// BodyPart is one node of a BODYSTRUCTURE tree
type BodyPart struct {
	MIMEType          string
	MIMESubType       string
	Params            map[string]string
	ID                string
	Encoding          string
	Size              uint32
	Disposition       string
	DispositionParams map[string]string
	Parts             []*BodyPart
}

// ContentType returns the lower-cased type/subtype.
func (p *BodyPart) ContentType() string {
	return strings.ToLower(p.MIMEType + "/" + p.MIMESubType)
}

// Multipart reports whether the node is a container.
func (p *BodyPart) Multipart() bool {
	return strings.EqualFold(p.MIMEType, "multipart")
}

// Filename returns the declared file name, if any.
func (p *BodyPart) Filename() string {
	if name := p.DispositionParams["filename"]; name != "" {
		return name
	}
	return p.Params["name"]
}

// FetchEntry is the header-level data of one message
type FetchEntry struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         uint32
	Envelope     Envelope
	Structure    *BodyPart
	References   []string
	// Preview holds the first bytes of part 1, still transfer-encoded.
	Preview []byte
}

// FlagOp selects whether StoreFlags adds or removes flags
type FlagOp int

const (
	FlagsAdd FlagOp = iota
	FlagsRemove
)

// UpdateKind classifies an unsolicited server notification
type UpdateKind int

const (
	UpdateMessageCount UpdateKind = iota
	UpdateFlags
	UpdateExpunge
)

// Update is an unsolicited notification tagged with the mailbox it refers to
type Update struct {
	Kind     UpdateKind
	Mailbox  string
	Messages uint32
	Delta    int
	SeqNum   uint32
	Flags    []string
}

// Session is one authenticated IMAP connection. Callers must not issue
// commands on a session concurrently.
type Session interface {
	List() ([]MailboxEntry, error)
	Select(path string, readOnly bool) (*SelectResult, error)
	Status(path string) (*StatusResult, error)
	// FetchHeaders fetches header data for uids, or for every message when uids is empty.
	FetchHeaders(uids []uint32) ([]FetchEntry, error)
	// FetchSection returns a body section of the selected mailbox's message.
	// An empty section fetches the whole message.
	FetchSection(uid uint32, section string) ([]byte, error)
	StoreFlags(uids []uint32, op FlagOp, flags []string) error
	Move(uids []uint32, dest string) error
	Expunge() error
	// Idle blocks until stop is closed or the connection drops.
	Idle(stop <-chan struct{}) error
	Updates() <-chan Update
	Logout() error
	Close() error
	// Done is closed when the underlying connection is gone.
	Done() <-chan struct{}
}

// Dialer opens authenticated sessions
type Dialer interface {
	Dial(ctx context.Context, creds *credential.Credentials) (Session, error)
}
