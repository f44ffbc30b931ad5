// Package emailtest provides an in-memory IMAP server model and session for tests.
package emailtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
)

// Message is a message held by the fake server
type Message struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         uint32
	Envelope     email.Envelope
	Structure    *email.BodyPart
	References   []string
	Preview      []byte
	// Raw is returned for the whole-message section.
	Raw []byte
	// Sections maps section names such as "TEXT" or "1.2" to content.
	Sections map[string][]byte
}

// Mailbox is a mailbox held by the fake server
type Mailbox struct {
	Path        string
	Delimiter   string
	Attributes  []string
	Subscribed  bool
	UIDValidity uint32
	UIDNext     uint32
	Messages    []*Message
}

// Call records one command issued against the server
type Call struct {
	Op      string
	Mailbox string
	UIDs    []uint32
	Flags   []string
	Arg     string
}

// Server is a scripted IMAP server shared by the sessions it hands out
type Server struct {
	mu        sync.Mutex
	mailboxes map[string]*Mailbox
	calls     []Call
	failures  map[string]error
}

// NewServer creates an empty server
func NewServer() *Server {
	return &Server{
		mailboxes: make(map[string]*Mailbox),
		failures:  make(map[string]error),
	}
}

// AddMailbox creates or replaces a mailbox
func (s *Server) AddMailbox(path string, uidValidity uint32, attrs ...string) *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := &Mailbox{Path: path, Delimiter: "/", Attributes: attrs, Subscribed: true, UIDValidity: uidValidity, UIDNext: 1}
	s.mailboxes[path] = mb
	return mb
}

// RemoveMailbox deletes a mailbox
func (s *Server) RemoveMailbox(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mailboxes, path)
}

// AddMessage appends a message with the given UID to a mailbox
func (s *Server) AddMessage(path string, msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailboxes[path]
	if msg.InternalDate.IsZero() {
		msg.InternalDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	if msg.Envelope.Date.IsZero() {
		msg.Envelope.Date = msg.InternalDate
	}
	mb.Messages = append(mb.Messages, msg)
	sort.Slice(mb.Messages, func(i, j int) bool { return mb.Messages[i].UID < mb.Messages[j].UID })
	if msg.UID >= mb.UIDNext {
		mb.UIDNext = msg.UID + 1
	}
}

// Renumber replaces a mailbox's UIDVALIDITY and messages
func (s *Server) Renumber(path string, uidValidity uint32, msgs ...*Message) {
	s.mu.Lock()
	mb := s.mailboxes[path]
	mb.UIDValidity = uidValidity
	mb.Messages = nil
	mb.UIDNext = 1
	s.mu.Unlock()
	for _, m := range msgs {
		s.AddMessage(path, m)
	}
}

// Expunge removes messages by UID without recording a call
func (s *Server) Expunge(path string, uids ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailboxes[path]
	drop := uidLookup(uids)
	kept := mb.Messages[:0]
	for _, m := range mb.Messages {
		if !drop[m.UID] {
			kept = append(kept, m)
		}
	}
	mb.Messages = kept
}

// SetFlags overwrites a message's flags without recording a call
func (s *Server) SetFlags(path string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.mailboxes[path].find(uid); m != nil {
		m.Flags = flags
	}
}

// Mailbox returns a snapshot of a mailbox's UIDs and flags
func (s *Server) Mailbox(path string) (uids []uint32, flags map[uint32][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags = make(map[uint32][]string)
	mb, ok := s.mailboxes[path]
	if !ok {
		return nil, flags
	}
	for _, m := range mb.Messages {
		uids = append(uids, m.UID)
		flags[m.UID] = append([]string(nil), m.Flags...)
	}
	return uids, flags
}

// FailOn makes the next commands matching op (optionally "op:mailbox") fail
func (s *Server) FailOn(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = err
}

// DropOn makes the next commands matching key close the transport instead of
// answering
func (s *Server) DropOn(key string) {
	s.FailOn(key, errDropped)
}

// ClearFailures removes all injected failures
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]error)
}

// Calls returns the commands issued so far, optionally filtered by op
func (s *Server) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Server) record(c Call) error {
	s.calls = append(s.calls, c)
	if err, ok := s.failures[c.Op+":"+c.Mailbox]; ok {
		return err
	}
	if err, ok := s.failures[c.Op]; ok {
		return err
	}
	return nil
}

func (mb *Mailbox) find(uid uint32) *Message {
	if mb == nil {
		return nil
	}
	for _, m := range mb.Messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

func uidLookup(uids []uint32) map[uint32]bool {
	set := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		set[u] = true
	}
	return set
}

// Session is a fake email.Session backed by a Server
type Session struct {
	server   *Server
	updates  chan email.Update
	done     chan struct{}
	dropOnce sync.Once

	mu       sync.Mutex
	selected string
	loggedIn bool
}

var _ email.Session = (*Session)(nil)

// NewSession returns a session connected to server
func NewSession(server *Server) *Session {
	return &Session{
		server:   server,
		updates:  make(chan email.Update, 16),
		done:     make(chan struct{}),
		loggedIn: true,
	}
}

var (
	errNoMailbox = errors.New("NO mailbox does not exist")
	errDropped   = errors.New("connection closed")
)

func (s *Session) record(c Call) error {
	err := s.server.record(c)
	if errors.Is(err, errDropped) {
		s.Drop()
	}
	return err
}

// Push delivers an unsolicited update
func (s *Session) Push(u email.Update) {
	s.updates <- u
}

// Drop simulates the transport closing underneath the client
func (s *Session) Drop() {
	s.dropOnce.Do(func() { close(s.done) })
}

// Selected returns the currently selected mailbox path
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) List() ([]email.MailboxEntry, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: "list"}); err != nil {
		return nil, err
	}
	var entries []email.MailboxEntry
	for _, mb := range s.server.mailboxes {
		entries = append(entries, email.MailboxEntry{
			Path:       mb.Path,
			Delimiter:  mb.Delimiter,
			Attributes: mb.Attributes,
			Subscribed: mb.Subscribed,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *Session) Select(path string, readOnly bool) (*email.SelectResult, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: "select", Mailbox: path}); err != nil {
		return nil, err
	}
	mb, ok := s.server.mailboxes[path]
	if !ok {
		return nil, errNoMailbox
	}
	s.mu.Lock()
	s.selected = path
	s.mu.Unlock()
	return &email.SelectResult{
		Path:        path,
		UIDValidity: mb.UIDValidity,
		UIDNext:     mb.UIDNext,
		Messages:    uint32(len(mb.Messages)),
		ReadOnly:    readOnly,
	}, nil
}

func (s *Session) Status(path string) (*email.StatusResult, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: "status", Mailbox: path}); err != nil {
		return nil, err
	}
	mb, ok := s.server.mailboxes[path]
	if !ok {
		return nil, errNoMailbox
	}
	var unseen uint32
	for _, m := range mb.Messages {
		if !hasFlag(m.Flags, email.FlagSeen) {
			unseen++
		}
	}
	return &email.StatusResult{
		Path:        path,
		Messages:    uint32(len(mb.Messages)),
		Unseen:      unseen,
		UIDNext:     mb.UIDNext,
		UIDValidity: mb.UIDValidity,
	}, nil
}

func (s *Session) FetchHeaders(uids []uint32) ([]email.FetchEntry, error) {
	path := s.current()
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: "fetch", Mailbox: path, UIDs: uids}); err != nil {
		return nil, err
	}
	mb := s.server.mailboxes[path]
	if mb == nil {
		return nil, errNoMailbox
	}
	want := uidLookup(uids)
	var entries []email.FetchEntry
	for _, m := range mb.Messages {
		if len(uids) > 0 && !want[m.UID] {
			continue
		}
		entries = append(entries, email.FetchEntry{
			UID:          m.UID,
			Flags:        append([]string(nil), m.Flags...),
			InternalDate: m.InternalDate,
			Size:         m.Size,
			Envelope:     m.Envelope,
			Structure:    m.Structure,
			References:   m.References,
			Preview:      m.Preview,
		})
	}
	return entries, nil
}

func (s *Session) FetchSection(uid uint32, section string) ([]byte, error) {
	path := s.current()
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: "fetch-section", Mailbox: path, UIDs: []uint32{uid}, Arg: section}); err != nil {
		return nil, err
	}
	m := s.server.mailboxes[path].find(uid)
	if m == nil {
		return nil, nil
	}
	if section == "" {
		return m.Raw, nil
	}
	return m.Sections[section], nil
}

func (s *Session) StoreFlags(uids []uint32, op email.FlagOp, flags []string) error {
	path := s.current()
	name := "store+"
	if op == email.FlagsRemove {
		name = "store-"
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: name, Mailbox: path, UIDs: uids, Flags: flags}); err != nil {
		return err
	}
	mb := s.server.mailboxes[path]
	for _, uid := range uids {
		m := mb.find(uid)
		if m == nil {
			continue
		}
		if op == email.FlagsAdd {
			for _, f := range flags {
				if !hasFlag(m.Flags, f) {
					m.Flags = append(m.Flags, f)
				}
			}
		} else {
			kept := m.Flags[:0]
			for _, f := range m.Flags {
				if !hasFlag(flags, f) {
					kept = append(kept, f)
				}
			}
			m.Flags = kept
		}
	}
	return nil
}

func (s *Session) Move(uids []uint32, dest string) error {
	path := s.current()
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: "move", Mailbox: path, UIDs: uids, Arg: dest}); err != nil {
		return err
	}
	src, dst := s.server.mailboxes[path], s.server.mailboxes[dest]
	if dst == nil {
		return errNoMailbox
	}
	move := uidLookup(uids)
	kept := src.Messages[:0]
	for _, m := range src.Messages {
		if !move[m.UID] {
			kept = append(kept, m)
			continue
		}
		moved := *m
		moved.UID = dst.UIDNext
		dst.UIDNext++
		dst.Messages = append(dst.Messages, &moved)
	}
	src.Messages = kept
	return nil
}

func (s *Session) Expunge() error {
	path := s.current()
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if err := s.record(Call{Op: "expunge", Mailbox: path}); err != nil {
		return err
	}
	mb := s.server.mailboxes[path]
	kept := mb.Messages[:0]
	for _, m := range mb.Messages {
		if !hasFlag(m.Flags, email.FlagDeleted) {
			kept = append(kept, m)
		}
	}
	mb.Messages = kept
	return nil
}

func (s *Session) Idle(stop <-chan struct{}) error {
	s.server.mu.Lock()
	err := s.record(Call{Op: "idle", Mailbox: s.current()})
	s.server.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-stop:
		return nil
	case <-s.done:
		return errors.New("connection closed")
	}
}

func (s *Session) Updates() <-chan email.Update {
	return s.updates
}

func (s *Session) Logout() error {
	s.server.mu.Lock()
	s.record(Call{Op: "logout"}) //nolint:errcheck
	s.server.mu.Unlock()
	s.mu.Lock()
	s.loggedIn = false
	s.mu.Unlock()
	return nil
}

func (s *Session) Close() error {
	s.Drop()
	return nil
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Dialer hands out sessions on a Server and counts dial attempts
type Dialer struct {
	Server *Server
	// Err, when set, is returned by every dial.
	Err error
	// Delay is applied before each dial completes.
	Delay time.Duration

	dials    atomic.Int32
	mu       sync.Mutex
	sessions []*Session
}

var _ email.Dialer = (*Dialer)(nil)

// Dial implements email.Dialer
func (d *Dialer) Dial(ctx context.Context, creds *credential.Credentials) (email.Session, error) {
	d.dials.Add(1)
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	if creds == nil || creds.Username == "" {
		return nil, &email.ConnectionError{Kind: email.KindAuthFailed, Err: fmt.Errorf("missing username")}
	}
	s := NewSession(d.Server)
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Dials returns the number of dial attempts
func (d *Dialer) Dials() int {
	return int(d.dials.Load())
}

// LastSession returns the most recently dialed session
func (d *Dialer) LastSession() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
