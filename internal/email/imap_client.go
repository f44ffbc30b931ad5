package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/pkg/types"
)

func init() {
	// Decode non-UTF-8 encoded words in envelopes.
	imap.CharsetReader = charset.Reader
}

const (
	previewBytes        = 512
	defaultUpdateBuffer = 64
)

var (
	referencesSection = &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier, Fields: []string{"References"}},
		Peek:         true,
	}
	previewSection = &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Path: []int{1}},
		Peek:         true,
		Partial:      []int{0, previewBytes},
	}
)

// IMAPDialer opens sessions with go-imap
type IMAPDialer struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Logger         *logrus.Logger
}

// NewIMAPDialer creates a dialer with the given timeouts
func NewIMAPDialer(connectTimeout, commandTimeout time.Duration, logger *logrus.Logger) *IMAPDialer {
	return &IMAPDialer{
		ConnectTimeout: connectTimeout,
		CommandTimeout: commandTimeout,
		Logger:         logger,
	}
}

type contextDialer struct {
	ctx    context.Context
	dialer *net.Dialer
}

func (d contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d.dialer.DialContext(d.ctx, network, addr)
}

// Dial connects according to the security mode and logs in. Failures are
// returned as *ConnectionError without an account ID; the pool fills it in.
func (d *IMAPDialer) Dial(ctx context.Context, creds *credential.Credentials) (Session, error) {
	addr := creds.Addr()
	netDialer := contextDialer{ctx: ctx, dialer: &net.Dialer{Timeout: d.ConnectTimeout}}
	tlsConfig := &tls.Config{
		ServerName: creds.Host,
		MinVersion: tls.VersionTLS12,
	}

	var (
		c   *client.Client
		err error
	)
	switch creds.Security {
	case types.SecurityNone, types.SecurityStartTLS:
		c, err = client.DialWithDialer(netDialer, addr)
	default:
		c, err = client.DialWithDialerTLS(netDialer, addr, tlsConfig)
	}
	if err != nil {
		return nil, &ConnectionError{Kind: classifyDialError(err), Err: fmt.Errorf("failed to connect to IMAP server: %w", err)}
	}

	c.Timeout = d.CommandTimeout

	if creds.Security == types.SecurityStartTLS {
		if ok, _ := c.SupportStartTLS(); !ok {
			c.Terminate() //nolint:errcheck
			return nil, &ConnectionError{Kind: KindTLS, Err: errors.New("server does not support STARTTLS")}
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Terminate() //nolint:errcheck
			return nil, &ConnectionError{Kind: KindTLS, Err: fmt.Errorf("starttls: %w", err)}
		}
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		c.Logout() //nolint:errcheck
		kind := KindAuthFailed
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			kind = classifyDialError(err)
		}
		return nil, &ConnectionError{Kind: kind, Err: fmt.Errorf("failed to login to IMAP server: %w", err)}
	}

	return newIMAPSession(c, d.Logger.WithField("host", creds.Host)), nil
}

// imapSession adapts a go-imap client to Session
type imapSession struct {
	client  *client.Client
	logger  *logrus.Entry
	raw     chan client.Update
	updates chan Update

	mu       sync.Mutex
	selected string
	counts   map[string]uint32
}

func newIMAPSession(c *client.Client, logger *logrus.Entry) *imapSession {
	s := &imapSession{
		client:  c,
		logger:  logger,
		raw:     make(chan client.Update, defaultUpdateBuffer),
		updates: make(chan Update, defaultUpdateBuffer),
		counts:  make(map[string]uint32),
	}
	c.Updates = s.raw
	go s.pump()
	return s
}

// pump converts raw client updates without ever blocking the client's reader.
func (s *imapSession) pump() {
	for {
		select {
		case <-s.client.LoggedOut():
			return
		case raw := <-s.raw:
			u, ok := s.convert(raw)
			if !ok {
				continue
			}
			select {
			case s.updates <- u:
			default:
				s.logger.WithField("mailbox", u.Mailbox).Warn("Dropping server update, consumer is slow")
			}
		}
	}
}

func (s *imapSession) convert(raw client.Update) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch u := raw.(type) {
	case *client.MailboxUpdate:
		if u.Mailbox == nil {
			return Update{}, false
		}
		name := u.Mailbox.Name
		if name == "" {
			name = s.selected
		}
		prev, known := s.counts[name]
		s.counts[name] = u.Mailbox.Messages
		delta := 0
		if known {
			delta = int(u.Mailbox.Messages) - int(prev)
		}
		return Update{Kind: UpdateMessageCount, Mailbox: name, Messages: u.Mailbox.Messages, Delta: delta}, true
	case *client.MessageUpdate:
		if u.Message == nil {
			return Update{}, false
		}
		return Update{Kind: UpdateFlags, Mailbox: s.selected, SeqNum: u.Message.SeqNum, Flags: u.Message.Flags}, true
	case *client.ExpungeUpdate:
		if n := s.counts[s.selected]; n > 0 {
			s.counts[s.selected] = n - 1
		}
		return Update{Kind: UpdateExpunge, Mailbox: s.selected, SeqNum: u.SeqNum, Delta: -1}, true
	}
	return Update{}, false
}

func (s *imapSession) List() ([]MailboxEntry, error) {
	subscribed, err := s.listInto(s.client.Lsub)
	if err != nil {
		return nil, protocolError("lsub", "", err)
	}
	subs := make(map[string]bool, len(subscribed))
	for _, m := range subscribed {
		subs[m.Path] = true
	}

	entries, err := s.listInto(s.client.List)
	if err != nil {
		return nil, protocolError("list", "", err)
	}
	for i := range entries {
		entries[i].Subscribed = subs[entries[i].Path]
	}
	return entries, nil
}

func (s *imapSession) listInto(list func(ref, name string, ch chan *imap.MailboxInfo) error) ([]MailboxEntry, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- list("", "*", mailboxes)
	}()

	var entries []MailboxEntry
	for m := range mailboxes {
		entries = append(entries, MailboxEntry{
			Path:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *imapSession) Select(path string, readOnly bool) (*SelectResult, error) {
	var modseq uint64
	if ok, _ := s.client.Support("CONDSTORE"); ok {
		if st, err := s.Status(path); err == nil {
			modseq = st.HighestModSeq
		} else {
			s.logger.WithError(err).WithField("mailbox", path).Debug("HIGHESTMODSEQ unavailable")
		}
	}

	mbox, err := s.client.Select(path, readOnly)
	if err != nil {
		return nil, protocolError("select", path, err)
	}

	s.mu.Lock()
	s.selected = path
	s.counts[path] = mbox.Messages
	s.mu.Unlock()

	return &SelectResult{
		Path:          path,
		UIDValidity:   mbox.UidValidity,
		UIDNext:       mbox.UidNext,
		HighestModSeq: modseq,
		Messages:      mbox.Messages,
		ReadOnly:      mbox.ReadOnly,
	}, nil
}

const statusHighestModSeq imap.StatusItem = "HIGHESTMODSEQ"

func (s *imapSession) Status(path string) (*StatusResult, error) {
	items := []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen, imap.StatusUidNext, imap.StatusUidValidity}
	if ok, _ := s.client.Support("CONDSTORE"); ok {
		items = append(items, statusHighestModSeq)
	}

	st, err := s.client.Status(path, items)
	if err != nil {
		return nil, protocolError("status", path, err)
	}

	res := &StatusResult{
		Path:        path,
		Messages:    st.Messages,
		Unseen:      st.Unseen,
		UIDNext:     st.UidNext,
		UIDValidity: st.UidValidity,
	}
	if raw, ok := st.Items[statusHighestModSeq]; ok {
		res.HighestModSeq = parseModSeq(raw)
	}
	return res, nil
}

func parseModSeq(raw interface{}) uint64 {
	switch v := raw.(type) {
	case uint32:
		return uint64(v)
	case uint64:
		return v
	case int64:
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	}
	return 0
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	if len(uids) == 0 {
		set.AddRange(1, 0)
		return set
	}
	set.AddNum(uids...)
	return set
}

func (s *imapSession) FetchHeaders(uids []uint32) ([]FetchEntry, error) {
	items := []imap.FetchItem{
		imap.FetchUid, imap.FetchFlags, imap.FetchEnvelope, imap.FetchBodyStructure,
		imap.FetchRFC822Size, imap.FetchInternalDate,
		referencesSection.FetchItem(), previewSection.FetchItem(),
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(uidSet(uids), items, messages)
	}()

	var entries []FetchEntry
	for msg := range messages {
		entries = append(entries, s.toFetchEntry(msg))
	}

	if err := <-done; err != nil {
		return nil, protocolError("uid fetch", s.current(), err)
	}
	return entries, nil
}

func (s *imapSession) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *imapSession) toFetchEntry(msg *imap.Message) FetchEntry {
	entry := FetchEntry{
		UID:          msg.Uid,
		Flags:        msg.Flags,
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
		Structure:    convertStructure(msg.BodyStructure),
	}

	if env := msg.Envelope; env != nil {
		entry.Envelope = Envelope{
			Date:      env.Date,
			Subject:   env.Subject,
			MessageID: trimMsgID(env.MessageId),
			InReplyTo: trimMsgID(env.InReplyTo),
			From:      convertAddresses(env.From),
			To:        convertAddresses(env.To),
			Cc:        convertAddresses(env.Cc),
			Bcc:       convertAddresses(env.Bcc),
			ReplyTo:   convertAddresses(env.ReplyTo),
		}
	}

	if lit := sectionBody(msg, referencesSection); lit != nil {
		entry.References = parseReferences(readLiteral(lit))
	}
	if lit := sectionBody(msg, previewSection); lit != nil {
		entry.Preview = readLiteral(lit)
	}
	return entry
}

// sectionBody finds the literal for section, tolerating servers that echo
// the section name differently from how it was requested.
func sectionBody(msg *imap.Message, section *imap.BodySectionName) imap.Literal {
	if lit := msg.GetBody(section); lit != nil {
		return lit
	}
	for name, lit := range msg.Body {
		if name == nil {
			continue
		}
		if name.Specifier == section.Specifier && pathEqual(name.Path, section.Path) {
			return lit
		}
	}
	return nil
}

func pathEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func parseReferences(raw []byte) []string {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil
	}
	h := mail.Header{}
	h.Header.Header = th
	ids, err := h.MsgIDList("References")
	if err != nil {
		return nil
	}
	return ids
}

func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func convertAddresses(list []*imap.Address) []types.Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]types.Address, 0, len(list))
	for _, a := range list {
		if a == nil || a.MailboxName == "" {
			continue
		}
		out = append(out, types.Address{Name: a.PersonalName, Address: a.Address()})
	}
	return out
}

func convertStructure(bs *imap.BodyStructure) *BodyPart {
	if bs == nil {
		return nil
	}
	part := &BodyPart{
		MIMEType:          bs.MIMEType,
		MIMESubType:       bs.MIMESubType,
		Params:            bs.Params,
		ID:                bs.Id,
		Encoding:          bs.Encoding,
		Size:              bs.Size,
		Disposition:       bs.Disposition,
		DispositionParams: bs.DispositionParams,
	}
	for _, child := range bs.Parts {
		part.Parts = append(part.Parts, convertStructure(child))
	}
	return part
}

func (s *imapSession) FetchSection(uid uint32, section string) ([]byte, error) {
	name := &imap.BodySectionName{Peek: true}
	if section != "" {
		parsed, err := imap.ParseBodySectionName(imap.FetchItem("BODY[" + section + "]"))
		if err != nil {
			return nil, fmt.Errorf("invalid section %q: %w", section, err)
		}
		name = parsed
		name.Peek = true
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(uidSet([]uint32{uid}), []imap.FetchItem{name.FetchItem()}, messages)
	}()

	var body []byte
	for msg := range messages {
		if lit := sectionBody(msg, name); lit != nil {
			body = readLiteral(lit)
		}
	}

	if err := <-done; err != nil {
		return nil, protocolError("uid fetch", s.current(), err)
	}
	return body, nil
}

func (s *imapSession) StoreFlags(uids []uint32, op FlagOp, flags []string) error {
	var mode imap.FlagsOp = imap.AddFlags
	if op == FlagsRemove {
		mode = imap.RemoveFlags
	}
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	err := s.client.UidStore(uidSet(uids), imap.FormatFlagsOp(mode, true), values, nil)
	return protocolError("uid store", s.current(), err)
}

func (s *imapSession) Move(uids []uint32, dest string) error {
	return protocolError("uid move", dest, s.client.UidMove(uidSet(uids), dest))
}

func (s *imapSession) Expunge() error {
	return protocolError("expunge", s.current(), s.client.Expunge(nil))
}

func (s *imapSession) Idle(stop <-chan struct{}) error {
	err := s.client.Idle(stop, &client.IdleOptions{
		LogoutTimeout: 25 * time.Minute,
		PollInterval:  time.Minute,
	})
	return protocolError("idle", s.current(), err)
}

func (s *imapSession) Updates() <-chan Update {
	return s.updates
}

func (s *imapSession) Logout() error {
	return s.client.Logout()
}

func (s *imapSession) Close() error {
	return s.client.Terminate()
}

func (s *imapSession) Done() <-chan struct{} {
	return s.client.LoggedOut()
}

// readLiteral reads content from an IMAP literal
func readLiteral(literal imap.Literal) []byte {
	b, _ := io.ReadAll(literal)
	return b
}
