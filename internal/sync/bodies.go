package sync

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// PlaceholderBody is served when no part of a message could be retrieved.
const PlaceholderBody = "(message body unavailable)"

// fallbackSections are tried one by one when the whole message cannot be read.
var fallbackSections = []string{"TEXT", "1", "1.1", "1.2", "2"}

var htmlMarker = regexp.MustCompile(`(?i)<html|<body|<!doctype`)

func looksLikeHTML(s string) bool {
	return htmlMarker.MatchString(s)
}

// FetchMessageBody returns the text and HTML bodies of a message, reading
// them from the server on first access and from the cache afterwards.
func (m *MessageSynchronizer) FetchMessageBody(ctx context.Context, accountID, messageID int64) (*types.MessageBody, error) {
	msg, folder, err := ownedMessage(ctx, m.store, accountID, messageID)
	if err != nil {
		return nil, err
	}

	if body, ok := m.bodies.Get(messageID); ok {
		return body, nil
	}
	body, err := m.store.GetMessageBody(ctx, messageID)
	if err == nil {
		m.bodies.Add(messageID, body)
		return body, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	log := m.logger.WithFields(logrus.Fields{
		"account": accountID,
		"folder":  folder.Path,
		"uid":     msg.UID,
	})

	err = m.pool.WithSession(ctx, accountID, func(s email.Session) error {
		if _, err := s.Select(folder.Path, true); err != nil {
			return err
		}
		body = downloadBody(s, msg.UID, log)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if body == nil {
		log.Warn("No body content found, serving placeholder")
		return &types.MessageBody{MessageID: messageID, TextBody: PlaceholderBody, FetchedAt: m.now().UTC()}, nil
	}

	body.MessageID = messageID
	body.FetchedAt = m.now().UTC()
	if err := m.store.SaveMessageBody(ctx, body); err != nil {
		return nil, err
	}
	m.bodies.Add(messageID, body)

	if m.opts.MaxStoredBodies > 0 {
		evicted, err := m.store.TrimBodies(ctx, accountID, m.opts.MaxStoredBodies)
		if err != nil {
			log.WithError(err).Warn("Failed to trim stored bodies")
		} else if evicted > 0 {
			log.WithField("evicted", evicted).Debug("Trimmed stored bodies")
		}
	}

	if msg.PreviewText == "" {
		text := body.TextBody
		if text == "" {
			text, _ = html2text.FromString(body.HTMLBody, html2text.Options{OmitLinks: true})
		}
		if preview := makePreview(text); preview != "" {
			if err := m.store.SetPreviewText(ctx, messageID, preview); err != nil {
				log.WithError(err).Warn("Failed to store preview")
			}
		}
	}

	return body, nil
}

// downloadBody reads the whole message, falling back to individual sections.
// It returns nil when nothing usable came back.
func downloadBody(s email.Session, uid uint32, log *logrus.Entry) *types.MessageBody {
	raw, err := s.FetchSection(uid, "")
	if err != nil {
		log.WithError(err).Debug("Whole-message fetch failed")
	} else if len(bytes.TrimSpace(raw)) > 0 {
		if body := parseMessage(raw, log); body != nil {
			return body
		}
	}

	body := &types.MessageBody{}
	for _, section := range fallbackSections {
		data, err := s.FetchSection(uid, section)
		if err != nil {
			log.WithError(err).WithField("section", section).Debug("Section fetch failed")
			continue
		}
		text := string(bytes.TrimSpace(data))
		if text == "" {
			continue
		}
		if looksLikeHTML(text) {
			if body.HTMLBody == "" {
				body.HTMLBody = text
			}
		} else if body.TextBody == "" {
			body.TextBody = text
		}
		if body.HTMLBody != "" && body.TextBody != "" {
			break
		}
	}
	if body.HTMLBody == "" && body.TextBody == "" {
		return nil
	}
	return body
}

// parseMessage splits a full RFC 5322 message into text and HTML bodies.
func parseMessage(raw []byte, log *logrus.Entry) *types.MessageBody {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		log.WithError(err).Debug("Failed to parse with enmime")
		return nil
	}

	body := &types.MessageBody{
		TextBody:   env.Text,
		HTMLBody:   env.HTML,
		RawHeaders: rawHeaders(raw),
	}

	// Parts without a usable content type end up as text; sniff them.
	if body.HTMLBody == "" && looksLikeHTML(body.TextBody) {
		body.HTMLBody = body.TextBody
		if plain, err := html2text.FromString(body.HTMLBody, html2text.Options{OmitLinks: true}); err == nil {
			body.TextBody = plain
		}
	}

	if strings.TrimSpace(body.TextBody) == "" && strings.TrimSpace(body.HTMLBody) == "" {
		return nil
	}
	return body
}

func rawHeaders(raw []byte) string {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 {
			return string(raw[:i])
		}
	}
	return ""
}
