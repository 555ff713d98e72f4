package gmail

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	gmail "google.golang.org/api/gmail/v1"
)

// System label ids with a flag meaning.
const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelTrash   = "TRASH"
	labelDraft   = "DRAFT"
	labelChat    = "CHAT"
)

// envelopeHeaders are requested in metadata fetches.
var envelopeHeaders = []string{"Date", "Subject", "From", "To", "Message-ID"}

// uidFromID turns a Gmail message id, a hex number, into a UID.
// Numeric UIDs keep the store's ordering rules working, and Gmail ids
// grow with time.
func uidFromID(id string) (string, error) {
	n, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return "", errors.Wrapf(err, "unexpected gmail message id %q", id)
	}
	return strconv.FormatUint(n, 10), nil
}

// idFromUID reverses uidFromID.  Local-only UIDs have no id.
func idFromUID(uid string) (string, bool) {
	n, err := strconv.ParseUint(uid, 10, 64)
	if err != nil || n == 0 {
		return "", false
	}
	return strconv.FormatUint(n, 16), true
}

func findLabel(labels []*gmail.Label, name string) string {
	for _, l := range labels {
		if l.Name == name {
			return l.Id
		}
	}
	for _, l := range labels {
		if l.Type == "system" && strings.EqualFold(l.Name, name) {
			return l.Id
		}
	}
	return ""
}

func isChat(msg *gmail.Message) bool {
	for _, label := range msg.LabelIds {
		if label == labelChat {
			return true
		}
	}
	return false
}

func flagsFromLabels(labels []string) message.FlagSet {
	s := message.NewFlagSet(message.Seen)
	for _, l := range labels {
		switch l {
		case labelUnread:
			s = s.With(message.Seen, false)
		case labelStarred:
			s = s.With(message.Flagged, true)
		case labelTrash:
			s = s.With(message.Deleted, true)
		case labelDraft:
			s = s.With(message.Draft, true)
		}
	}
	return s
}

// labelChange returns the labels to add and remove to set flag.  ok is
// false for flags Gmail cannot represent.
func labelChange(flag message.Flag, on bool) (add, remove []string, ok bool) {
	var label string
	switch flag {
	case message.Seen:
		// Seen is the absence of UNREAD.
		on = !on
		label = labelUnread
	case message.Flagged:
		label = labelStarred
	case message.Deleted:
		label = labelTrash
	default:
		return nil, nil, false
	}
	if on {
		return []string{label}, nil, true
	}
	return nil, []string{label}, true
}

// labelsForFlags lists the labels an uploaded message carries.
func labelsForFlags(s message.FlagSet) []string {
	var out []string
	if !s.Has(message.Seen) {
		out = append(out, labelUnread)
	}
	if s.Has(message.Flagged) {
		out = append(out, labelStarred)
	}
	return out
}

// envelopeFromHeaders parses the headers of a metadata fetch.
func envelopeFromHeaders(headers []*gmail.MessagePartHeader) (*message.Envelope, error) {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return message.ParseEnvelope(buf.Bytes())
}

func internalDate(msg *gmail.Message) time.Time {
	if msg.InternalDate == 0 {
		return time.Time{}
	}
	return time.UnixMilli(msg.InternalDate)
}

// convertStructure numbers parts the way IMAP does, so part paths
// are the same whichever store a message came from.
func convertStructure(p *gmail.MessagePart) *message.Part {
	if len(p.Parts) > 0 {
		return convertPart(p, "")
	}
	return convertPart(p, "1")
}

func convertPart(p *gmail.MessagePart, path string) *message.Part {
	out := &message.Part{
		Path:      path,
		MediaType: strings.ToLower(p.MimeType),
		Filename:  p.Filename,
	}
	if p.Body != nil {
		out.Size = p.Body.Size
	}
	for i, child := range p.Parts {
		n := strconv.Itoa(i + 1)
		if path != "" {
			n = path + "." + n
		}
		c := convertPart(child, n)
		out.Size += c.Size
		out.Children = append(out.Children, c)
	}
	return out
}

// findPart walks the payload to the part at an IMAP style path.
func findPart(root *gmail.MessagePart, path string) *gmail.MessagePart {
	if path == "" {
		return root
	}
	if len(root.Parts) == 0 {
		if path == "1" {
			return root
		}
		return nil
	}
	p := root
	for _, s := range strings.Split(path, ".") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(p.Parts) {
			return nil
		}
		p = p.Parts[n-1]
	}
	return p
}

func decode(data string) ([]byte, error) {
	// The API documents base64url; be lenient about padding.
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
	}
	return b, errors.Wrap(err, "unable to decode gmail content")
}

func encode(raw []byte) string {
	return base64.URLEncoding.EncodeToString(raw)
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
