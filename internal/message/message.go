package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"strings"
	"time"
)

// Message is a snapshot of one message as known to either the remote
// store or the local cache.  Remote fetches fill in the fields named by
// the fetch profile used; fields outside the profile are left as they
// were.
type Message struct {
	// The message identifier within its folder.  Empty when no
	// identifier has been assigned yet.
	UID string

	// The current flag state.
	Flags FlagSet

	// The declared size of the message in bytes.
	Size int64

	// The date the server received the message.
	InternalDate time.Time

	// Parsed header summary.  Nil until an ENVELOPE fetch.
	Envelope *Envelope

	// The MIME tree.  Nil until a successful STRUCTURE fetch, and
	// also nil when the server could not describe the message.
	Structure *Part

	// Raw RFC 5322 content, possibly truncated (sane body).  Nil
	// until a BODY or BODY_SANE fetch.
	Body []byte

	// Content of individually fetched MIME parts keyed by part
	// path ("1", "1.2").
	Parts map[string][]byte

	// The per-message mod-sequence, when the server tracks them.
	ModSeq uint64
}

// Envelope holds the header fields needed to list a message without
// downloading it.
type Envelope struct {
	Date      time.Time
	Subject   string
	From      []string
	To        []string
	MessageID string
}

// Part is one node in a message's MIME tree.
type Part struct {
	// Dotted part path as used by IMAP BODY[<path>].  Empty for the
	// root of a multipart message.
	Path string

	// Lower case "type/subtype".
	MediaType string

	// Attachment file name, if any.
	Filename string

	Size     int64
	Children []*Part
}

// EffectiveDate returns the sent date if known, and the internal date
// otherwise.
func (m *Message) EffectiveDate() time.Time {
	if m.Envelope != nil && !m.Envelope.Date.IsZero() {
		return m.Envelope.Date
	}
	return m.InternalDate
}

// OlderThan reports whether the message predates t.  A zero t means no
// cutoff and always yields false, as does a message with no known date.
func (m *Message) OlderThan(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	d := m.EffectiveDate()
	if d.IsZero() {
		return false
	}
	return d.Before(t)
}

// SetPart records the content of a fetched MIME part.
func (m *Message) SetPart(path string, content []byte) {
	if m.Parts == nil {
		m.Parts = make(map[string][]byte)
	}
	m.Parts[path] = content
}

// Clone returns a copy of m that shares no mutable state with it.
func (m *Message) Clone() *Message {
	c := *m
	if m.Envelope != nil {
		e := *m.Envelope
		e.From = append([]string(nil), m.Envelope.From...)
		e.To = append([]string(nil), m.Envelope.To...)
		c.Envelope = &e
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Parts != nil {
		c.Parts = make(map[string][]byte, len(m.Parts))
		for k, v := range m.Parts {
			c.Parts[k] = v
		}
	}
	return &c
}

// TextParts returns the leaves of the tree that hold displayable text,
// in document order.  Attachments are skipped.
func (p *Part) TextParts() []*Part {
	var out []*Part
	var walk func(*Part)
	walk = func(n *Part) {
		if len(n.Children) > 0 {
			for _, c := range n.Children {
				walk(c)
			}
			return
		}
		if n.Filename == "" && strings.HasPrefix(n.MediaType, "text/") {
			out = append(out, n)
		}
	}
	walk(p)
	return out
}
