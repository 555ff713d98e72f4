package imapstore

// Conversions between go-imap types and the message package.

import (
	"sort"
	"strconv"
	"strings"

	"github.com/matta/mailsync/internal/message"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

var flagTable = []struct {
	flag message.Flag
	imap imap.Flag
}{
	{message.Seen, imap.FlagSeen},
	{message.Answered, imap.FlagAnswered},
	{message.Flagged, imap.FlagFlagged},
	{message.Forwarded, imap.FlagForwarded},
	{message.Deleted, imap.FlagDeleted},
	{message.Draft, imap.FlagDraft},
}

func flagsFromIMAP(flags []imap.Flag) message.FlagSet {
	var s message.FlagSet
	for _, f := range flags {
		for _, e := range flagTable {
			if strings.EqualFold(string(f), string(e.imap)) {
				s = s.With(e.flag, true)
			}
		}
	}
	return s
}

func flagToIMAP(f message.Flag) (imap.Flag, bool) {
	for _, e := range flagTable {
		if e.flag == f {
			return e.imap, true
		}
	}
	return "", false
}

// flagsToIMAP drops local bookkeeping flags.
func flagsToIMAP(s message.FlagSet) []imap.Flag {
	var out []imap.Flag
	for _, f := range s.List() {
		if fl, ok := flagToIMAP(f); ok {
			out = append(out, fl)
		}
	}
	return out
}

func formatUID(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// parseUID accepts only server assigned UIDs.
func parseUID(s string) (imap.UID, bool) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return imap.UID(n), true
}

// uidSet builds a set from the numeric UIDs in uids, skipping the rest.
func uidSet(uids []string) imap.UIDSet {
	var set imap.UIDSet
	for _, s := range uids {
		if uid, ok := parseUID(s); ok {
			set.AddNum(uid)
		}
	}
	return set
}

// index maps the numeric UIDs of msgs to the messages.
func index(msgs []*message.Message) (map[imap.UID]*message.Message, imap.UIDSet) {
	byUID := make(map[imap.UID]*message.Message, len(msgs))
	var set imap.UIDSet
	for _, m := range msgs {
		uid, ok := parseUID(m.UID)
		if !ok {
			continue
		}
		if _, dup := byUID[uid]; !dup {
			set.AddNum(uid)
		}
		byUID[uid] = m
	}
	return byUID, set
}

// bodySection returns the body item of opts, or nil.
func bodySection(opts *imap.FetchOptions) *imap.FetchItemBodySection {
	if len(opts.BodySection) == 0 {
		return nil
	}
	return opts.BodySection[0]
}

func fetchOptions(profile message.FetchProfile, maxBody int64) *imap.FetchOptions {
	opts := &imap.FetchOptions{UID: true}
	for _, item := range profile {
		switch item {
		case message.FetchFlags:
			opts.Flags = true
		case message.FetchEnvelope:
			opts.Envelope = true
			opts.InternalDate = true
			opts.RFC822Size = true
		case message.FetchStructure:
			opts.BodyStructure = &imap.FetchItemBodyStructure{Extended: true}
		case message.FetchBody:
			opts.BodySection = []*imap.FetchItemBodySection{{Peek: true}}
		case message.FetchBodySane:
			if opts.BodySection != nil {
				break
			}
			section := &imap.FetchItemBodySection{Peek: true}
			if maxBody > 0 {
				section.Partial = &imap.SectionPartial{Offset: 0, Size: maxBody}
			}
			opts.BodySection = []*imap.FetchItemBodySection{section}
		}
	}
	return opts
}

// applyFetch copies the items requested by opts from buf onto m.
func applyFetch(m *message.Message, buf *imapclient.FetchMessageBuffer, opts *imap.FetchOptions) {
	if opts.Flags {
		m.Flags = flagsFromIMAP(buf.Flags)
	}
	if opts.InternalDate && !buf.InternalDate.IsZero() {
		m.InternalDate = buf.InternalDate
	}
	if opts.RFC822Size {
		m.Size = buf.RFC822Size
	}
	if opts.Envelope && buf.Envelope != nil {
		m.Envelope = convertEnvelope(buf.Envelope)
	}
	if opts.BodyStructure != nil && buf.BodyStructure != nil {
		m.Structure = convertStructure(buf.BodyStructure)
	}
	if s := bodySection(opts); s != nil {
		if body := buf.FindBodySection(s); body != nil {
			m.Body = body
		}
	}
	if buf.ModSeq != 0 {
		m.ModSeq = buf.ModSeq
	}
}

func convertEnvelope(e *imap.Envelope) *message.Envelope {
	return &message.Envelope{
		Date:      e.Date,
		Subject:   e.Subject,
		From:      convertAddresses(e.From),
		To:        convertAddresses(e.To),
		MessageID: e.MessageID,
	}
}

func convertAddresses(list []imap.Address) []string {
	var out []string
	for _, a := range list {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		addr := mail.Address{Name: a.Name, Address: a.Addr()}
		out = append(out, addr.String())
	}
	return out
}

// convertStructure numbers parts the way BODY[<path>] expects: the
// body of a single part message is "1" and the root of a multipart
// message has no path.
func convertStructure(bs imap.BodyStructure) *message.Part {
	if _, ok := bs.(*imap.BodyStructureMultiPart); ok {
		return convertPart(bs, "")
	}
	return convertPart(bs, "1")
}

func convertPart(bs imap.BodyStructure, path string) *message.Part {
	p := &message.Part{Path: path, MediaType: strings.ToLower(bs.MediaType())}
	switch bs := bs.(type) {
	case *imap.BodyStructureMultiPart:
		for i, child := range bs.Children {
			n := strconv.Itoa(i + 1)
			if path != "" {
				n = path + "." + n
			}
			c := convertPart(child, n)
			p.Size += c.Size
			p.Children = append(p.Children, c)
		}
	case *imap.BodyStructureSinglePart:
		p.Size = int64(bs.Size)
		p.Filename = bs.Filename()
	}
	return p
}

// parsePartPath turns "1.2" into []int{1, 2}.  Malformed components
// are dropped.
func parsePartPath(path string) []int {
	if path == "" {
		return nil
	}
	var out []int
	for _, s := range strings.Split(path, ".") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// sortedUIDs returns the numeric UIDs in set order.
func sortedUIDs(uids []imap.UID) []imap.UID {
	out := append([]imap.UID(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
