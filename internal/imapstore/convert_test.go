package imapstore

import (
	"bytes"
	"strings"
	"testing"

	"github.com/matta/mailsync/internal/message"

	"github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestFlagsFromIMAP(t *testing.T) {
	var tests = []struct {
		in   []imap.Flag
		want message.FlagSet
	}{
		{nil, 0},
		{[]imap.Flag{imap.FlagSeen}, message.NewFlagSet(message.Seen)},
		{[]imap.Flag{"\\seen", "\\FLAGGED"}, message.NewFlagSet(message.Seen, message.Flagged)},
		{[]imap.Flag{"$Forwarded", imap.FlagDeleted, "$Junk"}, message.NewFlagSet(message.Forwarded, message.Deleted)},
	}
	for _, tt := range tests {
		if got := flagsFromIMAP(tt.in); got != tt.want {
			t.Errorf("flagsFromIMAP(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFlagsToIMAP(t *testing.T) {
	in := message.NewFlagSet(message.Seen, message.Draft, message.DownloadedFull)
	got := flagsToIMAP(in)
	want := []imap.Flag{imap.FlagSeen, imap.FlagDraft}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flagsToIMAP(%v) mismatch (-want +got):\n%s", in, diff)
	}
	if _, ok := flagToIMAP(message.Destroyed); ok {
		t.Errorf("flagToIMAP(Destroyed) ok = true, want false")
	}
}

func TestParseUID(t *testing.T) {
	var tests = []struct {
		in     string
		want   imap.UID
		wantOK bool
	}{
		{"1", 1, true},
		{"4294967295", 4294967295, true},
		{"0", 0, false},
		{"4294967296", 0, false},
		{message.LocalUIDPrefix + "abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseUID(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseUID(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIndexSkipsLocalUIDs(t *testing.T) {
	msgs := []*message.Message{
		{UID: "7"},
		{UID: message.LocalUIDPrefix + "x"},
		{UID: "3"},
		{UID: "7"},
	}
	byUID, set := index(msgs)
	if len(byUID) != 2 {
		t.Errorf("index() mapped %d messages, want 2", len(byUID))
	}
	for _, uid := range []imap.UID{3, 7} {
		if !set.Contains(uid) {
			t.Errorf("index() set %v missing %v", set, uid)
		}
	}
	if byUID[7] != msgs[3] {
		t.Errorf("index() kept the first of duplicate UIDs, want the last")
	}
}

func TestFetchOptions(t *testing.T) {
	opts := fetchOptions(message.NewFetchProfile(message.FetchFlags, message.FetchEnvelope), 0)
	if !opts.UID || !opts.Flags || !opts.Envelope || !opts.InternalDate || !opts.RFC822Size {
		t.Errorf("fetchOptions(FLAGS ENVELOPE) = %+v, missing items", opts)
	}
	if opts.BodyStructure != nil || opts.BodySection != nil {
		t.Errorf("fetchOptions(FLAGS ENVELOPE) requested structure or body")
	}

	opts = fetchOptions(message.NewFetchProfile(message.FetchBodySane), 1024)
	s := bodySection(opts)
	if s == nil || s.Partial == nil || s.Partial.Size != 1024 || !s.Peek {
		t.Errorf("fetchOptions(BODY_SANE) body section = %+v, want peek partial of 1024", s)
	}

	opts = fetchOptions(message.NewFetchProfile(message.FetchBody, message.FetchBodySane), 1024)
	if s := bodySection(opts); s == nil || s.Partial != nil || len(opts.BodySection) != 1 {
		t.Errorf("fetchOptions(BODY BODY_SANE) body sections = %v, want one whole body", opts.BodySection)
	}

	opts = fetchOptions(message.NewFetchProfile(message.FetchStructure), 0)
	if opts.BodyStructure == nil || !opts.BodyStructure.Extended {
		t.Errorf("fetchOptions(STRUCTURE) = %+v, want extended structure", opts.BodyStructure)
	}
}

func TestConvertStructure(t *testing.T) {
	single := &imap.BodyStructureSinglePart{Type: "TEXT", Subtype: "PLAIN", Size: 42}
	got := convertStructure(single)
	want := &message.Part{Path: "1", MediaType: "text/plain", Size: 42}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("convertStructure(single) mismatch (-want +got):\n%s", diff)
	}

	multi := &imap.BodyStructureMultiPart{
		Subtype: "MIXED",
		Children: []imap.BodyStructure{
			&imap.BodyStructureMultiPart{
				Subtype: "ALTERNATIVE",
				Children: []imap.BodyStructure{
					&imap.BodyStructureSinglePart{Type: "text", Subtype: "plain", Size: 10},
					&imap.BodyStructureSinglePart{Type: "text", Subtype: "html", Size: 20},
				},
			},
			&imap.BodyStructureSinglePart{Type: "image", Subtype: "png", Size: 300},
		},
	}
	got = convertStructure(multi)
	want = &message.Part{
		MediaType: "multipart/mixed",
		Size:      330,
		Children: []*message.Part{
			{
				Path:      "1",
				MediaType: "multipart/alternative",
				Size:      30,
				Children: []*message.Part{
					{Path: "1.1", MediaType: "text/plain", Size: 10},
					{Path: "1.2", MediaType: "text/html", Size: 20},
				},
			},
			{Path: "2", MediaType: "image/png", Size: 300},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("convertStructure(multi) mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePartPath(t *testing.T) {
	var tests = []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"1", []int{1}},
		{"1.2.3", []int{1, 2, 3}},
		{"1.x", nil},
		{"0", nil},
	}
	for _, tt := range tests {
		if got := parsePartPath(tt.in); !cmp.Equal(got, tt.want) {
			t.Errorf("parsePartPath(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConvertAddresses(t *testing.T) {
	in := []imap.Address{
		{Name: "Alice", Mailbox: "alice", Host: "example.com"},
		{Mailbox: "bob", Host: "example.org"},
	}
	got := convertAddresses(in)
	want := []string{`"Alice" <alice@example.com>`, "<bob@example.org>"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("convertAddresses() mismatch (-want +got):\n%s", diff)
	}
}

func TestDebugWriterRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	w := &debugWriter{log: zerolog.New(&buf).Level(zerolog.TraceLevel)}
	w.Write([]byte("a1 LOGIN alice hunter2\r\n"))
	w.Write([]byte("a2 SELECT INBOX\r\n"))
	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("debugWriter logged a password: %s", out)
	}
	if !strings.Contains(out, "SELECT INBOX") {
		t.Errorf("debugWriter dropped ordinary traffic: %s", out)
	}
}
