package persist

import (
	"context"
	"math"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/matta/mailsync/internal/bodystore"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/sync"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func TestDSNFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/var/mail/cache.db", "file:///var/mail/cache.db?_busy_timeout=10"},
		{"file:cache.db?mode=memory", "file:cache.db?_busy_timeout=10&mode=memory"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, map[string][]string{"_busy_timeout": {"10"}})
		if err != nil || got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, %v, want %q, nil", tc.path, got, err, tc.want)
		}
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	bodies, err := bodystore.New(filepath.Join(dir, "bodies"))
	require.NoError(t, err)
	db, err := Open(context.Background(), filepath.Join(dir, "cache.db"), bodies, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestFolder(t *testing.T, db *DB, name string) *Folder {
	t.Helper()
	lf, err := db.Folder(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, lf.Open(context.Background()))
	return lf.(*Folder)
}

func TestFolderState(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	f := openTestFolder(t, db, "INBOX")

	v, err := f.UIDValidity(ctx)
	require.NoError(t, err)
	require.Zero(t, v)
	_, valid, err := f.HighestModSeq(ctx)
	require.NoError(t, err)
	require.False(t, valid)

	require.NoError(t, f.SetUIDValidity(ctx, 4242))
	require.NoError(t, f.SetHighestModSeq(ctx, math.MaxUint64-1))
	v, err = f.UIDValidity(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4242), v)
	modSeq, valid, err := f.HighestModSeq(ctx)
	require.NoError(t, err)
	require.True(t, valid)
	require.Equal(t, uint64(math.MaxUint64-1), modSeq)

	require.NoError(t, f.InvalidateHighestModSeq(ctx))
	_, valid, err = f.HighestModSeq(ctx)
	require.NoError(t, err)
	require.False(t, valid)

	require.NoError(t, f.SetVisibleLimit(ctx, 50))
	n, err := f.VisibleLimit(ctx)
	require.NoError(t, err)
	require.Equal(t, 50, n)

	require.NoError(t, f.SetMoreMessages(ctx, true))
	more, err := f.MoreMessages(ctx)
	require.NoError(t, err)
	require.True(t, more)

	checked := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, f.SetStatus(ctx, "", checked))
	require.NoError(t, f.SetStatus(ctx, "Exception: EOF", time.Time{}))
	status, last, err := f.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "Exception: EOF", status)
	require.True(t, last.Equal(checked), "last checked %v, want %v", last, checked)

	// Reopening keeps the state.
	require.NoError(t, f.Open(ctx))
	v, err = f.UIDValidity(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4242), v)

	names, err := db.FolderNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"INBOX"}, names)
}

func TestFolderMessages(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	inbox := openTestFolder(t, db, "INBOX")
	sent := openTestFolder(t, db, "Sent")

	sentDate := time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC)
	received := time.Date(2024, 4, 2, 9, 31, 0, 0, time.UTC)
	msgs := []*message.Message{
		{
			UID:          "10",
			Flags:        message.NewFlagSet(message.Seen, message.DownloadedFull),
			Size:         1234,
			InternalDate: received,
			Envelope: &message.Envelope{
				Date:      sentDate,
				Subject:   "hello",
				From:      []string{"<a@example.com>"},
				To:        []string{"<b@example.com>", "<c@example.com>"},
				MessageID: "id@example.com",
			},
			Body: []byte("Subject: hello\r\n\r\nhi\r\n"),
		},
		{UID: "9", InternalDate: received},
		{UID: message.LocalUIDPrefix + "x", Envelope: &message.Envelope{Subject: "draft"}},
	}
	require.NoError(t, inbox.AppendMessages(ctx, msgs))
	require.NoError(t, sent.AppendMessages(ctx, []*message.Message{{UID: "10"}}))

	n, err := inbox.MessageCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, err := inbox.Message(ctx, "10")
	require.NoError(t, err)
	want := msgs[0].Clone()
	want.Body = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Message(10) mismatch (-want +got):\n%s", diff)
	}
	missing, err := inbox.Message(ctx, "11")
	require.NoError(t, err)
	require.Nil(t, missing)

	body, err := inbox.MessageBody(ctx, "10")
	require.NoError(t, err)
	require.Equal(t, msgs[0].Body, body)

	dates, err := inbox.AllMessagesAndEffectiveDates(ctx)
	require.NoError(t, err)
	wantDates := map[string]time.Time{
		"10":                          sentDate,
		"9":                           received,
		message.LocalUIDPrefix + "x": {},
	}
	if diff := cmp.Diff(wantDates, dates); diff != "" {
		t.Errorf("AllMessagesAndEffectiveDates() mismatch (-want +got):\n%s", diff)
	}

	smallest, ok, err := inbox.SmallestUID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), smallest)

	byUID, err := inbox.MessagesByUIDs(ctx, []string{"9", "404", "10", "9"})
	require.NoError(t, err)
	var uids []string
	for _, m := range byUID {
		uids = append(uids, m.UID)
	}
	require.Equal(t, []string{"9", "10"}, uids)

	// Replacing a row without content keeps the stored content.
	update := msgs[0].Clone()
	update.Body = nil
	update.Flags = update.Flags.With(message.Flagged, true)
	require.NoError(t, inbox.AppendMessages(ctx, []*message.Message{update}))
	body, err = inbox.MessageBody(ctx, "10")
	require.NoError(t, err)
	require.Equal(t, msgs[0].Body, body)

	require.NoError(t, inbox.SetFlag(ctx, "10", message.Seen, false))
	require.NoError(t, inbox.SetFlag(ctx, "9", message.Deleted, true))
	got, err = inbox.Message(ctx, "10")
	require.NoError(t, err)
	require.Equal(t, message.NewFlagSet(message.Flagged, message.DownloadedFull), got.Flags)
	got, err = inbox.Message(ctx, "9")
	require.NoError(t, err)
	require.True(t, got.Flags.Has(message.Deleted))

	require.NoError(t, inbox.DestroyMessages(ctx, byUID))
	n, err = inbox.MessageCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	body, err = inbox.MessageBody(ctx, "10")
	require.NoError(t, err)
	require.Nil(t, body)

	// Same UID in another folder is untouched.
	other, err := sent.Message(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestMessagesByUIDsSpansQueries(t *testing.T) {
	defer func(n int) { uidsPerQuery = n }(uidsPerQuery)
	uidsPerQuery = 2

	ctx := context.Background()
	db := openTestDB(t)
	inbox := openTestFolder(t, db, "INBOX")
	var msgs []*message.Message
	for i := 1; i <= 7; i++ {
		msgs = append(msgs, &message.Message{UID: strconv.Itoa(i)})
	}
	require.NoError(t, inbox.AppendMessages(ctx, msgs))

	got, err := inbox.MessagesByUIDs(ctx, []string{"7", "1", "404", "5", "1", "3", "6", "2"})
	require.NoError(t, err)
	var uids []string
	for _, m := range got {
		uids = append(uids, m.UID)
	}
	require.Equal(t, []string{"7", "1", "5", "3", "6", "2"}, uids)
}

func TestFolderParts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	f := openTestFolder(t, db, "INBOX")

	m := &message.Message{UID: "1", Flags: message.NewFlagSet(message.DownloadedPartial)}
	m.SetPart("1", []byte("text"))
	m.SetPart("2.1", []byte("<p>html</p>"))
	require.NoError(t, f.AppendMessages(ctx, []*message.Message{m}))

	parts, err := f.MessageParts(ctx, "1")
	require.NoError(t, err)
	if diff := cmp.Diff(m.Parts, parts); diff != "" {
		t.Errorf("MessageParts() mismatch (-want +got):\n%s", diff)
	}

	m = &message.Message{UID: "1"}
	m.SetPart("1", []byte("new text"))
	require.NoError(t, f.AppendMessages(ctx, []*message.Message{m}))
	parts, err = f.MessageParts(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"1": []byte("new text")}, parts)
}

func TestPendingCommands(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	cmds, err := db.PendingCommands(ctx)
	require.NoError(t, err)
	require.Empty(t, cmds)

	require.NoError(t, db.AddPendingCommand(ctx, sync.PendingCommand{Command: "setflag", Args: []string{"INBOX", "seen", "true", "1", "2"}}))
	require.NoError(t, db.AddPendingCommand(ctx, sync.PendingCommand{Command: "expunge", Args: []string{"INBOX"}}))
	require.NoError(t, db.AddPendingCommand(ctx, sync.PendingCommand{Command: "noop"}))

	cmds, err = db.PendingCommands(ctx)
	require.NoError(t, err)
	want := []sync.PendingCommand{
		{ID: 1, Command: "setflag", Args: []string{"INBOX", "seen", "true", "1", "2"}},
		{ID: 2, Command: "expunge", Args: []string{"INBOX"}},
		{ID: 3, Command: "noop", Args: []string{}},
	}
	if diff := cmp.Diff(want, cmds); diff != "" {
		t.Errorf("PendingCommands() mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, db.RemovePendingCommand(ctx, 2))
	cmds, err = db.PendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, "noop", cmds[1].Command)
}
