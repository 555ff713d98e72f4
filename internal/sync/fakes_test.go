package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

// fakeRemote is an in-memory remote folder that records its calls.
type fakeRemote struct {
	name string

	exists   bool
	createOK bool
	count    int

	uidValidity   uint64
	highestModSeq uint64
	flagsFetch    bool
	modSeq        bool
	resync        bool

	// Server side messages, oldest first.
	messages []*message.Message

	resyncResp *ResyncResponse
	resyncErr  error
	// UIDs returned by ExpungeResync.
	expungedNow []string
	// UIDs reported by FetchChangedSince.
	changedSince map[string]bool

	fetchErr map[message.FetchItem]error
	// Failures of FetchPart by UID.
	partErr  map[string]error

	opened, closed, expunged, created int
	fetches                          []message.FetchProfile
	fetchedUIDs                      [][]string
	changedSinceCalls                []uint64
	resyncParams                     []ResyncParams
	setFlags                         []string
	appended                         [][]byte
	moved                            []string
}

func newFakeRemote(name string) *fakeRemote {
	return &fakeRemote{name: name, exists: true, flagsFetch: true}
}

// add appends a server message with the next numeric UID.
func (r *fakeRemote) add(m *message.Message) *message.Message {
	if m.UID == "" {
		m.UID = fmt.Sprint(len(r.messages) + 1)
	}
	r.messages = append(r.messages, m)
	r.count = len(r.messages)
	return m
}

func (r *fakeRemote) find(uid string) *message.Message {
	for _, m := range r.messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

func (r *fakeRemote) Name() string { return r.name }

func (r *fakeRemote) Exists(ctx context.Context) (bool, error) { return r.exists, nil }

func (r *fakeRemote) Create(ctx context.Context, typ account.FolderType) (bool, error) {
	r.created++
	if r.createOK {
		r.exists = true
	}
	return r.createOK, nil
}

func (r *fakeRemote) Open(ctx context.Context, mode OpenMode) error {
	r.opened++
	return nil
}

func (r *fakeRemote) OpenResync(ctx context.Context, params ResyncParams) (*ResyncResponse, error) {
	r.resyncParams = append(r.resyncParams, params)
	if r.resyncErr != nil {
		return nil, r.resyncErr
	}
	r.opened++
	if r.resyncResp == nil {
		return &ResyncResponse{HighestModSeq: r.highestModSeq}, nil
	}
	return r.resyncResp, nil
}

func (r *fakeRemote) Close() error {
	r.closed++
	return nil
}

func (r *fakeRemote) SupportsFetchingFlags() bool { return r.flagsFetch }
func (r *fakeRemote) SupportsModSeq() bool        { return r.modSeq }
func (r *fakeRemote) SupportsResync() bool        { return r.resync }
func (r *fakeRemote) UIDValidity() uint64         { return r.uidValidity }
func (r *fakeRemote) HighestModSeq() uint64       { return r.highestModSeq }

func (r *fakeRemote) MessageCount(ctx context.Context) (int, error) { return r.count, nil }

func (r *fakeRemote) Messages(ctx context.Context, start, end int, earliest time.Time) ([]*message.Message, error) {
	if start < 1 || end > len(r.messages) || start > end {
		return nil, errors.Errorf("bad range %d:%d", start, end)
	}
	var out []*message.Message
	for _, m := range r.messages[start-1 : end] {
		out = append(out, &message.Message{UID: m.UID})
	}
	return out, nil
}

func (r *fakeRemote) AreMoreMessagesAvailable(ctx context.Context, start int, earliest time.Time) (bool, error) {
	return start > 1, nil
}

func (r *fakeRemote) Fetch(ctx context.Context, msgs []*message.Message, profile message.FetchProfile, fn FetchListener) error {
	r.fetches = append(r.fetches, slices.Clone(profile))
	var uids []string
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}
	r.fetchedUIDs = append(r.fetchedUIDs, uids)
	for _, item := range profile {
		if err := r.fetchErr[item]; err != nil {
			return err
		}
	}
	for i, m := range msgs {
		src := r.find(m.UID)
		if src == nil {
			continue
		}
		for _, item := range profile {
			switch item {
			case message.FetchFlags:
				m.Flags = src.Flags
			case message.FetchEnvelope:
				m.Envelope = src.Envelope
				m.Size = src.Size
				m.InternalDate = src.InternalDate
			case message.FetchStructure:
				m.Structure = src.Structure
			case message.FetchBody:
				m.Body = src.Body
			case message.FetchBodySane:
				m.Body = src.Body
				if len(m.Body) > 10 {
					m.Body = m.Body[:10]
				}
			}
		}
		if fn != nil {
			fn(m, i+1, len(msgs))
		}
	}
	return nil
}

func (r *fakeRemote) FetchPart(ctx context.Context, msg *message.Message, part *message.Part) error {
	if err := r.partErr[msg.UID]; err != nil {
		return err
	}
	msg.SetPart(part.Path, []byte("part "+part.Path))
	return nil
}

func (r *fakeRemote) FetchChangedSince(ctx context.Context, msgs []*message.Message, modSeq uint64, fn FetchListener) error {
	r.changedSinceCalls = append(r.changedSinceCalls, modSeq)
	n := 0
	for _, m := range msgs {
		if !r.changedSince[m.UID] {
			continue
		}
		n++
		if src := r.find(m.UID); src != nil {
			m.Flags = src.Flags
		}
		fn(m, n, len(msgs))
	}
	return nil
}

func (r *fakeRemote) Expunge(ctx context.Context) error {
	r.expunged++
	r.dropDeleted()
	return nil
}

func (r *fakeRemote) ExpungeResync(ctx context.Context) ([]string, error) {
	r.expunged++
	return append(slices.Clone(r.expungedNow), r.dropDeleted()...), nil
}

// dropDeleted removes the server messages flagged deleted and returns
// their UIDs.
func (r *fakeRemote) dropDeleted() []string {
	var gone []string
	r.messages = slices.DeleteFunc(r.messages, func(m *message.Message) bool {
		if m.Flags.Has(message.Deleted) {
			gone = append(gone, m.UID)
			return true
		}
		return false
	})
	r.count = len(r.messages)
	return gone
}

func (r *fakeRemote) SetFlags(ctx context.Context, uids []string, flag message.Flag, on bool) error {
	r.setFlags = append(r.setFlags, fmt.Sprintf("%v=%v %v", flag, on, uids))
	return nil
}

func (r *fakeRemote) AppendMessage(ctx context.Context, raw []byte, flags message.FlagSet, date time.Time) (string, error) {
	r.appended = append(r.appended, raw)
	return fmt.Sprint(len(r.messages) + 100), nil
}

func (r *fakeRemote) MoveMessages(ctx context.Context, uids []string, dest string) error {
	r.moved = append(r.moved, fmt.Sprintf("%v->%s", uids, dest))
	return nil
}

func (r *fakeRemote) fetchProfiles() []string {
	var out []string
	for _, p := range r.fetches {
		out = append(out, p.String())
	}
	return out
}

type fakeRemoteStore struct {
	folders map[string]*fakeRemote
	err     error
}

func (s *fakeRemoteStore) Folder(ctx context.Context, name string) (RemoteFolder, error) {
	if s.err != nil {
		return nil, s.err
	}
	f, ok := s.folders[name]
	if !ok {
		return nil, errors.Errorf("no remote folder %s", name)
	}
	return f, nil
}

// fakeLocal is an in-memory local folder that records its calls.
type fakeLocal struct {
	name string

	uidValidity  uint64
	modSeq       uint64
	modSeqValid  bool
	visibleLimit int
	more         bool
	status       string
	lastChecked  time.Time

	messages  map[string]*message.Message
	// Failures of AppendMessages by UID.
	appendErr map[string]error

	opened, closed int
	invalidated    int
	destroyed      [][]string
	setFlagCalls   []string
	appended       []string
}

func newFakeLocal(name string) *fakeLocal {
	return &fakeLocal{name: name, messages: make(map[string]*message.Message)}
}

func (l *fakeLocal) put(m *message.Message) *message.Message {
	l.messages[m.UID] = m
	return m
}

func (l *fakeLocal) Name() string                  { return l.name }
func (l *fakeLocal) Open(ctx context.Context) error { l.opened++; return nil }
func (l *fakeLocal) Close() error                   { l.closed++; return nil }

func (l *fakeLocal) UIDValidity(ctx context.Context) (uint64, error) { return l.uidValidity, nil }

func (l *fakeLocal) SetUIDValidity(ctx context.Context, v uint64) error {
	l.uidValidity = v
	return nil
}

func (l *fakeLocal) HighestModSeq(ctx context.Context) (uint64, bool, error) {
	return l.modSeq, l.modSeqValid, nil
}

func (l *fakeLocal) SetHighestModSeq(ctx context.Context, v uint64) error {
	l.modSeq, l.modSeqValid = v, true
	return nil
}

func (l *fakeLocal) InvalidateHighestModSeq(ctx context.Context) error {
	l.invalidated++
	l.modSeqValid = false
	return nil
}

func (l *fakeLocal) SmallestUID(ctx context.Context) (uint64, bool, error) {
	var min uint64
	found := false
	for uid := range l.messages {
		if n, ok := message.NumericUID(uid); ok && (!found || n < min) {
			min, found = n, true
		}
	}
	return min, found, nil
}

func (l *fakeLocal) VisibleLimit(ctx context.Context) (int, error) { return l.visibleLimit, nil }
func (l *fakeLocal) MessageCount(ctx context.Context) (int, error) { return len(l.messages), nil }

func (l *fakeLocal) AllMessagesAndEffectiveDates(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(l.messages))
	for uid, m := range l.messages {
		out[uid] = m.EffectiveDate()
	}
	return out, nil
}

func (l *fakeLocal) Message(ctx context.Context, uid string) (*message.Message, error) {
	m, ok := l.messages[uid]
	if !ok {
		return nil, nil
	}
	return m.Clone(), nil
}

func (l *fakeLocal) MessagesByUIDs(ctx context.Context, uids []string) ([]*message.Message, error) {
	var out []*message.Message
	for _, uid := range uids {
		if m, ok := l.messages[uid]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (l *fakeLocal) MessageBody(ctx context.Context, uid string) ([]byte, error) {
	if m, ok := l.messages[uid]; ok {
		return m.Body, nil
	}
	return nil, nil
}

func (l *fakeLocal) AppendMessages(ctx context.Context, msgs []*message.Message) error {
	for _, m := range msgs {
		if err := l.appendErr[m.UID]; err != nil {
			return err
		}
		c := m.Clone()
		if old, ok := l.messages[m.UID]; ok && c.Body == nil {
			c.Body = old.Body
		}
		l.messages[m.UID] = c
		l.appended = append(l.appended, m.UID)
	}
	return nil
}

func (l *fakeLocal) DestroyMessages(ctx context.Context, msgs []*message.Message) error {
	var uids []string
	for _, m := range msgs {
		uids = append(uids, m.UID)
		delete(l.messages, m.UID)
	}
	l.destroyed = append(l.destroyed, uids)
	return nil
}

func (l *fakeLocal) SetFlag(ctx context.Context, uid string, flag message.Flag, on bool) error {
	l.setFlagCalls = append(l.setFlagCalls, fmt.Sprintf("%s %v=%v", uid, flag, on))
	if m, ok := l.messages[uid]; ok {
		m.Flags = m.Flags.With(flag, on)
	}
	return nil
}

func (l *fakeLocal) SetMoreMessages(ctx context.Context, more bool) error {
	l.more = more
	return nil
}

func (l *fakeLocal) SetStatus(ctx context.Context, status string, lastChecked time.Time) error {
	l.status = status
	if !lastChecked.IsZero() {
		l.lastChecked = lastChecked
	}
	return nil
}

func (l *fakeLocal) allDestroyed() []string {
	var out []string
	for _, d := range l.destroyed {
		out = append(out, d...)
	}
	return out
}

type fakeLocalStore struct {
	folders map[string]*fakeLocal

	commands []PendingCommand
	nextID   int64
	removed  []int64
}

func newFakeLocalStore(folders ...*fakeLocal) *fakeLocalStore {
	s := &fakeLocalStore{folders: make(map[string]*fakeLocal)}
	for _, f := range folders {
		s.folders[f.name] = f
	}
	return s
}

func (s *fakeLocalStore) Folder(ctx context.Context, name string) (LocalFolder, error) {
	f, ok := s.folders[name]
	if !ok {
		f = newFakeLocal(name)
		s.folders[name] = f
	}
	return f, nil
}

func (s *fakeLocalStore) PendingCommands(ctx context.Context) ([]PendingCommand, error) {
	return slices.Clone(s.commands), nil
}

func (s *fakeLocalStore) AddPendingCommand(ctx context.Context, cmd PendingCommand) error {
	s.nextID++
	cmd.ID = s.nextID
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *fakeLocalStore) RemovePendingCommand(ctx context.Context, id int64) error {
	s.removed = append(s.removed, id)
	s.commands = slices.DeleteFunc(s.commands, func(c PendingCommand) bool { return c.ID == id })
	return nil
}

// recorder is a Listener that records every call as a line of text.
type recorder struct {
	mu     gosync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// matching returns the recorded events starting with prefix.
func (r *recorder) matching(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) SynchronizeMailboxStarted(a *account.Account, f string) {
	r.add("started %s", f)
}

func (r *recorder) SynchronizeMailboxHeadersStarted(a *account.Account, f string) {
	r.add("headersStarted %s", f)
}

func (r *recorder) SynchronizeMailboxHeadersProgress(a *account.Account, f string, completed, total int) {
	r.add("headersProgress %s %d/%d", f, completed, total)
}

func (r *recorder) SynchronizeMailboxHeadersFinished(a *account.Account, f string, total, completed int) {
	r.add("headersFinished %s %d %d", f, total, completed)
}

func (r *recorder) SynchronizeMailboxProgress(a *account.Account, f string, completed, total int) {
	r.add("progress %s %d/%d", f, completed, total)
}

func (r *recorder) SynchronizeMailboxNewMessage(a *account.Account, f string, m *message.Message) {
	r.add("new %s %s", f, m.UID)
}

func (r *recorder) SynchronizeMailboxRemovedMessage(a *account.Account, f string, m *message.Message) {
	r.add("removed %s %s", f, m.UID)
}

func (r *recorder) SynchronizeMailboxMessageUpdated(a *account.Account, f string, m *message.Message) {
	r.add("updated %s %s", f, m.UID)
}

func (r *recorder) SynchronizeMailboxFinished(a *account.Account, f string, total, newMessages int) {
	r.add("finished %s %d %d", f, total, newMessages)
}

func (r *recorder) SynchronizeMailboxFailed(a *account.Account, f string, reason string) {
	r.add("failed %s %s", f, reason)
}

func (r *recorder) PendingCommandsProcessing(a *account.Account) { r.add("pendingProcessing") }

func (r *recorder) PendingCommandStarted(a *account.Account, cmd string) {
	r.add("pendingStarted %s", cmd)
}

func (r *recorder) PendingCommandCompleted(a *account.Account, cmd string) {
	r.add("pendingCompleted %s", cmd)
}

func (r *recorder) PendingCommandsFinished(a *account.Account) { r.add("pendingFinished") }
