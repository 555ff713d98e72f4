// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package imapstore

import (
	"bytes"
	"context"
	gosync "sync"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Folder is one IMAP mailbox on its own connection.
type Folder struct {
	name        string
	log         zerolog.Logger
	maxBodySize int64
	limiter     *rate.Limiter

	client *imapclient.Client
	caps   imap.CapSet

	mu            gosync.Mutex
	count         uint32
	uidValidity   uint32
	highestModSeq uint64
	selected      bool
}

var _ sync.RemoteFolder = (*Folder)(nil)

func (f *Folder) setCount(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = n
}

func (f *Folder) expunged() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count > 0 {
		f.count--
	}
}

func (f *Folder) noteModSeq(modSeq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if modSeq > f.highestModSeq {
		f.highestModSeq = modSeq
	}
}

// wait paces commands.
func (f *Folder) wait(ctx context.Context) error {
	return f.limiter.Wait(ctx)
}

func (f *Folder) Name() string { return f.name }

func (f *Folder) Exists(ctx context.Context) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	boxes, err := f.client.List("", f.name, nil).Collect()
	if err != nil {
		return false, serverError(err, "unable to list folder %s", f.name)
	}
	return len(boxes) > 0, nil
}

func (f *Folder) Create(ctx context.Context, typ account.FolderType) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	if err := f.client.Create(f.name, nil).Wait(); err != nil {
		var ierr *imap.Error
		if errors.As(err, &ierr) {
			f.log.Warn().Str("reason", ierr.Text).Stringer("type", typ).Msg("server refused to create folder")
			return false, nil
		}
		return false, errors.Wrapf(err, "unable to create folder %s", f.name)
	}
	return true, nil
}

func (f *Folder) Open(ctx context.Context, mode sync.OpenMode) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	data, err := f.client.Select(f.name, &imap.SelectOptions{
		ReadOnly:  mode == sync.ReadOnly,
		CondStore: f.SupportsModSeq(),
	}).Wait()
	if err != nil {
		return serverError(err, "unable to open folder %s", f.name)
	}
	f.mu.Lock()
	f.count = data.NumMessages
	f.uidValidity = data.UIDValidity
	f.highestModSeq = data.HighestModSeq
	f.selected = true
	f.mu.Unlock()
	f.log.Debug().
		Uint32("count", data.NumMessages).
		Uint32("uidvalidity", data.UIDValidity).
		Uint64("modseq", data.HighestModSeq).
		Msg("selected")
	return nil
}

// OpenResync selects the folder and works out what changed since
// params.HighestModSeq: known UIDs that are gone, and messages whose
// mod-sequence is newer.
func (f *Folder) OpenResync(ctx context.Context, params sync.ResyncParams) (*sync.ResyncResponse, error) {
	if err := f.Open(ctx, sync.ReadWrite); err != nil {
		return nil, err
	}
	if f.UIDValidity() != params.UIDValidity || f.HighestModSeq() == 0 {
		return nil, message.ErrResyncRejected
	}
	resp := &sync.ResyncResponse{HighestModSeq: f.HighestModSeq()}

	known := uidSet(params.KnownUIDs)
	if len(known) > 0 {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
		data, err := f.client.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{known}}, nil).Wait()
		if err != nil {
			return nil, serverError(err, "unable to search folder %s", f.name)
		}
		present := make(map[imap.UID]bool)
		for _, uid := range data.AllUIDs() {
			present[uid] = true
		}
		for _, s := range params.KnownUIDs {
			if uid, ok := parseUID(s); ok && !present[uid] {
				resp.Vanished = append(resp.Vanished, s)
			}
		}
	}

	if resp.HighestModSeq > params.HighestModSeq {
		all := imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}
		err := f.fetch(ctx, all, &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			ModSeq:       true,
			ChangedSince: params.HighestModSeq,
		}, func(buf *imapclient.FetchMessageBuffer) {
			resp.Modified = append(resp.Modified, &message.Message{
				UID:    formatUID(buf.UID),
				Flags:  flagsFromIMAP(buf.Flags),
				ModSeq: buf.ModSeq,
			})
		})
		if err != nil {
			return nil, err
		}
	}
	if h := f.HighestModSeq(); h > resp.HighestModSeq {
		resp.HighestModSeq = h
	}
	return resp, nil
}

// Close logs out and releases the connection.
func (f *Folder) Close() error {
	if err := f.client.Logout().Wait(); err != nil {
		f.log.Debug().Err(err).Msg("logout failed")
	}
	return f.client.Close()
}

func (f *Folder) SupportsFetchingFlags() bool { return true }
func (f *Folder) SupportsModSeq() bool        { return f.caps.Has(imap.CapCondStore) }
func (f *Folder) SupportsResync() bool        { return f.caps.Has(imap.CapQResync) }

func (f *Folder) UIDValidity() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.uidValidity)
}

func (f *Folder) HighestModSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highestModSeq
}

func (f *Folder) MessageCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.selected {
		return -1, errors.Errorf("folder %s is not open", f.name)
	}
	return int(f.count), nil
}

func (f *Folder) Messages(ctx context.Context, start, end int, earliest time.Time) ([]*message.Message, error) {
	if start < 1 || end < start {
		return nil, errors.Errorf("invalid message range %d:%d", start, end)
	}
	uids, err := f.searchRange(ctx, start, end, earliest)
	if err != nil {
		return nil, err
	}
	out := make([]*message.Message, 0, len(uids))
	for _, uid := range uids {
		out = append(out, &message.Message{UID: formatUID(uid)})
	}
	return out, nil
}

func (f *Folder) searchRange(ctx context.Context, start, end int, earliest time.Time) ([]imap.UID, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	var seq imap.SeqSet
	seq.AddRange(uint32(start), uint32(end))
	data, err := f.client.UIDSearch(&imap.SearchCriteria{
		SeqNum: []imap.SeqSet{seq},
		Since:  earliest,
	}, nil).Wait()
	if err != nil {
		return nil, serverError(err, "unable to search folder %s", f.name)
	}
	return sortedUIDs(data.AllUIDs()), nil
}

func (f *Folder) AreMoreMessagesAvailable(ctx context.Context, start int, earliest time.Time) (bool, error) {
	if start <= 1 {
		return false, nil
	}
	if earliest.IsZero() {
		return true, nil
	}
	uids, err := f.searchRange(ctx, 1, start-1, earliest)
	if err != nil {
		return false, err
	}
	return len(uids) > 0, nil
}

func (f *Folder) Fetch(ctx context.Context, msgs []*message.Message, profile message.FetchProfile, fn sync.FetchListener) error {
	byUID, set := index(msgs)
	if len(set) == 0 {
		return nil
	}
	opts := fetchOptions(profile, f.maxBodySize)
	total := len(byUID)
	n := 0
	return f.fetch(ctx, set, opts, func(buf *imapclient.FetchMessageBuffer) {
		m, ok := byUID[buf.UID]
		if !ok {
			return
		}
		applyFetch(m, buf, opts)
		f.noteModSeq(buf.ModSeq)
		n++
		if fn != nil {
			fn(m, n, total)
		}
	})
}

func (f *Folder) FetchPart(ctx context.Context, msg *message.Message, part *message.Part) error {
	uid, ok := parseUID(msg.UID)
	if !ok {
		return errors.Errorf("message %s is not on the server", msg.UID)
	}
	section := &imap.FetchItemBodySection{Peek: true, Part: parsePartPath(part.Path)}
	if len(section.Part) == 0 {
		section.Specifier = imap.PartSpecifierText
	}
	opts := &imap.FetchOptions{UID: true, BodySection: []*imap.FetchItemBodySection{section}}
	found := false
	err := f.fetch(ctx, imap.UIDSetNum(uid), opts, func(buf *imapclient.FetchMessageBuffer) {
		if content := buf.FindBodySection(section); content != nil {
			msg.SetPart(part.Path, content)
			found = true
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("server returned no part %s of message %s", part.Path, msg.UID)
	}
	return nil
}

func (f *Folder) FetchChangedSince(ctx context.Context, msgs []*message.Message, modSeq uint64, fn sync.FetchListener) error {
	byUID, set := index(msgs)
	if len(set) == 0 {
		return nil
	}
	total := len(byUID)
	n := 0
	return f.fetch(ctx, set, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: modSeq,
	}, func(buf *imapclient.FetchMessageBuffer) {
		m, ok := byUID[buf.UID]
		if !ok {
			return
		}
		m.Flags = flagsFromIMAP(buf.Flags)
		m.ModSeq = buf.ModSeq
		f.noteModSeq(buf.ModSeq)
		n++
		fn(m, n, total)
	})
}

// fetch runs one FETCH and hands each complete message to fn.
func (f *Folder) fetch(ctx context.Context, set imap.NumSet, opts *imap.FetchOptions, fn func(*imapclient.FetchMessageBuffer)) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	cmd := f.client.Fetch(set, opts)
	defer cmd.Close()
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			f.log.Warn().Err(err).Msg("skipping unreadable fetch response")
			continue
		}
		fn(buf)
		if ctx.Err() != nil {
			break
		}
	}
	if err := cmd.Close(); err != nil {
		return serverError(err, "unable to fetch from folder %s", f.name)
	}
	return ctx.Err()
}

func (f *Folder) Expunge(ctx context.Context) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	return serverError(f.client.Expunge().Close(), "unable to expunge folder %s", f.name)
}

// ExpungeResync expunges the messages flagged deleted and returns
// their UIDs.
func (f *Folder) ExpungeResync(ctx context.Context) ([]string, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	data, err := f.client.UIDSearch(&imap.SearchCriteria{Flag: []imap.Flag{imap.FlagDeleted}}, nil).Wait()
	if err != nil {
		return nil, serverError(err, "unable to search folder %s", f.name)
	}
	uids := sortedUIDs(data.AllUIDs())
	if len(uids) == 0 {
		return nil, nil
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.caps.Has(imap.CapUIDPlus) {
		err = f.client.UIDExpunge(imap.UIDSetNum(uids...)).Close()
	} else {
		err = f.client.Expunge().Close()
	}
	if err != nil {
		return nil, serverError(err, "unable to expunge folder %s", f.name)
	}
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		out = append(out, formatUID(uid))
	}
	return out, nil
}

func (f *Folder) SetFlags(ctx context.Context, uids []string, flag message.Flag, on bool) error {
	set := uidSet(uids)
	if len(set) == 0 {
		return nil
	}
	imapFlag, ok := flagToIMAP(flag)
	if !ok {
		return message.Permanent(errors.Wrapf(message.ErrNotSupported, "flag %v", flag))
	}
	op := imap.StoreFlagsAdd
	if !on {
		op = imap.StoreFlagsDel
	}
	if err := f.wait(ctx); err != nil {
		return err
	}
	err := f.client.Store(set, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imapFlag},
	}, nil).Close()
	return serverError(err, "unable to set flags in folder %s", f.name)
}

func (f *Folder) AppendMessage(ctx context.Context, raw []byte, flags message.FlagSet, date time.Time) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	cmd := f.client.Append(f.name, int64(len(raw)), &imap.AppendOptions{
		Flags: flagsToIMAP(flags),
		Time:  date,
	})
	if _, err := bytes.NewReader(raw).WriteTo(cmd); err != nil {
		cmd.Close()
		return "", errors.Wrap(err, "unable to upload message")
	}
	if err := cmd.Close(); err != nil {
		return "", errors.Wrap(err, "unable to upload message")
	}
	data, err := cmd.Wait()
	if err != nil {
		return "", serverError(err, "unable to append to folder %s", f.name)
	}
	if data.UID == 0 {
		return "", nil
	}
	return formatUID(data.UID), nil
}

func (f *Folder) MoveMessages(ctx context.Context, uids []string, dest string) error {
	set := uidSet(uids)
	if len(set) == 0 {
		return nil
	}
	if err := f.wait(ctx); err != nil {
		return err
	}
	if f.caps.Has(imap.CapMove) {
		_, err := f.client.Move(set, dest).Wait()
		return serverError(err, "unable to move messages to %s", dest)
	}
	if _, err := f.client.Copy(set, dest).Wait(); err != nil {
		return serverError(err, "unable to copy messages to %s", dest)
	}
	err := f.client.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return serverError(err, "unable to remove moved messages from %s", f.name)
	}
	if f.caps.Has(imap.CapUIDPlus) {
		return serverError(f.client.UIDExpunge(set).Close(), "unable to expunge folder %s", f.name)
	}
	return nil
}

// serverError wraps err, keeping the server's own text for the user
// when the server refused the command.
func serverError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var ierr *imap.Error
	if errors.As(err, &ierr) {
		se := message.NewStoreError(format, args...)
		se.Err = err
		return se
	}
	return errors.Wrapf(err, format, args...)
}
