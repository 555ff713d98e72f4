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

package sync

import (
	"context"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Pass is the state shared by the steps of one folder synchronization.
type Pass struct {
	Account *account.Account
	Folder  string
	Local   LocalFolder
	Remote  RemoteFolder

	// RemoteProvided is set when the caller handed in an already
	// open remote folder.  It is then neither opened nor closed.
	RemoteProvided bool

	Listener Listener
	Log      zerolog.Logger
}

// openRemote makes sure the remote folder exists and opens it.  It
// returns false when there is nothing to synchronize because the
// folder does not exist and could not be created.
func (p *Pass) openRemote(ctx context.Context) (bool, error) {
	if p.RemoteProvided {
		return true, nil
	}
	ok, err := p.verifyRemoteFolder(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := p.Remote.Open(ctx, ReadWrite); err != nil {
		return false, errors.Wrapf(err, "unable to open remote folder %s", p.Folder)
	}
	return true, nil
}

// verifyRemoteFolder creates special folders that are missing on the
// server.  Regular folders are never created.
func (p *Pass) verifyRemoteFolder(ctx context.Context) (bool, error) {
	exists, err := p.Remote.Exists(ctx)
	if err != nil {
		return false, errors.Wrapf(err, "unable to check remote folder %s", p.Folder)
	}
	if exists {
		return true, nil
	}
	typ := p.Account.FolderType(p.Folder)
	if typ == account.FolderRegular {
		p.Log.Info().Msg("remote folder does not exist")
		return false, nil
	}
	created, err := p.Remote.Create(ctx, typ)
	if err != nil {
		return false, errors.Wrapf(err, "unable to create remote folder %s", p.Folder)
	}
	if !created {
		p.Log.Warn().Stringer("type", typ).Msg("could not create remote special folder")
		return false, nil
	}
	p.Log.Info().Stringer("type", typ).Msg("created remote special folder")
	return true, nil
}

func (p *Pass) remoteMessageCount(ctx context.Context) (int, error) {
	count, err := p.Remote.MessageCount(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "unable to get remote message count")
	}
	if count < 0 {
		return 0, errors.Errorf("Message count %d for folder %s", count, p.Folder)
	}
	return count, nil
}

func (p *Pass) expungeOnPoll(ctx context.Context) error {
	if p.Account.Expunge != account.ExpungeOnPoll {
		return nil
	}
	p.Log.Debug().Msg("expunging remote folder")
	return errors.Wrap(p.Remote.Expunge(ctx), "unable to expunge remote folder")
}

// checkUIDValidity throws away the local cache when the server has
// renumbered the folder.
func (p *Pass) checkUIDValidity(ctx context.Context) error {
	local, err := p.Local.UIDValidity(ctx)
	if err != nil {
		return err
	}
	remote := p.Remote.UIDValidity()
	if local == 0 || remote == 0 || local == remote {
		return nil
	}
	p.Log.Info().Uint64("local", local).Uint64("remote", remote).
		Msg("UID validity changed; discarding cached messages")

	dates, err := p.Local.AllMessagesAndEffectiveDates(ctx)
	if err != nil {
		return err
	}
	uids := make([]string, 0, len(dates))
	for uid := range dates {
		uids = append(uids, uid)
	}
	msgs, err := p.Local.MessagesByUIDs(ctx, uids)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		if err := p.Local.DestroyMessages(ctx, msgs); err != nil {
			return errors.Wrap(err, "unable to discard cached messages")
		}
	}
	return p.Local.InvalidateHighestModSeq(ctx)
}

// visibleLimit returns the folder's display window.
func (p *Pass) visibleLimit(ctx context.Context) (int, error) {
	n, err := p.Local.VisibleLimit(ctx)
	if err != nil {
		return 0, err
	}
	return p.Account.VisibleLimit(n), nil
}

// destroyLocal destroys the cached messages with the given UIDs and
// announces each removal.  UIDs that are not cached are ignored, so
// the same UID may safely be passed more than once.
func (p *Pass) destroyLocal(ctx context.Context, uids []string) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	seen := make(map[string]bool, len(uids))
	unique := make([]string, 0, len(uids))
	for _, uid := range uids {
		if !seen[uid] {
			seen[uid] = true
			unique = append(unique, uid)
		}
	}
	msgs, err := p.Local.MessagesByUIDs(ctx, unique)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := p.Local.DestroyMessages(ctx, msgs); err != nil {
		return 0, errors.Wrap(err, "unable to destroy local messages")
	}
	for _, m := range msgs {
		p.Listener.SynchronizeMailboxRemovedMessage(p.Account, p.Folder, m)
	}
	p.Log.Info().Int("count", len(msgs)).Msg("removed messages deleted on the server")
	return len(msgs), nil
}

// persistSyncState records the folder's UID validity and mod-sequence
// after a successful pass.
func (p *Pass) persistSyncState(ctx context.Context, modSeq uint64) error {
	if v := p.Remote.UIDValidity(); v != 0 {
		if err := p.Local.SetUIDValidity(ctx, v); err != nil {
			return err
		}
	}
	if !p.Remote.SupportsModSeq() || modSeq == 0 {
		return p.Local.InvalidateHighestModSeq(ctx)
	}
	return p.Local.SetHighestModSeq(ctx, modSeq)
}

// updateMoreMessages records whether the server holds messages older
// than the window starting at start.
func (p *Pass) updateMoreMessages(ctx context.Context, start int) error {
	more := false
	if start > 1 {
		var err error
		more, err = p.Remote.AreMoreMessagesAvailable(ctx, start, p.Account.EarliestPollDate)
		if err != nil {
			return errors.Wrap(err, "unable to check for older messages")
		}
	}
	return p.Local.SetMoreMessages(ctx, more)
}

func isDownloaded(m *message.Message) bool {
	return m.Flags.Has(message.DownloadedFull) || m.Flags.Has(message.DownloadedPartial)
}

// windowStart returns the 1 based number of the oldest message in a
// window of limit messages ending at count.
func windowStart(count, limit int) int {
	start := count - limit + 1
	if limit <= 0 || start < 1 {
		start = 1
	}
	return start
}
