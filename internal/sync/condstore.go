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

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

// condstoreStrategy lists the window like the generic strategy but asks
// the server only for flags that changed since the cached
// mod-sequence.
type condstoreStrategy struct {
	*components
}

func (s *condstoreStrategy) Name() string { return "condstore" }

func (s *condstoreStrategy) ContinueSync(ctx context.Context, p *Pass) (*Result, error) {
	ok, err := p.openRemote(ctx)
	if err != nil || !ok {
		return &Result{}, err
	}
	if err := p.expungeOnPoll(ctx); err != nil {
		return nil, err
	}
	// Read after the expunge so the window never names sequence
	// numbers past the end of the folder.
	count, err := p.remoteMessageCount(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.checkUIDValidity(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	localDates, err := p.Local.AllMessagesAndEffectiveDates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list cached messages")
	}
	w, err := s.listWindow(ctx, p, count, localDates, false)
	if err != nil {
		return nil, err
	}
	unsynced, flagSync, err := s.evaluator.Evaluate(ctx, p, w.messages)
	if err != nil {
		return nil, err
	}
	if err := s.syncFlags(ctx, p, flagSync); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	newMessages, err := s.downloader.DownloadMessages(ctx, p, unsynced, defaultDownloadOptions)
	if err != nil {
		return nil, err
	}

	if p.Account.SyncRemoteDeletions {
		if _, err := p.destroyLocal(ctx, missingFrom(localDates, w)); err != nil {
			return nil, err
		}
	}
	if err := p.persistSyncState(ctx, p.Remote.HighestModSeq()); err != nil {
		return nil, err
	}
	return &Result{RemoteCount: count, NewMessages: newMessages}, nil
}

// syncFlags reconciles flags with one CHANGEDSINCE style request when
// the cached mod-sequence can be trusted, and with a full flag refresh
// otherwise.
func (s *condstoreStrategy) syncFlags(ctx context.Context, p *Pass, candidates []*message.Message) error {
	cached, valid, err := p.Local.HighestModSeq(ctx)
	if err != nil {
		return err
	}
	if !valid || cached == 0 || !p.Remote.SupportsModSeq() {
		return s.flags.RefreshLocalMessageFlags(ctx, p, candidates)
	}
	if !p.Remote.SupportsFetchingFlags() || len(candidates) == 0 {
		return nil
	}
	current := p.Remote.HighestModSeq()
	if current == cached {
		p.Log.Debug().Uint64("modseq", cached).Msg("no flag changes on the server")
		return nil
	}

	var changed []*message.Message
	for _, m := range candidates {
		local, err := p.Local.Message(ctx, m.UID)
		if err != nil {
			return err
		}
		if local != nil && local.Flags.Has(message.Deleted) {
			continue
		}
		changed = append(changed, m)
	}
	if len(changed) == 0 {
		return nil
	}
	done := 0
	var firstErr error
	err = p.Remote.FetchChangedSince(ctx, changed, cached, func(m *message.Message, _, _ int) {
		if firstErr != nil {
			return
		}
		if _, err := s.flags.ProcessDownloadedFlags(ctx, p, m); err != nil {
			firstErr = err
			return
		}
		done++
		p.Listener.SynchronizeMailboxProgress(p.Account, p.Folder, done, len(changed))
	})
	if err != nil {
		return errors.Wrap(err, "unable to fetch changed flags")
	}
	return firstErr
}
