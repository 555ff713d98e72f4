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
	"slices"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

// qresyncStrategy opens the folder with the cached UID validity and
// mod-sequence and lets the server report what vanished and changed.
// When the server rejects the cached state it hands the pass to
// fallback.
type qresyncStrategy struct {
	*components
	fallback Strategy
}

func (s *qresyncStrategy) Name() string { return "qresync" }

func (s *qresyncStrategy) ContinueSync(ctx context.Context, p *Pass) (*Result, error) {
	if !p.RemoteProvided {
		ok, err := p.verifyRemoteFolder(ctx)
		if err != nil || !ok {
			return &Result{}, err
		}
	}

	uidValidity, err := p.Local.UIDValidity(ctx)
	if err != nil {
		return nil, err
	}
	modSeq, _, err := p.Local.HighestModSeq(ctx)
	if err != nil {
		return nil, err
	}
	localDates, err := p.Local.AllMessagesAndEffectiveDates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list cached messages")
	}
	known := make([]string, 0, len(localDates))
	for uid := range localDates {
		if !message.IsLocalUID(uid) {
			known = append(known, uid)
		}
	}
	slices.SortFunc(known, message.CompareUIDs)

	resp, err := p.Remote.OpenResync(ctx, ResyncParams{
		UIDValidity:   uidValidity,
		HighestModSeq: modSeq,
		KnownUIDs:     known,
	})
	if errors.Is(err, message.ErrResyncRejected) {
		p.Log.Info().Str("fallback", s.fallback.Name()).Msg("server rejected cached state")
		if err := p.Local.InvalidateHighestModSeq(ctx); err != nil {
			return nil, err
		}
		return s.fallback.ContinueSync(ctx, p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open remote folder %s", p.Folder)
	}

	expunged := slices.Clone(resp.Vanished)
	if p.Account.Expunge == account.ExpungeOnPoll {
		now, err := p.Remote.ExpungeResync(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "unable to expunge remote folder")
		}
		expunged = append(expunged, now...)
	}
	count, err := p.remoteMessageCount(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unsynced, err := s.resyncHeaders(ctx, p, count, resp, expunged)
	if err != nil {
		return nil, err
	}
	newMessages, err := s.downloader.DownloadMessages(ctx, p, unsynced, defaultDownloadOptions)
	if err != nil {
		return nil, err
	}

	if p.Account.SyncRemoteDeletions {
		if _, err := p.destroyLocal(ctx, expunged); err != nil {
			return nil, err
		}
	}

	highest := resp.HighestModSeq
	if h := p.Remote.HighestModSeq(); h > highest {
		highest = h
	}
	if err := p.persistSyncState(ctx, highest); err != nil {
		return nil, err
	}
	return &Result{RemoteCount: count, NewMessages: newMessages}, nil
}

// resyncHeaders applies the reported flag changes and works out which
// messages still need downloading, including older messages that fill
// a window that is not yet full.
func (s *qresyncStrategy) resyncHeaders(ctx context.Context, p *Pass, count int, resp *ResyncResponse, expunged []string) ([]*message.Message, error) {
	smallest, haveSmallest, err := p.Local.SmallestUID(ctx)
	if err != nil {
		return nil, err
	}
	limit, err := p.visibleLimit(ctx)
	if err != nil {
		return nil, err
	}
	localCount, err := p.Local.MessageCount(ctx)
	if err != nil {
		return nil, err
	}

	var backfill []*message.Message
	if localCount < limit && count > localCount {
		end := count - localCount
		start := end - (limit - localCount) + 1
		if start < 1 {
			start = 1
		}
		backfill, err = p.Remote.Messages(ctx, start, end, p.Account.EarliestPollDate)
		if err != nil {
			return nil, errors.Wrap(err, "unable to list older remote messages")
		}
	}

	gone := make(map[string]bool, len(expunged))
	for _, uid := range expunged {
		gone[uid] = true
	}
	total := len(resp.Modified) + len(backfill)
	processed := 0
	queued := make(map[string]bool)
	var unsynced []*message.Message

	p.Listener.SynchronizeMailboxHeadersStarted(p.Account, p.Folder)
	for _, m := range resp.Modified {
		processed++
		if !gone[m.UID] && !belowWindow(m.UID, smallest, haveSmallest) {
			b, err := s.evaluator.Classify(ctx, p, m)
			if err != nil {
				return nil, err
			}
			if b == FlagSyncOnly {
				if _, err := s.flags.ProcessDownloadedFlags(ctx, p, m); err != nil {
					return nil, err
				}
			} else if !queued[m.UID] {
				queued[m.UID] = true
				unsynced = append(unsynced, m)
			}
		}
		p.Listener.SynchronizeMailboxHeadersProgress(p.Account, p.Folder, processed, total)
	}
	for _, m := range backfill {
		processed++
		if !gone[m.UID] && !queued[m.UID] {
			b, err := s.evaluator.Classify(ctx, p, m)
			if err != nil {
				return nil, err
			}
			if b == Unsynced {
				queued[m.UID] = true
				unsynced = append(unsynced, m)
			}
		}
		p.Listener.SynchronizeMailboxHeadersProgress(p.Account, p.Folder, processed, total)
	}
	p.Listener.SynchronizeMailboxHeadersFinished(p.Account, p.Folder, total, processed)
	return unsynced, nil
}

// belowWindow reports whether uid is older than every cached message.
func belowWindow(uid string, smallest uint64, haveSmallest bool) bool {
	if !haveSmallest {
		return false
	}
	n, ok := message.NumericUID(uid)
	return ok && n < smallest
}
