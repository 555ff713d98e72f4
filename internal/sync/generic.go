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

	"github.com/pkg/errors"
)

// genericStrategy works with any remote store.  It lists the whole
// window every pass and infers deletions from what is missing.
type genericStrategy struct {
	*components
}

func (s *genericStrategy) Name() string { return "generic" }

func (s *genericStrategy) ContinueSync(ctx context.Context, p *Pass) (*Result, error) {
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
	w, err := s.listWindow(ctx, p, count, localDates, true)
	if err != nil {
		return nil, err
	}
	p.Log.Debug().Int("count", count).Int("window", len(w.messages)).Msg("listed remote messages")

	unsynced, flagSync, err := s.evaluator.Evaluate(ctx, p, w.messages)
	if err != nil {
		return nil, err
	}
	if err := s.flags.RefreshLocalMessageFlags(ctx, p, flagSync); err != nil {
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
