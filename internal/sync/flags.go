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

// FlagReconciler copies remote flag state onto cached messages.
type FlagReconciler struct {
	suppressed *Suppressions
}

// NewFlagReconciler returns a reconciler that consults suppressed
// before announcing changes.  suppressed may be nil.
func NewFlagReconciler(suppressed *Suppressions) *FlagReconciler {
	if suppressed == nil {
		suppressed = &Suppressions{}
	}
	return &FlagReconciler{suppressed: suppressed}
}

// RefreshLocalMessageFlags fetches the flags of candidates in one
// request and applies them.  Candidates deleted locally are skipped.
// Nothing is fetched when the remote folder cannot fetch flags alone.
func (r *FlagReconciler) RefreshLocalMessageFlags(ctx context.Context, p *Pass, candidates []*message.Message) error {
	if !p.Remote.SupportsFetchingFlags() {
		return nil
	}
	var undeleted []*message.Message
	for _, m := range candidates {
		local, err := p.Local.Message(ctx, m.UID)
		if err != nil {
			return errors.Wrapf(err, "unable to look up message %s", m.UID)
		}
		if local != nil && local.Flags.Has(message.Deleted) {
			continue
		}
		undeleted = append(undeleted, m)
	}
	if len(undeleted) == 0 {
		return nil
	}

	total := len(undeleted)
	done := 0
	var firstErr error
	err := p.Remote.Fetch(ctx, undeleted, message.NewFetchProfile(message.FetchFlags), func(m *message.Message, _, _ int) {
		if firstErr != nil {
			return
		}
		if _, err := r.ProcessDownloadedFlags(ctx, p, m); err != nil {
			firstErr = err
			return
		}
		done++
		p.Listener.SynchronizeMailboxProgress(p.Account, p.Folder, done, total)
	})
	if err != nil {
		return errors.Wrap(err, "unable to fetch flags")
	}
	return firstErr
}

// ProcessDownloadedFlags applies remote's flags to its cached copy and
// reports whether anything changed.  A message that is not cached, or
// that is deleted locally, is left alone.
func (r *FlagReconciler) ProcessDownloadedFlags(ctx context.Context, p *Pass, remote *message.Message) (bool, error) {
	return r.apply(ctx, p, remote, true)
}

func (r *FlagReconciler) apply(ctx context.Context, p *Pass, remote *message.Message, notify bool) (bool, error) {
	local, err := p.Local.Message(ctx, remote.UID)
	if err != nil {
		return false, errors.Wrapf(err, "unable to look up message %s", remote.UID)
	}
	if local == nil || local.Flags.Has(message.Deleted) {
		return false, nil
	}
	notify = notify && !r.suppressed.IsSuppressed(p.Account, p.Folder, local.UID)

	if remote.Flags.Has(message.Deleted) && p.Account.SyncRemoteDeletions {
		if err := p.Local.SetFlag(ctx, local.UID, message.Deleted, true); err != nil {
			return false, err
		}
		local.Flags = local.Flags.With(message.Deleted, true)
		if notify {
			p.Listener.SynchronizeMailboxRemovedMessage(p.Account, p.Folder, local)
		}
		return true, nil
	}

	changed := false
	for _, f := range message.SyncFlags {
		want := remote.Flags.Has(f)
		if local.Flags.Has(f) == want {
			continue
		}
		if err := p.Local.SetFlag(ctx, local.UID, f, want); err != nil {
			return changed, err
		}
		local.Flags = local.Flags.With(f, want)
		changed = true
	}
	if changed {
		p.Log.Debug().Str("uid", local.UID).Stringer("flags", local.Flags).Msg("updated flags")
		if notify {
			p.Listener.SynchronizeMailboxMessageUpdated(p.Account, p.Folder, local)
		}
	}
	return changed, nil
}
