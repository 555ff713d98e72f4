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
	"time"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

// Result is the outcome of a successful pass.
type Result struct {
	// The number of messages in the remote folder.
	RemoteCount int
	// The number of unseen messages downloaded.
	NewMessages int
}

// Strategy is one way of bringing a local folder up to date with its
// remote counterpart.  ContinueSync runs every step after pending
// commands have been replayed and both folders obtained.
type Strategy interface {
	Name() string
	ContinueSync(ctx context.Context, p *Pass) (*Result, error)
}

// components are the stateless pieces the strategies share.
type components struct {
	evaluator  Evaluator
	flags      *FlagReconciler
	downloader *Downloader
}

func newComponents(suppressed *Suppressions) *components {
	flags := NewFlagReconciler(suppressed)
	return &components{
		flags:      flags,
		downloader: NewDownloader(flags),
	}
}

var defaultDownloadOptions = DownloadOptions{NotifyFlagChanges: true, NotifyNewMessages: true}

// window is the slice of remote messages a pass works on.
type window struct {
	start    int
	messages []*message.Message
	// uids holds the UIDs of messages in the window.
	uids map[string]bool
}

// listWindow lists the newest messages of the remote folder, reporting
// header progress.  With applyCutoff set, messages whose cached copy is
// older than the earliest poll date are left out of the window.
func (c *components) listWindow(ctx context.Context, p *Pass, count int, localDates map[string]time.Time, applyCutoff bool) (*window, error) {
	limit, err := p.visibleLimit(ctx)
	if err != nil {
		return nil, err
	}
	w := &window{start: windowStart(count, limit), uids: make(map[string]bool)}

	p.Listener.SynchronizeMailboxHeadersStarted(p.Account, p.Folder)
	var listed []*message.Message
	if count > 0 {
		listed, err = p.Remote.Messages(ctx, w.start, count, p.Account.EarliestPollDate)
		if err != nil {
			return nil, errors.Wrap(err, "unable to list remote messages")
		}
	}
	earliest := p.Account.EarliestPollDate
	for i, m := range listed {
		p.Listener.SynchronizeMailboxHeadersProgress(p.Account, p.Folder, i+1, len(listed))
		if applyCutoff && !earliest.IsZero() {
			if d, ok := localDates[m.UID]; ok && !d.IsZero() && d.Before(earliest) {
				continue
			}
		}
		w.messages = append(w.messages, m)
		w.uids[m.UID] = true
	}
	p.Listener.SynchronizeMailboxHeadersFinished(p.Account, p.Folder, len(listed), len(w.messages))

	if err := p.updateMoreMessages(ctx, w.start); err != nil {
		return nil, err
	}
	return w, nil
}

// missingFrom returns the cached UIDs that are not in w.  Local-only
// UIDs are never returned.
func missingFrom(localDates map[string]time.Time, w *window) []string {
	var out []string
	for uid := range localDates {
		if message.IsLocalUID(uid) || w.uids[uid] {
			continue
		}
		out = append(out, uid)
	}
	slices.SortFunc(out, message.CompareUIDs)
	return out
}
