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

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

// DownloadOptions controls the notifications a download emits.
type DownloadOptions struct {
	// NotifyFlagChanges announces flag changes found on messages
	// that were already partly cached.
	NotifyFlagChanges bool
	// NotifyNewMessages announces each downloaded unseen message.
	NotifyNewMessages bool
}

// Downloader fetches message content in tiers: envelopes for all
// messages, then whole bodies of small messages, then structure and
// a truncated body or the text parts of large messages.
type Downloader struct {
	flags *FlagReconciler
}

func NewDownloader(flags *FlagReconciler) *Downloader {
	return &Downloader{flags: flags}
}

// download is the per-call state of DownloadMessages.
type download struct {
	*Pass
	opts DownloadOptions

	// cached copies of messages found before the download began.
	existing map[string]*message.Message

	total, done, newMessages, failed int
}

// DownloadMessages downloads unsynced and returns the number of new
// messages stored.  Failures that affect one message are logged and
// do not stop the others.
func (d *Downloader) DownloadMessages(ctx context.Context, p *Pass, unsynced []*message.Message, opts DownloadOptions) (int, error) {
	if len(unsynced) == 0 {
		return 0, nil
	}
	limit, err := p.visibleLimit(ctx)
	if err != nil {
		return 0, err
	}
	msgs := slices.Clone(unsynced)
	slices.SortStableFunc(msgs, message.CompareNewestFirst)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}

	dl := &download{
		Pass:     p,
		opts:     opts,
		existing: make(map[string]*message.Message),
		total:    len(msgs),
	}
	for _, m := range msgs {
		local, err := p.Local.Message(ctx, m.UID)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to look up message %s", m.UID)
		}
		if local != nil {
			dl.existing[m.UID] = local
		}
	}

	small, large, err := d.fetchEnvelopes(ctx, dl, msgs)
	if err != nil {
		return dl.newMessages, err
	}
	if err := d.fetchSmall(ctx, dl, small); err != nil {
		return dl.newMessages, err
	}
	if err := d.fetchLarge(ctx, dl, large); err != nil {
		return dl.newMessages, err
	}
	if dl.failed > 0 {
		p.Log.Warn().Int("failed", dl.failed).Int("total", dl.total).Msg("some messages were not downloaded")
	}
	return dl.newMessages, nil
}

func (d *Downloader) fetchEnvelopes(ctx context.Context, dl *download, msgs []*message.Message) (small, large []*message.Message, err error) {
	profile := message.NewFetchProfile()
	if dl.Remote.SupportsFetchingFlags() {
		profile = append(profile, message.FetchFlags)
	}
	profile = append(profile, message.FetchEnvelope)

	threshold := dl.Account.MaxAutoDownloadSize
	err = dl.Remote.Fetch(ctx, msgs, profile, func(m *message.Message, _, _ int) {
		if m.Flags.Has(message.Deleted) || m.OlderThan(dl.Account.EarliestPollDate) {
			dl.progress()
			return
		}
		if err := d.storeEnvelope(ctx, dl, m, profile); err != nil {
			dl.fail(err, m)
			return
		}
		if ClassifySize(m.Size, threshold) == Large {
			large = append(large, m)
		} else {
			small = append(small, m)
		}
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to fetch envelopes")
	}
	return small, large, nil
}

// storeEnvelope records a message as soon as its envelope arrives, so
// it can be listed before its content is downloaded.
func (d *Downloader) storeEnvelope(ctx context.Context, dl *download, m *message.Message, profile message.FetchProfile) error {
	local, ok := dl.existing[m.UID]
	if !ok {
		return dl.Local.AppendMessages(ctx, []*message.Message{m.Clone()})
	}
	if profile.Contains(message.FetchFlags) {
		_, err := d.flags.apply(ctx, dl.Pass, m, dl.opts.NotifyFlagChanges)
		return err
	}
	m.Flags = local.Flags
	return nil
}

func (d *Downloader) fetchSmall(ctx context.Context, dl *download, small []*message.Message) error {
	if len(small) == 0 {
		return nil
	}
	err := dl.Remote.Fetch(ctx, small, message.NewFetchProfile(message.FetchBody), func(m *message.Message, _, _ int) {
		if err := dl.store(ctx, m, message.DownloadedFull); err != nil {
			dl.fail(err, m)
		}
	})
	return errors.Wrap(err, "unable to fetch small messages")
}

func (d *Downloader) fetchLarge(ctx context.Context, dl *download, large []*message.Message) error {
	if len(large) == 0 {
		return nil
	}
	if err := dl.Remote.Fetch(ctx, large, message.NewFetchProfile(message.FetchStructure), nil); err != nil {
		return errors.Wrap(err, "unable to fetch message structure")
	}
	for _, m := range large {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if m.Structure == nil {
			err = d.downloadSaneBody(ctx, dl, m)
		} else {
			err = d.downloadTextParts(ctx, dl, m)
		}
		if err != nil {
			dl.fail(err, m)
		}
	}
	return nil
}

// downloadSaneBody fetches a truncated body for a message the server
// could not describe.
func (d *Downloader) downloadSaneBody(ctx context.Context, dl *download, m *message.Message) error {
	err := dl.Remote.Fetch(ctx, []*message.Message{m}, message.NewFetchProfile(message.FetchBodySane), nil)
	if err != nil {
		return errors.Wrapf(err, "unable to fetch body of message %s", m.UID)
	}
	threshold := dl.Account.MaxAutoDownloadSize
	state := message.DownloadedPartial
	if threshold <= 0 || m.Size < threshold {
		state = message.DownloadedFull
	}
	return dl.store(ctx, m, state)
}

// downloadTextParts fetches only the displayable text of a message.
func (d *Downloader) downloadTextParts(ctx context.Context, dl *download, m *message.Message) error {
	for _, part := range m.Structure.TextParts() {
		if err := dl.Remote.FetchPart(ctx, m, part); err != nil {
			return errors.Wrapf(err, "unable to fetch part %s of message %s", part.Path, m.UID)
		}
	}
	return dl.store(ctx, m, message.DownloadedPartial)
}

// store saves downloaded content and marks how complete it is.
func (dl *download) store(ctx context.Context, m *message.Message, state message.Flag) error {
	if local, ok := dl.existing[m.UID]; ok && local.Flags.Has(message.Deleted) {
		dl.progress()
		return nil
	}
	m.Flags = m.Flags.With(message.DownloadedFull, false).With(message.DownloadedPartial, false).With(state, true)
	if err := dl.Local.AppendMessages(ctx, []*message.Message{m.Clone()}); err != nil {
		return err
	}
	if _, existed := dl.existing[m.UID]; !existed && !m.Flags.Has(message.Seen) {
		dl.newMessages++
		if dl.opts.NotifyNewMessages {
			dl.Listener.SynchronizeMailboxNewMessage(dl.Account, dl.Folder, m)
		}
	}
	dl.progress()
	return nil
}

func (dl *download) progress() {
	dl.done++
	dl.Listener.SynchronizeMailboxProgress(dl.Account, dl.Folder, dl.done, dl.total)
}

func (dl *download) fail(err error, m *message.Message) {
	dl.failed++
	dl.Log.Warn().Err(err).Str("uid", m.UID).Msg("message download failed")
}
