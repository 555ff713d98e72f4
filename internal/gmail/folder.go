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


package gmail

import (
	"context"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	gmail "google.golang.org/api/gmail/v1"
)

// Folder is one Gmail label.
type Folder struct {
	svc     *Service
	name    string
	labelID string
	log     zerolog.Logger

	// ids lists the label's messages oldest first, as of Open.
	ids []string

	// since caches the ids received on or after a date.
	since    time.Time
	sinceIDs map[string]bool
	opened   bool
}

var _ sync.RemoteFolder = (*Folder)(nil)

func (f *Folder) Name() string { return f.name }

func (f *Folder) Exists(ctx context.Context) (bool, error) {
	return f.labelID != "", nil
}

func (f *Folder) Create(ctx context.Context, typ account.FolderType) (bool, error) {
	id, err := f.svc.createLabel(ctx, f.name)
	if err != nil {
		f.log.Warn().Err(err).Stringer("type", typ).Msg("unable to create label")
		return false, nil
	}
	f.labelID = id
	return true, nil
}

// Open lists the label's messages.
func (f *Folder) Open(ctx context.Context, mode sync.OpenMode) error {
	if f.labelID == "" {
		return message.NewStoreError("label %s does not exist", f.name)
	}
	ids, err := f.list(ctx, "")
	if err != nil {
		return err
	}
	// The API lists newest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	f.ids = ids
	f.since = time.Time{}
	f.sinceIDs = nil
	f.opened = true
	f.log.Debug().Int("count", len(ids)).Msg("listed label")
	return nil
}

func (f *Folder) OpenResync(ctx context.Context, params sync.ResyncParams) (*sync.ResyncResponse, error) {
	return nil, message.ErrNotSupported
}

func (f *Folder) Close() error {
	f.ids = nil
	f.sinceIDs = nil
	f.opened = false
	return nil
}

func (f *Folder) SupportsFetchingFlags() bool { return true }
func (f *Folder) SupportsModSeq() bool        { return false }
func (f *Folder) SupportsResync() bool        { return false }
func (f *Folder) UIDValidity() uint64         { return 0 }
func (f *Folder) HighestModSeq() uint64       { return 0 }

func (f *Folder) list(ctx context.Context, q string) ([]string, error) {
	var ids []string
	call := f.svc.service.Users.Messages.List("me").LabelIds(f.labelID).IncludeSpamTrash(true)
	if q != "" {
		call = call.Q(q)
	}
	if err := f.svc.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, msg := range page.Messages {
			ids = append(ids, msg.Id)
		}
		if page.NextPageToken != "" {
			return f.svc.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list messages in label %s", f.name)
	}
	return ids, nil
}

// received reports whether id arrived on or after earliest.
func (f *Folder) received(ctx context.Context, id string, earliest time.Time) (bool, error) {
	if earliest.IsZero() {
		return true, nil
	}
	if f.sinceIDs == nil || !f.since.Equal(earliest) {
		ids, err := f.list(ctx, "after:"+formatUnix(earliest))
		if err != nil {
			return false, err
		}
		f.sinceIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			f.sinceIDs[id] = true
		}
		f.since = earliest
	}
	return f.sinceIDs[id], nil
}

func (f *Folder) MessageCount(ctx context.Context) (int, error) {
	if !f.opened {
		return -1, errors.Errorf("label %s is not open", f.name)
	}
	return len(f.ids), nil
}

func (f *Folder) Messages(ctx context.Context, start, end int, earliest time.Time) ([]*message.Message, error) {
	if start < 1 || end < start || end > len(f.ids) {
		return nil, errors.Errorf("invalid message range %d:%d of %d", start, end, len(f.ids))
	}
	var out []*message.Message
	for _, id := range f.ids[start-1 : end] {
		ok, err := f.received(ctx, id, earliest)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		uid, err := uidFromID(id)
		if err != nil {
			f.log.Warn().Err(err).Msg("skipping message")
			continue
		}
		out = append(out, &message.Message{UID: uid})
	}
	return out, nil
}

func (f *Folder) AreMoreMessagesAvailable(ctx context.Context, start int, earliest time.Time) (bool, error) {
	if start > len(f.ids)+1 {
		start = len(f.ids) + 1
	}
	for _, id := range f.ids[:start-1] {
		ok, err := f.received(ctx, id, earliest)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// get fetches one message, returning nil for messages that are gone
// or are chats.
func (f *Folder) get(ctx context.Context, id, format string) (*gmail.Message, error) {
	var msg *gmail.Message
	err := f.svc.call(ctx, quotaUnitsMessagesGet, func() (err error) {
		call := f.svc.service.Users.Messages.Get("me", id).Format(format).Context(ctx)
		if format == "metadata" {
			call = call.MetadataHeaders(envelopeHeaders...)
		}
		msg, err = call.Do()
		return err
	})
	if errors.Cause(err) == ErrMessageNotFound {
		f.log.Debug().Str("id", id).Msg("message not found")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	if isChat(msg) {
		return nil, nil
	}
	return msg, nil
}

// formatFor picks the cheapest API format that covers profile.
func formatFor(profile message.FetchProfile) string {
	switch {
	case profile.Contains(message.FetchBody), profile.Contains(message.FetchBodySane):
		return "raw"
	case profile.Contains(message.FetchStructure):
		return "full"
	case profile.Contains(message.FetchEnvelope):
		return "metadata"
	}
	return "minimal"
}

// Fetch gets each message with its own API call.  A message that
// cannot be fetched is logged and skipped.
func (f *Folder) Fetch(ctx context.Context, msgs []*message.Message, profile message.FetchProfile, fn sync.FetchListener) error {
	format := formatFor(profile)
	total := len(msgs)
	for i, m := range msgs {
		id, ok := idFromUID(m.UID)
		if !ok {
			continue
		}
		g, err := f.get(ctx, id, format)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			f.log.Warn().Err(err).Str("uid", m.UID).Msg("unable to fetch message")
			continue
		}
		if g == nil {
			continue
		}
		if profile.Contains(message.FetchStructure) && format == "raw" {
			// A raw fetch carries no payload tree.
			full, err := f.get(ctx, id, "full")
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				f.log.Warn().Err(err).Str("uid", m.UID).Msg("unable to fetch message structure")
				continue
			}
			if full != nil {
				g.Payload = full.Payload
			}
		}
		if err := f.apply(m, g, profile); err != nil {
			f.log.Warn().Err(err).Str("uid", m.UID).Msg("unable to read fetched message")
			continue
		}
		if fn != nil {
			fn(m, i+1, total)
		}
	}
	return nil
}

func (f *Folder) apply(m *message.Message, g *gmail.Message, profile message.FetchProfile) error {
	if profile.Contains(message.FetchFlags) {
		m.Flags = flagsFromLabels(g.LabelIds)
	}
	if profile.Contains(message.FetchEnvelope) {
		m.InternalDate = internalDate(g)
		m.Size = g.SizeEstimate
	}
	if profile.Contains(message.FetchStructure) && g.Payload != nil {
		m.Structure = convertStructure(g.Payload)
	}
	if g.Raw != "" {
		raw, err := decode(g.Raw)
		if err != nil {
			return err
		}
		if profile.Contains(message.FetchEnvelope) {
			env, err := message.ParseEnvelope(raw)
			if err != nil {
				return err
			}
			m.Envelope = env
		}
		if !profile.Contains(message.FetchBody) && f.svc.cfg.MaxBodySize > 0 && int64(len(raw)) > f.svc.cfg.MaxBodySize {
			raw = raw[:f.svc.cfg.MaxBodySize]
		}
		m.Body = raw
	} else if profile.Contains(message.FetchEnvelope) && g.Payload != nil {
		env, err := envelopeFromHeaders(g.Payload.Headers)
		if err != nil {
			return err
		}
		m.Envelope = env
	}
	return nil
}

func (f *Folder) FetchPart(ctx context.Context, msg *message.Message, part *message.Part) error {
	id, ok := idFromUID(msg.UID)
	if !ok {
		return errors.Errorf("message %s is not on the server", msg.UID)
	}
	g, err := f.get(ctx, id, "full")
	if err != nil {
		return err
	}
	if g == nil || g.Payload == nil {
		return errors.Wrapf(ErrMessageNotFound, "message %s", msg.UID)
	}
	p := findPart(g.Payload, part.Path)
	if p == nil || p.Body == nil {
		return errors.Errorf("message %s has no part %s", msg.UID, part.Path)
	}
	body := p.Body
	if body.Data == "" && body.AttachmentId != "" {
		err := f.svc.call(ctx, quotaUnitsAttachmentsGet, func() (err error) {
			body, err = f.svc.service.Users.Messages.Attachments.Get("me", id, body.AttachmentId).Context(ctx).Do()
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "getting part %s of message %v from gmail", part.Path, id)
		}
	}
	content, err := decode(body.Data)
	if err != nil {
		return err
	}
	msg.SetPart(part.Path, content)
	return nil
}

func (f *Folder) FetchChangedSince(ctx context.Context, msgs []*message.Message, modSeq uint64, fn sync.FetchListener) error {
	return message.ErrNotSupported
}

// Expunge does nothing: trashed messages are removed by Gmail itself.
func (f *Folder) Expunge(ctx context.Context) error { return nil }

func (f *Folder) ExpungeResync(ctx context.Context) ([]string, error) { return nil, nil }

func ids(uids []string) []string {
	var out []string
	for _, uid := range uids {
		if id, ok := idFromUID(uid); ok {
			out = append(out, id)
		}
	}
	return out
}

func (f *Folder) modify(ctx context.Context, uids []string, add, remove []string) error {
	list := ids(uids)
	if len(list) == 0 {
		return nil
	}
	return f.svc.call(ctx, quotaUnitsPerBatchModify, func() error {
		return f.svc.service.Users.Messages.BatchModify("me", &gmail.BatchModifyMessagesRequest{
			Ids:            list,
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
	})
}

func (f *Folder) SetFlags(ctx context.Context, uids []string, flag message.Flag, on bool) error {
	add, remove, ok := labelChange(flag, on)
	if !ok {
		return message.Permanent(errors.Wrapf(message.ErrNotSupported, "flag %v", flag))
	}
	return errors.Wrapf(f.modify(ctx, uids, add, remove), "unable to set %v in label %s", flag, f.name)
}

func (f *Folder) AppendMessage(ctx context.Context, raw []byte, flags message.FlagSet, date time.Time) (string, error) {
	if f.labelID == "" {
		return "", message.NewStoreError("label %s does not exist", f.name)
	}
	var msg *gmail.Message
	err := f.svc.call(ctx, quotaUnitsPerMessagesInsert, func() (err error) {
		msg, err = f.svc.service.Users.Messages.Insert("me", &gmail.Message{
			Raw:      encode(raw),
			LabelIds: append([]string{f.labelID}, labelsForFlags(flags)...),
		}).InternalDateSource("dateHeader").Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "unable to insert message into label %s", f.name)
	}
	return uidFromID(msg.Id)
}

func (f *Folder) MoveMessages(ctx context.Context, uids []string, dest string) error {
	destID, err := f.svc.labelID(ctx, dest)
	if err != nil {
		return err
	}
	if destID == "" {
		return message.Permanent(message.NewStoreError("label %s does not exist", dest))
	}
	return errors.Wrapf(f.modify(ctx, uids, []string{destID}, []string{f.labelID}),
		"unable to move messages to %s", dest)
}
