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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailsync/internal/message"
	"github.com/pkg/errors"
)

func TestPendingCommandsReplayedInOrder(t *testing.T) {
	h := newHarness("INBOX")
	h.remotes.folders["Archive"] = newFakeRemote("Archive")
	h.local.put(localMsg("1", t0))
	h.local.put(localMsg("2", t0))
	ctx := context.Background()

	if err := h.ctl.SetFlag(ctx, h.acct, "INBOX", []string{"1"}, message.Flagged, true); err != nil {
		t.Fatalf("SetFlag() = %v", err)
	}
	if err := h.ctl.Move(ctx, h.acct, "INBOX", "Archive", []string{"2"}); err != nil {
		t.Fatalf("Move() = %v", err)
	}
	if err := h.ctl.Expunge(ctx, h.acct, "INBOX"); err != nil {
		t.Fatalf("Expunge() = %v", err)
	}
	if !h.local.messages["1"].Flags.Has(message.Flagged) {
		t.Errorf("flag not applied locally")
	}
	if h.local.messages["2"] != nil {
		t.Errorf("moved message still in source folder")
	}

	h.remote.add(remoteMsg("1", 100, t0, message.Flagged))
	if err := h.sync(true); err != nil {
		t.Fatalf("SynchronizeMailbox() = %v, want nil", err)
	}
	want := []string{
		"pendingProcessing",
		"pendingStarted setflag",
		"pendingCompleted setflag",
		"pendingStarted move",
		"pendingCompleted move",
		"pendingStarted expunge",
		"pendingCompleted expunge",
		"pendingFinished",
	}
	if diff := cmp.Diff(want, h.rec.matching("pending")); diff != "" {
		t.Errorf("pending events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"flagged=true [1]"}, h.remote.setFlags); diff != "" {
		t.Errorf("remote SetFlags mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"[2]->Archive"}, h.remote.moved); diff != "" {
		t.Errorf("remote moves mismatch (-want +got):\n%s", diff)
	}
	if h.remote.expunged != 1 {
		t.Errorf("expunged %d times, want 1", h.remote.expunged)
	}
	if len(h.locals.commands) != 0 {
		t.Errorf("commands left queued: %v", h.locals.commands)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, h.locals.removed); diff != "" {
		t.Errorf("removal order mismatch (-want +got):\n%s", diff)
	}
}

func TestPendingCommandsDropPermanentFailures(t *testing.T) {
	h := newHarness("INBOX")
	ctx := context.Background()
	h.locals.AddPendingCommand(ctx, PendingCommand{Command: CommandSetFlag, Args: []string{"INBOX", "sparkly", "true", "1"}})
	h.locals.AddPendingCommand(ctx, PendingCommand{Command: "frobnicate"})
	h.locals.AddPendingCommand(ctx, PendingCommand{Command: CommandExpunge, Args: []string{"INBOX"}})

	if err := h.sync(true); err != nil {
		t.Fatalf("SynchronizeMailbox() = %v, want nil", err)
	}
	if len(h.locals.commands) != 0 {
		t.Errorf("commands left queued: %v", h.locals.commands)
	}
	if h.remote.expunged != 1 {
		t.Errorf("expunged %d times, want 1", h.remote.expunged)
	}
}

func TestPendingCommandsTransientFailure(t *testing.T) {
	h := newHarness("INBOX")
	ctx := context.Background()
	h.locals.AddPendingCommand(ctx, PendingCommand{Command: CommandExpunge, Args: []string{"INBOX"}})
	h.locals.AddPendingCommand(ctx, PendingCommand{Command: CommandExpunge, Args: []string{"INBOX"}})
	h.remotes.err = errors.New("connection refused")

	if err := h.sync(true); err == nil {
		t.Fatalf("SynchronizeMailbox() = nil, want error")
	}
	if diff := cmp.Diff([]string{"failed INBOX Exception: connection refused"}, h.outcome()); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}
	if len(h.locals.commands) != 2 {
		t.Errorf("%d commands queued, want 2", len(h.locals.commands))
	}
	// The second command is not attempted.
	if got := h.rec.matching("pendingStarted"); len(got) != 1 {
		t.Errorf("started %v, want one command", got)
	}
}

func TestAppendUploadsLocalMessage(t *testing.T) {
	h := newHarness("Sent")
	ctx := context.Background()
	raw := []byte("From: a@example.com\r\nTo: b@example.com\r\nSubject: hello\r\n\r\nhi\r\n")

	uid, err := h.ctl.Append(ctx, h.acct, "Sent", raw, message.NewFlagSet(message.Seen))
	if err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if !message.IsLocalUID(uid) {
		t.Errorf("Append() = %q, want a local-only UID", uid)
	}
	m := h.local.messages[uid]
	if m == nil {
		t.Fatalf("appended message not cached")
	}
	if m.Envelope.Subject != "hello" || !m.Flags.Has(message.DownloadedFull) {
		t.Errorf("cached message = %+v", m)
	}

	if err := h.ctl.ProcessPendingCommands(ctx, h.acct, h.rec); err != nil {
		t.Fatalf("ProcessPendingCommands() = %v", err)
	}
	if diff := cmp.Diff([][]byte{raw}, h.remote.appended); diff != "" {
		t.Errorf("uploads mismatch (-want +got):\n%s", diff)
	}
	if h.local.messages[uid] != nil {
		t.Errorf("local copy kept after upload")
	}
}

func TestSetFlagLocalOnlyNotQueued(t *testing.T) {
	h := newHarness("Drafts")
	uid := message.LocalUIDPrefix + "x"
	h.local.put(localMsg(uid, t0))

	if err := h.ctl.SetFlag(context.Background(), h.acct, "Drafts", []string{uid}, message.Seen, true); err != nil {
		t.Fatalf("SetFlag() = %v", err)
	}
	if len(h.locals.commands) != 0 {
		t.Errorf("queued %v, want nothing", h.locals.commands)
	}
}
