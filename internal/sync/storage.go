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

// This file declares the collaborators the engine is driven through.

import (
	"context"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"
)

// OpenMode selects how a remote folder is opened.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
)

// FetchListener is called once per message as fetched data arrives.
// number counts from 1 up to total.
type FetchListener func(msg *message.Message, number, total int)

// ResyncParams are the cached values a resynchronizing open hands to
// the server.
type ResyncParams struct {
	UIDValidity   uint64
	HighestModSeq uint64

	// UIDs currently cached for the folder, used by servers that
	// only report vanished messages from a known set.
	KnownUIDs []string
}

// ResyncResponse is what a resynchronizing open reports.
type ResyncResponse struct {
	// UIDs expunged since HighestModSeq.
	Vanished []string

	// Messages whose flags changed since HighestModSeq, with UID,
	// Flags and ModSeq filled in.
	Modified []*message.Message

	// The folder's highest mod-sequence after the open.
	HighestModSeq uint64
}

// RemoteLifecycle opens and closes a remote folder.
type RemoteLifecycle interface {
	Name() string
	Exists(ctx context.Context) (bool, error)
	// Create returns false, not an error, when the server refuses
	// to create the folder.
	Create(ctx context.Context, typ account.FolderType) (bool, error)
	Open(ctx context.Context, mode OpenMode) error
	// OpenResync opens the folder read-write handing the server
	// the cached state.  It fails with message.ErrResyncRejected
	// when the cached state is unusable.
	OpenResync(ctx context.Context, params ResyncParams) (*ResyncResponse, error)
	Close() error
}

// RemoteCapabilities reports what a remote folder can do.  Values are
// valid once the folder has been obtained from its store; UIDValidity
// and HighestModSeq are valid after an open.
type RemoteCapabilities interface {
	SupportsFetchingFlags() bool
	SupportsModSeq() bool
	SupportsResync() bool
	// UIDValidity returns zero when the store has no such concept.
	UIDValidity() uint64
	HighestModSeq() uint64
}

// RemoteLister lists and fetches messages from a remote folder.
type RemoteLister interface {
	MessageCount(ctx context.Context) (int, error)
	// Messages returns handles, carrying at least the UID, for
	// the messages numbered start through end (1 based, oldest
	// first).  A non-zero earliest drops messages received before
	// it.
	Messages(ctx context.Context, start, end int, earliest time.Time) ([]*message.Message, error)
	AreMoreMessagesAvailable(ctx context.Context, start int, earliest time.Time) (bool, error)
	// Fetch fills in the profile's items on msgs in place, calling
	// fn, if non-nil, as each message completes.
	Fetch(ctx context.Context, msgs []*message.Message, profile message.FetchProfile, fn FetchListener) error
	FetchPart(ctx context.Context, msg *message.Message, part *message.Part) error
	// FetchChangedSince fetches flags of those msgs modified after
	// modSeq.  Only changed messages reach fn.
	FetchChangedSince(ctx context.Context, msgs []*message.Message, modSeq uint64, fn FetchListener) error
}

// RemoteExpunger permanently removes messages flagged deleted.
type RemoteExpunger interface {
	Expunge(ctx context.Context) error
	// ExpungeResync expunges and returns the UIDs removed.
	ExpungeResync(ctx context.Context) ([]string, error)
}

// RemoteWriter applies queued local changes to the server.
type RemoteWriter interface {
	SetFlags(ctx context.Context, uids []string, flag message.Flag, on bool) error
	// AppendMessage uploads raw content and returns the new UID,
	// or "" when the server does not report one.
	AppendMessage(ctx context.Context, raw []byte, flags message.FlagSet, date time.Time) (string, error)
	MoveMessages(ctx context.Context, uids []string, dest string) error
}

// RemoteFolder is one folder on a remote mail store.  A RemoteFolder
// is used by one synchronization pass at a time.
type RemoteFolder interface {
	RemoteLifecycle
	RemoteCapabilities
	RemoteLister
	RemoteExpunger
	RemoteWriter
}

// RemoteStore hands out remote folders by name.
type RemoteStore interface {
	Folder(ctx context.Context, name string) (RemoteFolder, error)
}

// LocalFolder is the local cache of one folder.
type LocalFolder interface {
	Name() string
	Open(ctx context.Context) error
	Close() error

	// UIDValidity returns zero when none has been stored.
	UIDValidity(ctx context.Context) (uint64, error)
	SetUIDValidity(ctx context.Context, v uint64) error
	HighestModSeq(ctx context.Context) (modSeq uint64, valid bool, err error)
	SetHighestModSeq(ctx context.Context, modSeq uint64) error
	InvalidateHighestModSeq(ctx context.Context) error

	// SmallestUID returns the smallest numeric UID cached, with
	// ok false when there is none.
	SmallestUID(ctx context.Context) (uid uint64, ok bool, err error)
	// VisibleLimit returns zero or less when the folder has no
	// limit of its own.
	VisibleLimit(ctx context.Context) (int, error)
	MessageCount(ctx context.Context) (int, error)
	AllMessagesAndEffectiveDates(ctx context.Context) (map[string]time.Time, error)

	// Message returns nil, nil when uid is not cached.
	Message(ctx context.Context, uid string) (*message.Message, error)
	// MessagesByUIDs skips UIDs that are not cached.
	MessagesByUIDs(ctx context.Context, uids []string) ([]*message.Message, error)
	MessageBody(ctx context.Context, uid string) ([]byte, error)

	// AppendMessages inserts or replaces messages.  Stored content
	// is replaced only when Body or Parts are set.
	AppendMessages(ctx context.Context, msgs []*message.Message) error
	DestroyMessages(ctx context.Context, msgs []*message.Message) error
	SetFlag(ctx context.Context, uid string, flag message.Flag, on bool) error

	SetMoreMessages(ctx context.Context, more bool) error
	// SetStatus records the outcome of the last pass.  A zero
	// lastChecked leaves the stored time alone.
	SetStatus(ctx context.Context, status string, lastChecked time.Time) error
}

// PendingCommand is a queued offline action.
type PendingCommand struct {
	ID      int64
	Command string
	Args    []string
}

// LocalStore is the durable local cache for one account.
type LocalStore interface {
	Folder(ctx context.Context, name string) (LocalFolder, error)

	// PendingCommands returns queued commands oldest first.
	PendingCommands(ctx context.Context) ([]PendingCommand, error)
	AddPendingCommand(ctx context.Context, cmd PendingCommand) error
	RemovePendingCommand(ctx context.Context, id int64) error
}
