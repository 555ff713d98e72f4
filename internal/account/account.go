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

// Package account holds the per-account settings that drive mailbox
// synchronization.
package account

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ExpungePolicy says when messages flagged deleted on the server are
// expunged.
type ExpungePolicy int

const (
	ExpungeNever ExpungePolicy = iota
	ExpungeOnPoll
	ExpungeManually
)

func (p ExpungePolicy) String() string {
	switch p {
	case ExpungeOnPoll:
		return "on_poll"
	case ExpungeManually:
		return "manual"
	}
	return "never"
}

// ParseExpungePolicy parses the String form of an ExpungePolicy.  The
// empty string is ExpungeNever.
func ParseExpungePolicy(s string) (ExpungePolicy, error) {
	switch strings.ToLower(s) {
	case "", "never":
		return ExpungeNever, nil
	case "on_poll", "immediately":
		return ExpungeOnPoll, nil
	case "manual", "manually":
		return ExpungeManually, nil
	}
	return ExpungeNever, errors.Errorf("unknown expunge policy %q", s)
}

// DefaultVisibleLimit is the display window used when a folder has
// none of its own.
const DefaultVisibleLimit = 25

// Account is the configuration the engine reads for one mail account.
type Account struct {
	// Short unique name, used in logs and as the local store scope.
	Name  string
	Email string

	Expunge             ExpungePolicy
	SyncRemoteDeletions bool

	// Messages with an effective date before EarliestPollDate are
	// outside the synchronization window.  Zero disables the cutoff.
	EarliestPollDate time.Time

	// Messages larger than this are downloaded partially.  Zero or
	// less downloads everything in full.
	MaxAutoDownloadSize int64

	// Number of newest messages kept in view per folder when the
	// folder has no limit of its own.
	DisplayCount int

	TrashFolder  string
	SentFolder   string
	DraftsFolder string
	OutboxFolder string
}

// FolderType is a hint passed to remote stores when creating folders.
type FolderType int

const (
	FolderRegular FolderType = iota
	FolderTrash
	FolderSent
	FolderDrafts
	FolderOutbox
)

func (t FolderType) String() string {
	switch t {
	case FolderTrash:
		return "trash"
	case FolderSent:
		return "sent"
	case FolderDrafts:
		return "drafts"
	case FolderOutbox:
		return "outbox"
	}
	return "regular"
}

// FolderType classifies name against the account's special folders.
func (a *Account) FolderType(name string) FolderType {
	switch {
	case name == "":
		return FolderRegular
	case name == a.TrashFolder:
		return FolderTrash
	case name == a.SentFolder:
		return FolderSent
	case name == a.DraftsFolder:
		return FolderDrafts
	case name == a.OutboxFolder:
		return FolderOutbox
	}
	return FolderRegular
}

// VisibleLimit returns n if it is a usable limit and the account's
// display count otherwise.
func (a *Account) VisibleLimit(n int) int {
	if n > 0 {
		return n
	}
	if a.DisplayCount > 0 {
		return a.DisplayCount
	}
	return DefaultVisibleLimit
}

func (a *Account) String() string {
	return a.Name
}
