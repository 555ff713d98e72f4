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
	"reflect"
	gosync "sync"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"
)

// Listener receives progress and results of synchronization passes.
// Calls are made inline from the pass and must not block for long.
type Listener interface {
	SynchronizeMailboxStarted(acct *account.Account, folder string)
	SynchronizeMailboxHeadersStarted(acct *account.Account, folder string)
	SynchronizeMailboxHeadersProgress(acct *account.Account, folder string, completed, total int)
	SynchronizeMailboxHeadersFinished(acct *account.Account, folder string, total, completed int)
	SynchronizeMailboxProgress(acct *account.Account, folder string, completed, total int)
	SynchronizeMailboxNewMessage(acct *account.Account, folder string, msg *message.Message)
	SynchronizeMailboxRemovedMessage(acct *account.Account, folder string, msg *message.Message)
	SynchronizeMailboxMessageUpdated(acct *account.Account, folder string, msg *message.Message)
	SynchronizeMailboxFinished(acct *account.Account, folder string, total, newMessages int)
	SynchronizeMailboxFailed(acct *account.Account, folder string, reason string)

	PendingCommandsProcessing(acct *account.Account)
	PendingCommandStarted(acct *account.Account, command string)
	PendingCommandCompleted(acct *account.Account, command string)
	PendingCommandsFinished(acct *account.Account)
}

// BaseListener implements Listener with no-ops.  Embed it to implement
// only the callbacks of interest.
type BaseListener struct{}

func (BaseListener) SynchronizeMailboxStarted(*account.Account, string)                   {}
func (BaseListener) SynchronizeMailboxHeadersStarted(*account.Account, string)            {}
func (BaseListener) SynchronizeMailboxHeadersProgress(*account.Account, string, int, int) {}
func (BaseListener) SynchronizeMailboxHeadersFinished(*account.Account, string, int, int) {}
func (BaseListener) SynchronizeMailboxProgress(*account.Account, string, int, int)        {}
func (BaseListener) SynchronizeMailboxNewMessage(*account.Account, string, *message.Message) {
}
func (BaseListener) SynchronizeMailboxRemovedMessage(*account.Account, string, *message.Message) {
}
func (BaseListener) SynchronizeMailboxMessageUpdated(*account.Account, string, *message.Message) {
}
func (BaseListener) SynchronizeMailboxFinished(*account.Account, string, int, int) {}
func (BaseListener) SynchronizeMailboxFailed(*account.Account, string, string)     {}
func (BaseListener) PendingCommandsProcessing(*account.Account)                   {}
func (BaseListener) PendingCommandStarted(*account.Account, string)               {}
func (BaseListener) PendingCommandCompleted(*account.Account, string)             {}
func (BaseListener) PendingCommandsFinished(*account.Account)                     {}

// Registry is the set of listeners registered with a Controller.  It
// may be changed while passes are running; each pass notifies a
// snapshot taken when it starts.
type Registry struct {
	mu        gosync.Mutex
	listeners []Listener
}

// Add registers l.  Adding a listener twice has no effect.  Listeners
// are matched by identity, so a listener whose type is not comparable,
// such as a struct holding a slice, must be registered by pointer to
// be found again by Remove.
func (r *Registry) Add(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.listeners {
		if sameListener(x, l) {
			return
		}
	}
	r.listeners = append(r.listeners, l)
}

// Remove unregisters l.  A listener of a type that is not comparable
// never matches and stays registered; register such listeners by
// pointer.
func (r *Registry) Remove(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.listeners {
		if sameListener(x, l) {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Snapshot returns the registered listeners plus extra, if non-nil
// and not already registered, as one Listener.
func (r *Registry) Snapshot(extra Listener) Listener {
	r.mu.Lock()
	set := make(listenerSet, 0, len(r.listeners)+1)
	set = append(set, r.listeners...)
	r.mu.Unlock()
	if extra != nil {
		for _, x := range set {
			if sameListener(x, extra) {
				return set
			}
		}
		set = append(set, extra)
	}
	return set
}

// sameListener compares listeners by identity without panicking on
// listener types that are not comparable.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// listenerSet fans every call out to its members in order.
type listenerSet []Listener

func (s listenerSet) SynchronizeMailboxStarted(a *account.Account, f string) {
	for _, l := range s {
		l.SynchronizeMailboxStarted(a, f)
	}
}

func (s listenerSet) SynchronizeMailboxHeadersStarted(a *account.Account, f string) {
	for _, l := range s {
		l.SynchronizeMailboxHeadersStarted(a, f)
	}
}

func (s listenerSet) SynchronizeMailboxHeadersProgress(a *account.Account, f string, completed, total int) {
	for _, l := range s {
		l.SynchronizeMailboxHeadersProgress(a, f, completed, total)
	}
}

func (s listenerSet) SynchronizeMailboxHeadersFinished(a *account.Account, f string, total, completed int) {
	for _, l := range s {
		l.SynchronizeMailboxHeadersFinished(a, f, total, completed)
	}
}

func (s listenerSet) SynchronizeMailboxProgress(a *account.Account, f string, completed, total int) {
	for _, l := range s {
		l.SynchronizeMailboxProgress(a, f, completed, total)
	}
}

func (s listenerSet) SynchronizeMailboxNewMessage(a *account.Account, f string, m *message.Message) {
	for _, l := range s {
		l.SynchronizeMailboxNewMessage(a, f, m)
	}
}

func (s listenerSet) SynchronizeMailboxRemovedMessage(a *account.Account, f string, m *message.Message) {
	for _, l := range s {
		l.SynchronizeMailboxRemovedMessage(a, f, m)
	}
}

func (s listenerSet) SynchronizeMailboxMessageUpdated(a *account.Account, f string, m *message.Message) {
	for _, l := range s {
		l.SynchronizeMailboxMessageUpdated(a, f, m)
	}
}

func (s listenerSet) SynchronizeMailboxFinished(a *account.Account, f string, total, newMessages int) {
	for _, l := range s {
		l.SynchronizeMailboxFinished(a, f, total, newMessages)
	}
}

func (s listenerSet) SynchronizeMailboxFailed(a *account.Account, f string, reason string) {
	for _, l := range s {
		l.SynchronizeMailboxFailed(a, f, reason)
	}
}

func (s listenerSet) PendingCommandsProcessing(a *account.Account) {
	for _, l := range s {
		l.PendingCommandsProcessing(a)
	}
}

func (s listenerSet) PendingCommandStarted(a *account.Account, cmd string) {
	for _, l := range s {
		l.PendingCommandStarted(a, cmd)
	}
}

func (s listenerSet) PendingCommandCompleted(a *account.Account, cmd string) {
	for _, l := range s {
		l.PendingCommandCompleted(a, cmd)
	}
}

func (s listenerSet) PendingCommandsFinished(a *account.Account) {
	for _, l := range s {
		l.PendingCommandsFinished(a)
	}
}

// Suppressions tracks messages that are currently shown to the user.
// Flag changes to a suppressed message are applied but not announced.
type Suppressions struct {
	mu  gosync.Mutex
	set map[suppressionKey]struct{}
}

type suppressionKey struct {
	account, folder, uid string
}

func (s *Suppressions) Suppress(acct *account.Account, folder, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = make(map[suppressionKey]struct{})
	}
	s.set[suppressionKey{acct.Name, folder, uid}] = struct{}{}
}

func (s *Suppressions) Unsuppress(acct *account.Account, folder, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.set, suppressionKey{acct.Name, folder, uid})
}

func (s *Suppressions) IsSuppressed(acct *account.Account, folder, uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[suppressionKey{acct.Name, folder, uid}]
	return ok
}
