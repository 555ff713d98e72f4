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

// Bucket is the Evaluator's verdict for one remote message.
type Bucket int

const (
	// Unsynced messages need their content downloaded.
	Unsynced Bucket = iota
	// FlagSyncOnly messages are cached; only flags may differ.
	FlagSyncOnly
)

// Evaluator decides what a synchronization pass does with each remote
// message.  It has no state.
type Evaluator struct{}

// Classify returns the bucket for remote.  A message that is not cached
// locally is Unsynced; that is not an error.
func (Evaluator) Classify(ctx context.Context, p *Pass, remote *message.Message) (Bucket, error) {
	if remote.Flags.Has(message.Deleted) {
		return FlagSyncOnly, nil
	}
	local, err := p.Local.Message(ctx, remote.UID)
	if err != nil {
		return Unsynced, errors.Wrapf(err, "unable to look up message %s", remote.UID)
	}
	switch {
	case local == nil:
		return Unsynced, nil
	case local.Flags.Has(message.Deleted):
		// Local deletion wins; the reconciler ignores it.
		return FlagSyncOnly, nil
	case !isDownloaded(local):
		return Unsynced, nil
	}
	return FlagSyncOnly, nil
}

// Evaluate splits remote into messages to download and messages whose
// flags to reconcile, keeping their order.
func (e Evaluator) Evaluate(ctx context.Context, p *Pass, remote []*message.Message) (unsynced, flagSync []*message.Message, err error) {
	for _, m := range remote {
		b, err := e.Classify(ctx, p, m)
		if err != nil {
			return nil, nil, err
		}
		if b == Unsynced {
			unsynced = append(unsynced, m)
		} else {
			flagSync = append(flagSync, m)
		}
	}
	return unsynced, flagSync, nil
}
