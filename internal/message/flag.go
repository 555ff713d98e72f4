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

package message

import (
	"strings"

	"github.com/pkg/errors"
)

// Flag is a single per-message boolean attribute.
type Flag uint32

const (
	Seen Flag = 1 << iota
	Answered
	Flagged
	Forwarded
	Deleted
	Draft

	// The remaining flags are local bookkeeping and never leave the
	// local cache.
	DownloadedFull
	DownloadedPartial
	SendInProgress
	Destroyed
)

// SyncFlags are the flags copied from the remote store onto local
// messages.  Deleted is handled separately.
var SyncFlags = []Flag{Seen, Flagged, Answered, Forwarded}

var flagNames = []struct {
	flag Flag
	name string
}{
	{Seen, "seen"},
	{Answered, "answered"},
	{Flagged, "flagged"},
	{Forwarded, "forwarded"},
	{Deleted, "deleted"},
	{Draft, "draft"},
	{DownloadedFull, "x-downloaded-full"},
	{DownloadedPartial, "x-downloaded-partial"},
	{SendInProgress, "x-send-in-progress"},
	{Destroyed, "x-destroyed"},
}

func (f Flag) String() string {
	for _, n := range flagNames {
		if n.flag == f {
			return n.name
		}
	}
	return "unknown"
}

// ParseFlag is the inverse of Flag.String.  Matching ignores case.
func ParseFlag(s string) (Flag, error) {
	for _, n := range flagNames {
		if strings.EqualFold(n.name, s) {
			return n.flag, nil
		}
	}
	return 0, errors.Errorf("unknown flag %q", s)
}

// FlagSet is a set of flags.  The zero value is empty.
type FlagSet uint32

// NewFlagSet returns a set holding flags.
func NewFlagSet(flags ...Flag) FlagSet {
	var s FlagSet
	for _, f := range flags {
		s |= FlagSet(f)
	}
	return s
}

func (s FlagSet) Has(f Flag) bool {
	return s&FlagSet(f) != 0
}

// With returns s with f set or cleared.
func (s FlagSet) With(f Flag, on bool) FlagSet {
	if on {
		return s | FlagSet(f)
	}
	return s &^ FlagSet(f)
}

// List returns the members of s in a stable order.
func (s FlagSet) List() []Flag {
	var out []Flag
	for _, n := range flagNames {
		if s.Has(n.flag) {
			out = append(out, n.flag)
		}
	}
	return out
}

func (s FlagSet) String() string {
	names := make([]string, 0, 4)
	for _, f := range s.List() {
		names = append(names, f.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}
