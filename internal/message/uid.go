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
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// LocalUIDPrefix marks identifiers assigned locally to messages that
// have not been uploaded yet.  Such messages are never destroyed by
// deletion sync.
const LocalUIDPrefix = "mailsync-local:"

// NewLocalUID returns a fresh local-only identifier.
func NewLocalUID() string {
	return LocalUIDPrefix + uuid.NewString()
}

// IsLocalUID reports whether uid was assigned by NewLocalUID.
func IsLocalUID(uid string) bool {
	return strings.HasPrefix(uid, LocalUIDPrefix)
}

// NumericUID parses uid as a server-assigned numeric identifier.
func NumericUID(uid string) (uint64, bool) {
	if uid == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(uid, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// uidRank orders the three kinds of identifiers: numeric first, then
// non-numeric, then absent.
func uidRank(uid string) (int, uint64) {
	if uid == "" {
		return 2, 0
	}
	if n, ok := NumericUID(uid); ok {
		return 0, n
	}
	return 1, 0
}

// CompareUIDs orders identifiers newest first.  Numeric identifiers
// compare by value, descending.  Non-numeric identifiers follow them
// and compare equal to each other; the empty (absent) identifier comes
// last.  The result follows the cmp.Compare convention, so CompareUIDs
// can be passed to slices.SortStableFunc.
func CompareUIDs(a, b string) int {
	ra, na := uidRank(a)
	rb, nb := uidRank(b)
	switch {
	case ra != rb:
		return ra - rb
	case na > nb:
		return -1
	case na < nb:
		return 1
	}
	return 0
}

// CompareNewestFirst orders messages with CompareUIDs.  A nil message
// has an absent identifier.
func CompareNewestFirst(a, b *Message) int {
	return CompareUIDs(uidOf(a), uidOf(b))
}

func uidOf(m *Message) string {
	if m == nil {
		return ""
	}
	return m.UID
}
