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

import "strings"

// FetchItem names one granularity of data that can be requested from a
// remote store.
type FetchItem int

const (
	FetchFlags FetchItem = iota + 1
	FetchEnvelope
	FetchStructure
	FetchBody
	// FetchBodySane requests the body truncated to a size the store
	// considers reasonable for display.
	FetchBodySane
)

func (i FetchItem) String() string {
	switch i {
	case FetchFlags:
		return "FLAGS"
	case FetchEnvelope:
		return "ENVELOPE"
	case FetchStructure:
		return "STRUCTURE"
	case FetchBody:
		return "BODY"
	case FetchBodySane:
		return "BODY_SANE"
	}
	return "UNKNOWN"
}

// FetchProfile is an ordered set of items requested in one round trip.
type FetchProfile []FetchItem

// NewFetchProfile returns a profile with items in the given order,
// dropping duplicates.
func NewFetchProfile(items ...FetchItem) FetchProfile {
	p := make(FetchProfile, 0, len(items))
	for _, item := range items {
		if !p.Contains(item) {
			p = append(p, item)
		}
	}
	return p
}

func (p FetchProfile) Contains(item FetchItem) bool {
	for _, i := range p {
		if i == item {
			return true
		}
	}
	return false
}

func (p FetchProfile) String() string {
	names := make([]string, len(p))
	for i, item := range p {
		names[i] = item.String()
	}
	return "(" + strings.Join(names, " ") + ")"
}
