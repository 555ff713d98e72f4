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

// SizeClass says how a message is downloaded.
type SizeClass int

const (
	// Small messages are downloaded in full in one fetch.
	Small SizeClass = iota
	// Large messages are downloaded structure first, then a
	// truncated body or their text parts.
	Large
)

func (c SizeClass) String() string {
	if c == Large {
		return "large"
	}
	return "small"
}

// ClassifySize classifies a message of size bytes against the
// account's maximum automatic download size.  A threshold of zero or
// less means every message is small.
func ClassifySize(size, threshold int64) SizeClass {
	if threshold > 0 && size > threshold {
		return Large
	}
	return Small
}
