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


// Package bodystore keeps raw message content in files, spread over a
// two level directory farm so no directory grows too large.
package bodystore

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"
)

// Store is a directory of message files keyed by folder and UID.
type Store struct {
	root string
}

type path struct {
	root string
	dirs []string
	base string
}

func (p path) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

// New returns a Store rooted at root, creating the directory farm if
// needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(root), dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "unable to create %s", filepath.Dir(root))
	}
	if err := mkdirfarm(root, 2); err != nil {
		return nil, errors.Wrapf(err, "unable to create message directory %s", root)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Has(folder, uid string) bool {
	_, err := os.Stat(s.makePath(folder, uid).Join())
	return err == nil
}

// Put stores raw as the content of the message, replacing any earlier
// content.  Readers never see a partly written file.
func (s *Store) Put(folder, uid string, raw []byte) error {
	if uid == "" {
		return errors.New("message has no UID")
	}
	p := s.makePath(folder, uid).Join()
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "unable to create message file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "unable to write message %s", uid)
	}
	if err := tmp.Chmod(messageFileMode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(tmp.Name(), p), "unable to store message %s", uid)
}

// Get returns the stored content, or nil if there is none.
func (s *Store) Get(folder, uid string) ([]byte, error) {
	raw, err := os.ReadFile(s.makePath(folder, uid).Join())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return raw, errors.Wrapf(err, "unable to read message %s", uid)
}

// Delete removes the stored content.  Deleting content that was never
// stored is not an error.
func (s *Store) Delete(folder, uid string) error {
	err := os.Remove(s.makePath(folder, uid).Join())
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to delete message %s", uid)
	}
	return nil
}

// basename holds the fields encoded into the file name of a stored
// message.
type basename struct {
	// The folder the message belongs to.  UIDs are only unique
	// within a folder.
	folder string

	uid string
}

// Return the specified string with characters that should not appear
// in a file name escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the specified character should be escaped when
// appearing in a file name.  Only the alphanumeric subset of the
// POSIX portable filename character set is left alone.
func shouldEscape(c byte) bool {
	return !('A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9')
}

// encode returns the basename in a filename safe form, prefixed with
// "mailsync-1-" as a distinguisher followed by an encoding version.
func (b basename) encode() string {
	var sb strings.Builder
	const prefix = "mailsync-1-"
	sb.Grow(len(prefix) + len(b.folder) + len(b.uid) + 1)
	sb.WriteString(prefix)
	sb.WriteString(escape(b.folder))
	sb.WriteRune('-')
	sb.WriteString(escape(b.uid))
	return sb.String()
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(key string) []string {
	fp := fingerprint([]byte(key))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (s *Store) makePath(folder, uid string) path {
	b := basename{folder: folder, uid: uid}
	return path{
		root: s.root,
		dirs: pathParts(folder + "\x00" + uid),
		base: b.encode(),
	}
}
