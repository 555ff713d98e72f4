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


// Package credential keeps account passwords in the OS keyring.
package credential

import (
	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

// DefaultService is the keyring service name used when an account
// names none.
const DefaultService = "mailsync"

// Store reads and writes passwords keyed by account name.
type Store struct {
	ring keyring.Keyring
}

// Open opens the keyring for service.  fileDir holds the encrypted
// file backend used where no OS keyring is available.
func Open(service, fileDir string) (*Store, error) {
	if service == "" {
		service = DefaultService
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return &Store{ring: ring}, nil
}

// New wraps an already open keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Password returns the password stored for account.
func (s *Store) Password(account string) (string, error) {
	item, err := s.ring.Get(account)
	if err == keyring.ErrKeyNotFound {
		return "", errors.Errorf("no password stored for account %q", account)
	}
	if err != nil {
		return "", errors.Wrapf(err, "getting password for account %q", account)
	}
	return string(item.Data), nil
}

func (s *Store) SetPassword(account, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:   account,
		Data:  []byte(password),
		Label: "mailsync password for " + account,
	})
	return errors.Wrapf(err, "setting password for account %q", account)
}

// Delete removes the password for account.  Removing a missing
// password is not an error.
func (s *Store) Delete(account string) error {
	err := s.ring.Remove(account)
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return errors.Wrapf(err, "deleting password for account %q", account)
}
