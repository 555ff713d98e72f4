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
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAuthenticationFailed is returned by remote stores when the
	// server rejects the account's credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrResyncRejected is returned by a resynchronizing open when
	// the server will not accept the cached UID validity and
	// mod-sequence.
	ErrResyncRejected = errors.New("resynchronization parameters rejected")

	// ErrNotSupported is returned for operations a store cannot
	// perform at all.
	ErrNotSupported = errors.New("operation not supported by this store")
)

// StoreError is a failure raised by a message store that carries text
// suitable for showing to the user as is.
type StoreError struct {
	Msg string
	Err error
}

// NewStoreError returns a StoreError with a formatted message.
func NewStoreError(format string, args ...interface{}) *StoreError {
	return &StoreError{Msg: fmt.Sprintf(format, args...)}
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *StoreError) Unwrap() error { return e.Err }

type permanentError struct {
	error
}

func (e permanentError) Unwrap() error { return e.error }

// Permanent marks err as one that retrying will not fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err, or anything it wraps, was marked by
// Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
