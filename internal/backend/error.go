// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

//go:generate ../../bin/stringer -linecomment -type ErrorCode

// ErrorCode represent a backend error code.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	// The database file can't be opened or created.
	ErrorCodeStorageUnavailable // StorageUnavailable

	// Lock contention persisted after all retries.
	ErrorCodeWriteConflict // WriteConflict

	// A transaction was begun while another one is active on the same lease
	// or, with overlapping transactions rejected, on the same shared connection.
	ErrorCodeNestedTransaction // NestedTransaction

	// An operation was attempted on a released lease or a closed connection.
	ErrorCodeConnectionClosed // ConnectionClosed

	// A lease was released twice with strict release accounting.
	ErrorCodeDoubleRelease // DoubleRelease
)

// Error represents a backend error returned by pool, writer, and session methods.
type Error struct {
	// The underlying error, if any; for example, the last driver error for WriteConflict.
	err error

	code ErrorCode
}

// NewError creates a new backend error.
//
// Code must not be 0. Err may be nil.
func NewError(code ErrorCode, err error) *Error {
	if code == 0 {
		panic("backend.NewError: code must not be 0")
	}

	return &Error{
		code: code,
		err:  err,
	}
}

// Code returns the error code.
func (err *Error) Code() ErrorCode {
	return err.code
}

// Error implements error interface.
func (err *Error) Error() string {
	if err.err == nil {
		return err.code.String()
	}

	return fmt.Sprintf("%s: %v", err.code, err.err)
}

// Unwrap returns the underlying error.
func (err *Error) Unwrap() error {
	return err.err
}

// ErrorCodeIs returns true if err is or wraps *Error with one of the given error codes.
//
// At least one error code must be given.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.code == code || slices.Contains(codes, e.code)
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
