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

// Package lazyerrors provides error wrapping that records the caller's location.
//
// It is used for internal errors that are not part of any component contract.
// Contract errors are [github.com/FerretDB/sqlitekit/internal/backend.Error] values.
package lazyerrors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// located is an error annotated with the program counter of the function that created it.
type located struct {
	err error
	pc  uintptr
}

// callerPC returns the program counter of the caller of the exported function.
func callerPC() uintptr {
	pcs := make([]uintptr, 1)
	if runtime.Callers(3, pcs) == 0 {
		return 0
	}

	return pcs[0]
}

// location returns "file.go:line pkg.Func" for pc, or an empty string.
func location(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return ""
	}

	_, file := filepath.Split(f.File)
	res := file + ":" + strconv.Itoa(f.Line)

	if f.Function != "" {
		i := strings.LastIndex(f.Function, "/")
		res += " " + f.Function[i+1:]
	}

	return res
}

// Error implements error interface.
func (e located) Error() string {
	l := location(e.pc)
	if l == "" {
		return "[unknown] " + e.err.Error()
	}

	return "[" + l + "] " + e.err.Error()
}

// Unwrap returns the wrapped error.
func (e located) Unwrap() error {
	return e.err
}

// New returns a new error with the given text and the caller's location.
func New(s string) error {
	return located{err: errors.New(s), pc: callerPC()}
}

// Error wraps err with the caller's location.
//
// It panics if err is nil; that is always a programming error.
func Error(err error) error {
	if err == nil {
		panic("lazyerrors.Error: err is nil")
	}

	return located{err: err, pc: callerPC()}
}

// Errorf formats an error with [fmt.Errorf] and adds the caller's location.
func Errorf(format string, a ...any) error {
	return located{err: fmt.Errorf(format, a...), pc: callerPC()}
}

// UnwrapAll returns the innermost error of the chain, or nil if err is nil.
func UnwrapAll(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}

		err = next
	}

	return nil
}
