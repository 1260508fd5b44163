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

package lazyerrors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocation(t *testing.T) {
	t.Parallel()

	err := New("boom")
	assert.Regexp(t, `^\[lazyerrors_test\.go:\d+ lazyerrors\.TestLocation\] boom$`, err.Error())

	wrapped := Errorf("outer: %w", err)
	assert.Regexp(t, `^\[lazyerrors_test\.go:\d+ lazyerrors\.TestLocation\] outer: \[lazyerrors_test\.go:\d+ lazyerrors\.TestLocation\] boom$`, wrapped.Error())

	assert.ErrorIs(t, wrapped, err)
}

func TestError(t *testing.T) {
	t.Parallel()

	err := Error(io.EOF)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, io.EOF, errors.Unwrap(err))

	assert.Panics(t, func() { _ = Error(nil) })
}

func TestGoroutine(t *testing.T) {
	t.Parallel()

	ch := make(chan error, 1)

	go func() {
		ch <- New("err")
	}()

	err := <-ch
	assert.Regexp(t, `^\[lazyerrors_test\.go:\d+ lazyerrors\.TestGoroutine\.func1\] err$`, err.Error())
}

func TestUnwrapAll(t *testing.T) {
	t.Parallel()

	assert.Nil(t, UnwrapAll(nil))
	assert.Equal(t, io.EOF, UnwrapAll(io.EOF))

	err := Errorf("c: %w", Errorf("b: %w", Error(io.ErrUnexpectedEOF)))
	require.Error(t, err)
	assert.Equal(t, io.ErrUnexpectedEOF, UnwrapAll(err))
}
