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

package ctxutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("Elapsed", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		require.NoError(t, Sleep(context.Background(), 10*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("Canceled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Sleep(ctx, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDurationWithJitter(t *testing.T) {
	t.Parallel()

	assert.Zero(t, DurationWithJitter(0, time.Second, 1))
	assert.Zero(t, DurationWithJitter(time.Millisecond, time.Second, 0))

	for attempt := 1; attempt <= 10; attempt++ {
		d := DurationWithJitter(10*time.Millisecond, 200*time.Millisecond, attempt)

		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 200*time.Millisecond, "attempt %d", attempt)
	}

	d := DurationWithJitter(10*time.Millisecond, time.Second, 3)
	assert.GreaterOrEqual(t, d, 20*time.Millisecond)
	assert.LessOrEqual(t, d, 40*time.Millisecond)
}
