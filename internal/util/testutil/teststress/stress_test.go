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

package teststress

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStress(t *testing.T) {
	t.Parallel()

	var started, finished atomic.Int32
	seen := make([]atomic.Bool, 8)

	Stress(t, 8, func(i int, ready chan<- struct{}, start <-chan struct{}) {
		seen[i].Store(true)

		ready <- struct{}{}
		<-start

		started.Add(1)
		finished.Add(1)
	})

	assert.Equal(t, int32(8), started.Load())
	assert.Equal(t, int32(8), finished.Load())

	for i := range seen {
		assert.True(t, seen[i].Load(), "goroutine %d", i)
	}
}
