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

// Package ctxutil provides context helpers.
package ctxutil

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleep pauses the current goroutine until d has passed or ctx is canceled.
//
// It returns ctx's error if ctx was canceled before d passed.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// DurationWithJitter returns an exponential backoff duration for the given attempt
// (counting from 1) with up to 50% random jitter, capped at maxD.
//
// Non-positive base or attempt return 0.
func DurationWithJitter(base, maxD time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}

	d := base
	for i := 1; i < attempt && d < maxD; i++ {
		d *= 2
	}

	if maxD > 0 && d > maxD {
		d = maxD
	}

	if half := int64(d / 2); half > 0 {
		d = time.Duration(half + rand.Int64N(half+1))
	}

	return d
}
