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

package writer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/backend/pool"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	sktestutil "github.com/FerretDB/sqlitekit/internal/util/testutil"
	"github.com/FerretDB/sqlitekit/internal/util/testutil/teststress"
)

// setup creates a pool with table t and a coordinator for it.
func setup(t testing.TB, opts ...func(*backend.Config)) (*pool.Pool, *Coordinator) {
	t.Helper()

	ctx := sktestutil.Ctx(t)

	cfg := backend.DefaultConfig()
	cfg.Path = sktestutil.DatabaseFile(t)
	cfg.RetryBackoff = time.Millisecond

	for _, o := range opts {
		o(&cfg)
	}

	require.NoError(t, cfg.Validate())

	l := sktestutil.Logger(t)

	p, err := pool.New(&pool.NewParams{Config: &cfg, L: l})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	c := New(&NewParams{
		Pool:         p,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		L:            l,
	})

	_, err = c.Submit(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE t (v INTEGER NOT NULL)")
		return err
	})
	require.NoError(t, err)

	return p, c
}

// insert returns a write function that inserts v into table t.
func insert(v int) Func {
	return func(ctx context.Context, tx *fsql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (?)", v)
		return err
	}
}

// count returns the number of rows in table t.
func count(t testing.TB, ctx context.Context, p *pool.Pool) int {
	t.Helper()

	l, err := p.Acquire(ctx)
	require.NoError(t, err)

	defer func() { require.NoError(t, p.Release(l)) }()

	var res int
	require.NoError(t, l.QueryRow(ctx, "SELECT count(*) FROM t", nil, &res))

	return res
}

// lockDatabase takes the database write lock on a separate connection
// and returns a function that releases it.
func lockDatabase(t testing.TB, p *pool.Pool) func() {
	t.Helper()

	ctx := sktestutil.Ctx(t)

	u := &url.URL{
		Scheme:   "file",
		Opaque:   p.File(),
		RawQuery: "_pragma=busy_timeout(0)&_pragma=journal_mode(wal)",
	}

	c, err := fsql.Open(ctx, u.String(), "external", sktestutil.Logger(t))
	require.NoError(t, err)

	_, err = c.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)

	var once sync.Once

	unlock := func() {
		once.Do(func() {
			_, err := c.ExecContext(context.Background(), "ROLLBACK")
			assert.NoError(t, err)
			assert.NoError(t, c.Close())
		})
	}

	t.Cleanup(unlock)

	return unlock
}

func TestConcurrentWriters(t *testing.T) {
	t.Parallel()

	for _, lifetime := range []backend.Lifetime{
		backend.LifetimePerOperation,
		backend.LifetimeSharedSingleton,
		backend.LifetimePooledTransient,
	} {
		t.Run(lifetime.String(), func(t *testing.T) {
			t.Parallel()

			ctx := sktestutil.Ctx(t)
			p, c := setup(t, func(cfg *backend.Config) { cfg.Lifetime = lifetime })

			const n = 10

			teststress.Stress(t, n, func(i int, ready chan<- struct{}, start <-chan struct{}) {
				ready <- struct{}{}
				<-start

				res, err := c.Submit(ctx, insert(i))
				require.NoError(t, err)
				assert.GreaterOrEqual(t, res.Attempts, 1)
			})

			assert.Equal(t, n, count(t, ctx, p))
			assert.Equal(t, n+1, c.Results()["committed"])
		})
	}
}

func TestSharedReject(t *testing.T) {
	t.Parallel()

	ctx := sktestutil.Ctx(t)
	p, c := setup(t, func(cfg *backend.Config) {
		cfg.Lifetime = backend.LifetimeSharedSingleton
		cfg.RejectOverlapping = true
	})

	const n = 10

	var m sync.Mutex
	var successes, rejected int

	teststress.Stress(t, n, func(i int, ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		_, err := c.Submit(ctx, func(ctx context.Context, tx *fsql.Tx) error {
			if err := insert(i)(ctx, tx); err != nil {
				return err
			}

			// keep the transaction open long enough for others to overlap
			time.Sleep(10 * time.Millisecond)

			return nil
		})

		m.Lock()
		defer m.Unlock()

		if err == nil {
			successes++
			return
		}

		assert.True(t, backend.ErrorCodeIs(err, backend.ErrorCodeNestedTransaction), "%v", err)
		rejected++
	})

	assert.Equal(t, n, successes+rejected)
	assert.GreaterOrEqual(t, successes, 1)
	assert.Equal(t, successes, count(t, ctx, p))
	assert.Equal(t, rejected, c.Results()["NestedTransaction"])
	assert.Zero(t, c.Retries(), "NestedTransaction is never retried")
}

func TestWriteConflict(t *testing.T) {
	t.Parallel()

	ctx := sktestutil.Ctx(t)
	p, c := setup(t, func(cfg *backend.Config) {
		cfg.BusyTimeout = 0
		cfg.MaxRetries = 2
	})

	unlock := lockDatabase(t, p)

	res, err := c.Submit(ctx, insert(1))
	require.True(t, backend.ErrorCodeIs(err, backend.ErrorCodeWriteConflict), "%v", err)
	assert.Nil(t, res)
	assert.True(t, retryable(err), "the last driver error is wrapped")

	assert.Equal(t, 2, c.Retries())
	assert.Equal(t, 1, c.Results()["WriteConflict"])

	unlock()

	res, err = c.Submit(ctx, insert(2))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, count(t, ctx, p))
}

func TestRetrySucceeds(t *testing.T) {
	t.Parallel()

	ctx := sktestutil.Ctx(t)
	p, c := setup(t, func(cfg *backend.Config) {
		cfg.BusyTimeout = 0
		cfg.MaxRetries = 20
		cfg.RetryBackoff = 5 * time.Millisecond
	})

	unlock := lockDatabase(t, p)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()

	res, err := c.Submit(ctx, insert(1))
	require.NoError(t, err)
	assert.Greater(t, res.Attempts, 1)
	assert.Equal(t, res.Attempts-1, c.Retries())
	assert.Equal(t, 1, count(t, ctx, p))
}

func TestFuncError(t *testing.T) {
	t.Parallel()

	ctx := sktestutil.Ctx(t)
	p, c := setup(t)

	expected := errors.New("test error")

	var calls int

	res, err := c.Submit(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		calls++

		if err := insert(1)(ctx, tx); err != nil {
			return err
		}

		return expected
	})
	require.ErrorIs(t, err, expected)
	assert.Nil(t, res)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, count(t, ctx, p))
	assert.Equal(t, 1, c.Results()["failed"])
}

func TestNestedSubmit(t *testing.T) {
	t.Parallel()

	ctx := sktestutil.Ctx(t)
	p, c := setup(t)

	l, err := p.Acquire(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, p.Release(l)) })

	var calls int

	_, err = c.SubmitOn(ctx, l, func(ctx context.Context, tx *fsql.Tx) error {
		calls++

		_, err := c.SubmitOn(ctx, l, insert(1))

		return err
	})
	require.True(t, backend.ErrorCodeIs(err, backend.ErrorCodeNestedTransaction), "%v", err)
	assert.Equal(t, 1, calls)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := sktestutil.Ctx(t)
	p, c := setup(t)

	submitCtx, cancel := context.WithCancel(ctx)

	_, err := c.Submit(submitCtx, func(ctx context.Context, tx *fsql.Tx) error {
		if err := insert(1)(ctx, tx); err != nil {
			return err
		}

		cancel()

		return insert(2)(ctx, tx)
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.Results()["canceled"])

	assert.Equal(t, 0, count(t, ctx, p))

	// the pool is still usable
	_, err = c.Submit(ctx, insert(3))
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, ctx, p))
}

func TestStorageUnavailable(t *testing.T) {
	t.Parallel()

	ctx := sktestutil.Ctx(t)

	cfg := backend.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "no-such-dir", "test.sqlite")

	p, err := pool.New(&pool.NewParams{Config: &cfg, L: sktestutil.Logger(t)})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	c := New(&NewParams{Pool: p, MaxRetries: 1, RetryBackoff: time.Millisecond, L: sktestutil.Logger(t)})

	_, err = c.Submit(ctx, insert(1))
	require.True(t, backend.ErrorCodeIs(err, backend.ErrorCodeStorageUnavailable), "%v", err)
	assert.Equal(t, 1, c.Results()["StorageUnavailable"])
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	for i, tc := range []struct {
		err      error
		expected bool
	}{
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("cannot start a transaction within a transaction"), true},
		{fmt.Errorf("wrapped: %w", errors.New("database table is locked")), true},
		{errors.New("UNIQUE constraint failed: t.v"), false},
		{context.Canceled, false},
	} {
		assert.Equal(t, tc.expected, retryable(tc.err), "%d: %v", i, tc.err)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	_, c := setup(t)

	// submissions, retries, attempts
	assert.Equal(t, 3, testutil.CollectAndCount(c))
	assert.Equal(t, map[string]int{"committed": 1}, c.Results())
}
