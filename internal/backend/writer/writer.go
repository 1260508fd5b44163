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

// Package writer provides the write coordinator.
//
// The coordinator runs write functions in transactions on leases, one writer per physical
// connection at a time, and retries them on SQLite lock contention.
package writer

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelsemconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/backend/pool"
	"github.com/FerretDB/sqlitekit/internal/util/ctxutil"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
	"github.com/FerretDB/sqlitekit/internal/util/observability"
)

// maxBackoff caps the delay between attempts.
const maxBackoff = time.Second

// Func is a write function.
//
// It may be called several times if the transaction is retried,
// so it should not have side effects outside tx.
type Func func(ctx context.Context, tx *fsql.Tx) error

// Result represents the outcome of a committed write.
type Result struct {
	Attempts int
	Elapsed  time.Duration
}

// Coordinator runs write functions.
//
//nolint:vet // for readability
type Coordinator struct {
	p            *pool.Pool
	maxRetries   int
	retryBackoff time.Duration
	l            *zap.Logger

	m *metrics
}

// NewParams represents the parameters of [New].
type NewParams struct {
	Pool         *pool.Pool
	MaxRetries   int
	RetryBackoff time.Duration
	L            *zap.Logger
}

// New creates a new coordinator.
func New(params *NewParams) *Coordinator {
	return &Coordinator{
		p:            params.Pool,
		maxRetries:   params.MaxRetries,
		retryBackoff: params.RetryBackoff,
		l:            params.L,
		m:            newMetrics(),
	}
}

// Submit acquires a lease, runs fn in a transaction on it, and releases the lease.
//
// See [Coordinator.SubmitOn] for details.
func (c *Coordinator) Submit(ctx context.Context, fn Func) (res *Result, err error) {
	defer observability.FuncCall(ctx)()

	l, err := c.p.Acquire(ctx)
	if err != nil {
		c.m.observe(resultLabel(err), 0)
		return nil, err
	}

	defer func() {
		if e := c.p.Release(l); e != nil && err == nil {
			res, err = nil, e
		}
	}()

	return c.SubmitOn(ctx, l, fn)
}

// SubmitOn runs fn in a transaction on the given lease.
//
// The transaction holds the writer lock of the lease's physical connection.
// If fn returns an error, the transaction is rolled back.
// Lock contention (SQLITE_BUSY, SQLITE_LOCKED, or a transaction that could not be started
// because another one is active) is retried with exponential backoff,
// whether it was returned by BEGIN, COMMIT, or fn's statements;
// WriteConflict error is returned when retries are exhausted.
// Other errors of fn are returned as is.
// NestedTransaction and ConnectionClosed errors are never retried.
// If ctx is canceled, the returned error wraps [context.Cause].
//
// The result is returned only if the transaction was committed.
func (c *Coordinator) SubmitOn(ctx context.Context, l *pool.Lease, fn Func) (*Result, error) {
	defer observability.FuncCall(ctx)()

	ctx, span := observability.StartSpan(
		ctx, "writer.Submit",
		otelsemconv.DBSystemSqlite,
		attribute.String("sqlitekit.lease", l.ID()),
		attribute.String("sqlitekit.conn", l.ConnName()),
		attribute.Stringer("sqlitekit.lifetime", l.Lifetime()),
	)

	start := time.Now()
	res := new(Result)

	err := c.run(ctx, l, fn, res)

	res.Elapsed = time.Since(start)

	span.SetAttributes(attribute.Int("sqlitekit.attempts", res.Attempts))
	span.End(err)

	c.m.observe(resultLabel(err), res.Attempts)

	if err != nil {
		c.l.Debug(
			"Write failed.",
			zap.String("lease", l.ID()), zap.Int("attempts", res.Attempts),
			zap.Duration("elapsed", res.Elapsed), zap.Error(err),
		)

		return nil, err
	}

	c.l.Debug(
		"Write committed.",
		zap.String("lease", l.ID()), zap.Int("attempts", res.Attempts), zap.Duration("elapsed", res.Elapsed),
	)

	return res, nil
}

// run runs the retry loop, updating res.Attempts.
func (c *Coordinator) run(ctx context.Context, l *pool.Lease, fn Func, res *Result) error {
	for {
		res.Attempts++

		err := l.InTransaction(ctx, func(tx *fsql.Tx) error {
			return fn(ctx, tx)
		})

		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		var be *backend.Error
		if errors.As(err, &be) || !retryable(err) {
			return err
		}

		if res.Attempts > c.maxRetries {
			return backend.NewError(
				backend.ErrorCodeWriteConflict,
				lazyerrors.Errorf("lock contention after %d attempt(s): %w", res.Attempts, err),
			)
		}

		delay := ctxutil.DurationWithJitter(c.retryBackoff, maxBackoff, res.Attempts)

		c.l.Debug(
			"Lock contention, retrying.",
			zap.String("lease", l.ID()), zap.Int("attempt", res.Attempts), zap.Duration("delay", delay), zap.Error(err),
		)

		c.m.retries.Inc()

		if err = ctxutil.Sleep(ctx, delay); err != nil {
			return lazyerrors.Error(err)
		}
	}
}

// retryable returns true if the error is caused by lock contention.
func retryable(err error) bool {
	var e *sqlite.Error
	if errors.As(err, &e) {
		switch e.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return true
		}
	}

	msg := err.Error()

	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction")
}
