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

package pool

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/util/ctxutil"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
	"github.com/FerretDB/sqlitekit/internal/util/observability"
	"github.com/FerretDB/sqlitekit/internal/util/resource"
)

// Lease is a checked-out physical connection.
//
// A lease must be used by one goroutine at a time and released exactly once with [Pool.Release].
// Under [backend.LifetimeSharedSingleton] several leases share the physical connection;
// their statements and transactions are serialized by the connection's writer lock.
//
//nolint:vet // for readability
type Lease struct {
	id string
	p  *Pool
	c  *conn

	released atomic.Bool

	// active transaction started by InTransaction
	tx atomic.Pointer[fsql.Tx]

	token *resource.Token
}

// newLease creates a new lease for the given connection.
func newLease(p *Pool, c *conn) *Lease {
	l := &Lease{
		id:    uuid.NewString(),
		p:     p,
		c:     c,
		token: resource.NewToken(),
	}

	resource.Track(l, l.token)

	return l
}

// discard stops tracking the lease.
func (l *Lease) discard() {
	resource.Untrack(l, l.token)
}

// ID returns the lease's unique ID.
func (l *Lease) ID() string {
	return l.id
}

// ConnName returns the name of the lease's physical connection.
func (l *Lease) ConnName() string {
	return l.c.Name()
}

// Lifetime returns the lifetime policy of the lease's pool.
func (l *Lease) Lifetime() backend.Lifetime {
	return l.p.cfg.Lifetime
}

// TxActive returns true if the lease has an active transaction.
func (l *Lease) TxActive() bool {
	return l.tx.Load() != nil
}

// check returns ConnectionClosed error if the lease can't be used.
func (l *Lease) check() error {
	if l.released.Load() {
		return backend.NewError(backend.ErrorCodeConnectionClosed, lazyerrors.Errorf("lease %s is released", l.id))
	}

	if l.c.Closed() {
		return backend.NewError(backend.ErrorCodeConnectionClosed, lazyerrors.Errorf("connection %s is closed", l.c.Name()))
	}

	return nil
}

// convertErr converts errors of closed connections to ConnectionClosed error,
// and wraps other errors.
func (l *Lease) convertErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) || l.c.Closed() {
		return backend.NewError(backend.ErrorCodeConnectionClosed, lazyerrors.Error(err))
	}

	return lazyerrors.Error(err)
}

// querier returns the querier for a single statement and a function that must be called
// when the statement (and its rows) is done.
//
// Within the lease's own transaction, the transaction is returned.
// Otherwise, the connection's writer lock is held until unlock is called,
// so the statement does not interleave with transactions of other leases on the same connection.
func (l *Lease) querier(ctx context.Context) (fsql.Querier, func(), error) {
	if err := l.check(); err != nil {
		return nil, nil, err
	}

	if tx := l.tx.Load(); tx != nil {
		return tx, func() {}, nil
	}

	if err := l.c.lock.Acquire(ctx, 1); err != nil {
		return nil, nil, lazyerrors.Error(err)
	}

	if err := l.check(); err != nil {
		l.c.lock.Release(1)
		return nil, nil, err
	}

	return l.c, func() { l.c.lock.Release(1) }, nil
}

// Exec executes a single statement.
func (l *Lease) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	q, unlock, err := l.querier(ctx)
	if err != nil {
		return nil, err
	}

	defer unlock()

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, l.convertErr(err)
	}

	return res, nil
}

// Query executes a query and calls scan for each row.
//
// The statement holds the connection until Query returns,
// so scan must not use the lease.
func (l *Lease) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	defer observability.FuncCall(ctx)()

	q, unlock, err := l.querier(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return l.convertErr(err)
	}

	defer rows.Close()

	for rows.Next() {
		if err = scan(rows); err != nil {
			return lazyerrors.Error(err)
		}
	}

	if err = rows.Err(); err != nil {
		return l.convertErr(err)
	}

	return nil
}

// QueryRow executes a query that is expected to return at most one row and scans it into dest.
//
// It returns [sql.ErrNoRows] (possibly wrapped) if there are no rows.
func (l *Lease) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	defer observability.FuncCall(ctx)()

	q, unlock, err := l.querier(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	if err = q.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lazyerrors.Error(err)
		}

		return l.convertErr(err)
	}

	return nil
}

// InTransaction runs f in a transaction on the lease's connection.
//
// The transaction holds the connection's writer lock.
// It returns NestedTransaction error if the lease already has an active transaction,
// or, with overlapping transactions rejected on a shared connection,
// if another lease's transaction is active.
// Errors returned by the driver and f are returned as is, so the caller can classify them.
func (l *Lease) InTransaction(ctx context.Context, f func(*fsql.Tx) error) error {
	defer observability.FuncCall(ctx)()

	if err := l.check(); err != nil {
		return err
	}

	if l.tx.Load() != nil {
		return backend.NewError(
			backend.ErrorCodeNestedTransaction,
			lazyerrors.Errorf("lease %s already has an active transaction", l.id),
		)
	}

	if err := l.lockTx(ctx); err != nil {
		return err
	}

	c := l.c

	c.txOwner.Store(l)

	defer func() {
		c.txOwner.Store(nil)
		c.lock.Release(1)
	}()

	if err := l.check(); err != nil {
		return err
	}

	err := c.InTransaction(ctx, func(tx *fsql.Tx) error {
		l.tx.Store(tx)
		defer l.tx.Store(nil)

		return f(tx)
	})

	if err != nil && (errors.Is(err, sql.ErrConnDone) || c.Closed()) {
		return backend.NewError(backend.ErrorCodeConnectionClosed, lazyerrors.Error(err))
	}

	return err
}

// lockTx acquires the connection's writer lock for a transaction.
func (l *Lease) lockTx(ctx context.Context) error {
	c := l.c

	if l.p.cfg.Lifetime != backend.LifetimeSharedSingleton || !l.p.cfg.RejectOverlapping {
		if err := c.lock.Acquire(ctx, 1); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
	}

	// the lock may be held by another lease's single statement, which is short;
	// wait for it, but reject if another transaction is active
	for {
		if c.lock.TryAcquire(1) {
			return nil
		}

		if owner := c.txOwner.Load(); owner != nil {
			return backend.NewError(
				backend.ErrorCodeNestedTransaction,
				lazyerrors.Errorf("transaction of lease %s is active on shared connection %s", owner.id, c.Name()),
			)
		}

		if err := ctxutil.Sleep(ctx, time.Millisecond); err != nil {
			return lazyerrors.Error(err)
		}
	}
}

// MarkBroken marks the lease's physical connection as broken.
// It will be discarded instead of being reused.
func (l *Lease) MarkBroken() {
	l.c.MarkBroken()
}
