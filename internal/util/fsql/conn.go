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

// Package fsql provides [database/sql] utilities.
//
// [Conn] pins a single physical SQLite connection; every statement and transaction
// on it runs on the same driver connection.
package fsql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
	"github.com/FerretDB/sqlitekit/internal/util/observability"
	"github.com/FerretDB/sqlitekit/internal/util/resource"
)

// Querier is implemented by [*Conn] and [*Tx].
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn wraps a single physical connection with logging, metrics, and resource tracking.
type Conn struct {
	*metricsCollector

	name   string
	sqlDB  *sql.DB
	sqlCon *sql.Conn
	l      *zap.Logger
	token  *resource.Token

	broken atomic.Bool
	closed atomic.Bool
}

// Open opens a new physical connection for the given SQLite URI and checks that it works.
//
// Name is used for metric label values and the logger name.
func Open(ctx context.Context, uri, name string, l *zap.Logger) (*Conn, error) {
	defer observability.FuncCall(ctx)()

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	sqlCon, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	// SQLite opens the file lazily; force it now so that missing directories
	// and unreadable files are reported by Open
	if _, err = sqlCon.ExecContext(ctx, "SELECT count(*) FROM sqlite_master"); err != nil {
		_ = sqlCon.Close()
		_ = db.Close()

		return nil, lazyerrors.Error(err)
	}

	c := &Conn{
		metricsCollector: newMetricsCollector(name, db.Stats),
		name:             name,
		sqlDB:            db,
		sqlCon:           sqlCon,
		l:                l.Named(name),
		token:            resource.NewToken(),
	}

	resource.Track(c, c.token)

	return c, nil
}

// Name returns the connection name.
func (c *Conn) Name() string {
	return c.name
}

// Broken returns true if the connection is in an unknown transaction state
// and must not be reused.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// MarkBroken marks the connection as broken.
func (c *Conn) MarkBroken() {
	c.broken.Store(true)
}

// Closed returns true if Close was called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close closes the physical connection.
//
// It is safe to call Close multiple times.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	resource.Untrack(c, c.token)

	err := c.sqlCon.Close()
	if e := c.sqlDB.Close(); err == nil {
		err = e
	}

	return err
}

// QueryContext calls [*sql.Conn.QueryContext].
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer observability.FuncCall(ctx)()

	start := logBefore(c.l, query, args)
	rows, err := c.sqlCon.QueryContext(ctx, query, args...)
	logAfter(c.l, query, args, start, nil, err)

	return rows, err
}

// QueryRowContext calls [*sql.Conn.QueryRowContext].
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	start := logBefore(c.l, query, args)
	row := c.sqlCon.QueryRowContext(ctx, query, args...)
	logAfter(c.l, query, args, start, nil, row.Err())

	return row
}

// ExecContext calls [*sql.Conn.ExecContext].
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := logBefore(c.l, query, args)
	res, err := c.sqlCon.ExecContext(ctx, query, args...)
	logAfter(c.l, query, args, start, res, err)

	return res, err
}

// InTransaction wraps the given function f in a transaction.
//
// If f returns an error, panics, or context is canceled, the transaction is rolled back
// and the connection stays usable.
// If ctx is canceled, the returned error wraps [context.Cause].
// If the transaction can't be finished cleanly, the connection is marked as broken.
func (c *Conn) InTransaction(ctx context.Context, f func(*Tx) error) (err error) {
	defer observability.FuncCall(ctx)()

	if ctx.Err() != nil {
		return lazyerrors.Error(context.Cause(ctx))
	}

	var sqlTx *sql.Tx

	// database/sql rolls back a transaction whose context is canceled by itself
	// and discards the driver connection; we roll back explicitly instead
	if sqlTx, err = c.sqlCon.BeginTx(context.WithoutCancel(ctx), nil); err != nil {
		// do not wrap; callers inspect driver errors
		return
	}

	tx := wrapTx(sqlTx, c.l)

	var done bool

	defer func() {
		// checking a separate variable also handles f calling runtime.Goexit
		// (testify/require in tests) and panics
		if done {
			return
		}

		if err == nil {
			err = lazyerrors.New("transaction was not committed")
		}

		c.rollback(tx)
	}()

	if err = f(tx); err != nil {
		if ctx.Err() != nil {
			err = canceled(ctx, err)
		}

		// otherwise do not wrap f's error because the caller depends on it
		return
	}

	if ctx.Err() != nil {
		err = canceled(ctx, nil)
		return
	}

	if err = tx.Commit(); err != nil {
		// database/sql considers the transaction done even if SQLite kept it open
		// (for example, on SQLITE_BUSY during COMMIT); end it explicitly
		c.rollbackLeftover()

		done = true

		return
	}

	done = true

	return
}

// canceled returns an error that wraps both the cause of ctx cancellation and err (if any).
func canceled(ctx context.Context, err error) error {
	if err == nil {
		return lazyerrors.Error(context.Cause(ctx))
	}

	return lazyerrors.Errorf("%w: %w", context.Cause(ctx), err)
}

// rollback rolls back tx.
//
// SQLite rolls back by itself when an interrupted statement is a write,
// so an inactive transaction is not an error.
func (c *Conn) rollback(tx *Tx) {
	err := tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) || strings.Contains(err.Error(), "no transaction is active") {
		return
	}

	c.l.Warn("Rollback failed.", zap.Error(err))
	c.MarkBroken()
}

// rollbackLeftover ends a transaction that SQLite may still consider active.
func (c *Conn) rollbackLeftover() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.sqlCon.ExecContext(ctx, "ROLLBACK")
	if err == nil || strings.Contains(err.Error(), "no transaction is active") {
		return
	}

	c.l.Warn("Failed to roll back leftover transaction.", zap.Error(err))
	c.MarkBroken()
}

// logBefore logs the query before execution and returns the start time.
func logBefore(l *zap.Logger, query string, args []any) time.Time {
	if ce := l.Check(zap.DebugLevel, ">>> "+query); ce != nil {
		ce.Write(zap.Any("args", args))
	}

	return time.Now()
}

// logAfter logs the query result.
func logAfter(l *zap.Logger, query string, args []any, start time.Time, res sql.Result, err error) {
	ce := l.Check(zap.DebugLevel, "<<< "+query)
	if ce == nil {
		return
	}

	// to differentiate between 0 and nil
	var ra *int64

	if res != nil {
		if rav, e := res.RowsAffected(); e == nil {
			ra = &rav
		}
	}

	ce.Write(zap.Any("args", args), zap.Int64p("rows", ra), zap.Duration("time", time.Since(start)), zap.Error(err))
}

// check interfaces
var (
	_ Querier = (*Conn)(nil)
)
