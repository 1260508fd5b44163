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

// Package session provides the store and its units of work.
//
// A [Store] owns the connection pool and the write coordinator for one database file.
// A [Session] is a unit of work: one lease and one identity map.
package session

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/backend/pool"
	"github.com/FerretDB/sqlitekit/internal/backend/writer"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
	"github.com/FerretDB/sqlitekit/internal/util/observability"
	"github.com/FerretDB/sqlitekit/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "sqlitekit"
	subsystem = "store"
)

// Store provides sessions for a single database file.
//
//nolint:vet // for readability
type Store struct {
	cfg backend.Config
	l   *zap.Logger

	p *pool.Pool
	w *writer.Coordinator

	sessions      atomic.Int64
	sessionsTotal atomic.Int64

	token *resource.Token
}

// OpenParams represents the parameters of [Open].
type OpenParams struct {
	Config *backend.Config
	L      *zap.Logger
}

// Open validates the configuration and opens a new store.
//
// No physical connection is opened unless PreOpen is set.
func Open(params *OpenParams) (*Store, error) {
	cfg := *params.Config

	if err := cfg.Validate(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	l := params.L

	p, err := pool.New(&pool.NewParams{
		Config: &cfg,
		L:      l.Named("pool"),
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg: cfg,
		l:   l.Named("store"),
		p:   p,
		w: writer.New(&writer.NewParams{
			Pool:         p,
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
			L:            l.Named("writer"),
		}),
		token: resource.NewToken(),
	}

	resource.Track(s, s.token)

	s.l.Info("Store opened.", zap.Object("config", cfg))

	return s, nil
}

// Config returns the store configuration.
func (s *Store) Config() backend.Config {
	return s.cfg
}

// Stats returns the pool statistics.
func (s *Store) Stats() pool.Stats {
	return s.p.Stats()
}

// Coordinator returns the store's write coordinator.
func (s *Store) Coordinator() *writer.Coordinator {
	return s.w
}

// Begin starts a new session with the configured tracking mode.
//
// It blocks until a lease is available.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	defer observability.FuncCall(ctx)()

	l, err := s.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	s.sessions.Add(1)
	s.sessionsTotal.Add(1)

	return newSession(s, l), nil
}

// Submit runs fn in a transaction on a lease of its own.
// See [writer.Coordinator.SubmitOn].
func (s *Store) Submit(ctx context.Context, fn writer.Func) (*writer.Result, error) {
	return s.w.Submit(ctx, fn)
}

// EnsureCreated creates the database file if needed and applies the given idempotent DDL statements
// in a single transaction.
//
// The returned boolean is true if the database had no tables before.
func (s *Store) EnsureCreated(ctx context.Context, ddl ...string) (bool, error) {
	defer observability.FuncCall(ctx)()

	var created bool

	_, err := s.w.Submit(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table'").Scan(&n); err != nil {
			return err
		}

		created = n == 0

		for _, q := range ddl {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	s.l.Debug("Database ensured.", zap.String("file", s.p.File()), zap.Bool("created", created))

	return created, nil
}

// EnsureDeleted closes idle and shared connections and removes the database file
// with its journal files.
//
// It fails if there are open sessions or other outstanding leases.
// The returned boolean is true if the database file existed.
// The store stays usable; the file is created again on demand.
func (s *Store) EnsureDeleted(ctx context.Context) (bool, error) {
	defer observability.FuncCall(ctx)()

	if err := s.p.Reset(ctx); err != nil {
		return false, lazyerrors.Error(err)
	}

	file := s.p.File()

	var deleted bool

	for _, f := range []string{file, file + "-wal", file + "-shm", file + "-journal"} {
		err := os.Remove(f)

		switch {
		case err == nil:
			if f == file {
				deleted = true
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return false, lazyerrors.Error(err)
		}
	}

	s.l.Debug("Database deleted.", zap.String("file", file), zap.Bool("deleted", deleted))

	return deleted, nil
}

// Close closes the store and all physical connections.
// Operations of sessions that are still open fail with ConnectionClosed.
func (s *Store) Close() {
	s.p.Close()

	resource.Untrack(s, s.token)
}

var (
	sessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "sessions"),
		"The current number of open sessions.",
		nil, nil,
	)
	sessionsTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "sessions_total"),
		"The total number of started sessions.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
	ch <- sessionsTotalDesc

	s.p.Describe(ch)
	s.w.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(s.sessions.Load()))
	ch <- prometheus.MustNewConstMetric(sessionsTotalDesc, prometheus.CounterValue, float64(s.sessionsTotal.Load()))

	s.p.Collect(ch)
	s.w.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Store)(nil)
)
