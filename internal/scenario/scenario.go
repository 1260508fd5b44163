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

// Package scenario contains end-to-end scenarios exercising the store:
// concurrent writers and a self-referential include.
//
// Scenarios recreate the database; they should be run against a dedicated store.
package scenario

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/catalog"
	"github.com/FerretDB/sqlitekit/internal/session"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
)

// reset recreates the catalog database.
func reset(ctx context.Context, s *session.Store) error {
	if _, err := s.EnsureDeleted(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	if _, err := s.EnsureCreated(ctx, catalog.Schema...); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// WriterReport represents the outcome of a single writer.
type WriterReport struct {
	Writer    int
	Committed int
	Attempts  int
	Failures  map[string]int // by error code, or "other"
}

// ConcurrentWritesReport represents the outcome of [ConcurrentWrites].
type ConcurrentWritesReport struct {
	Lifetime  backend.Lifetime
	Expected  int // writers * inserts
	Committed int // successful inserts reported by writers
	Count     int // rows in the database
	Elapsed   time.Duration
	Writers   []WriterReport
}

// OK returns true if every insert was committed and is visible.
func (r *ConcurrentWritesReport) OK() bool {
	return r.Count == r.Expected && r.Committed == r.Expected
}

// Consistent returns true if the database contains exactly the committed inserts.
func (r *ConcurrentWritesReport) Consistent() bool {
	return r.Count == r.Committed
}

// String implements [fmt.Stringer].
func (r *ConcurrentWritesReport) String() string {
	return fmt.Sprintf(
		"%s: %d/%d committed, %d rows, %s",
		r.Lifetime, r.Committed, r.Expected, r.Count, r.Elapsed.Round(time.Millisecond),
	)
}

// ConcurrentWrites recreates the database and runs the given number of writers concurrently,
// each inserting products one by one, each insert in its own transaction of the writer's session.
//
// Write failures are reported, not returned.
func ConcurrentWrites(ctx context.Context, s *session.Store, writers, inserts int) (*ConcurrentWritesReport, error) {
	if err := reset(ctx, s); err != nil {
		return nil, err
	}

	res := &ConcurrentWritesReport{
		Lifetime: s.Config().Lifetime,
		Expected: writers * inserts,
		Writers:  make([]WriterReport, writers),
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)

	for w := range writers {
		g.Go(func() error {
			sess, err := s.Begin(gctx)
			if err != nil {
				return lazyerrors.Error(err)
			}

			defer sess.Close() //nolint:errcheck // double release is not possible there

			wr := WriterReport{Writer: w, Failures: map[string]int{}}

			for i := range inserts {
				p := &catalog.Product{Name: fmt.Sprintf("writer-%d-%d", w, i)}

				r, err := sess.Write(gctx, func(ctx context.Context, tx *fsql.Tx) error {
					p.ID = 0
					return catalog.InsertProduct(ctx, tx, p)
				})
				if err != nil {
					wr.Failures[failureLabel(err)]++
					continue
				}

				wr.Committed++
				wr.Attempts += r.Attempts
			}

			res.Writers[w] = wr

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Elapsed = time.Since(start)

	for _, wr := range res.Writers {
		res.Committed += wr.Committed
	}

	sess, err := s.Begin(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	defer sess.Close() //nolint:errcheck // double release is not possible there

	if res.Count, err = catalog.CountProducts(ctx, sess); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// failureLabel returns a label for a write error.
func failureLabel(err error) string {
	for _, code := range []backend.ErrorCode{
		backend.ErrorCodeStorageUnavailable,
		backend.ErrorCodeWriteConflict,
		backend.ErrorCodeNestedTransaction,
		backend.ErrorCodeConnectionClosed,
		backend.ErrorCodeDoubleRelease,
	} {
		if backend.ErrorCodeIs(err, code) {
			return code.String()
		}
	}

	return "other"
}
