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

package session

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/backend/pool"
	"github.com/FerretDB/sqlitekit/internal/backend/writer"
	"github.com/FerretDB/sqlitekit/internal/graph"
	"github.com/FerretDB/sqlitekit/internal/identity"
	"github.com/FerretDB/sqlitekit/internal/util/resource"
)

// Session is a unit of work: one lease and one identity map.
//
// It must not be used concurrently. Close must be called.
type Session struct {
	s        *Store
	lease    *pool.Lease
	im       *identity.Map
	tracking backend.TrackingMode

	closed atomic.Bool

	token *resource.Token
}

// newSession creates a new session for the lease.
func newSession(s *Store, l *pool.Lease) *Session {
	sess := &Session{
		s:        s,
		lease:    l,
		im:       identity.New(),
		tracking: s.cfg.Tracking,
		token:    resource.NewToken(),
	}

	resource.Track(sess, sess.token)

	return sess
}

// ID returns the session's unique ID.
func (sess *Session) ID() string {
	return sess.lease.ID()
}

// Lease returns the session's lease.
func (sess *Session) Lease() *pool.Lease {
	return sess.lease
}

// Tracking returns the session's tracking mode.
func (sess *Session) Tracking() backend.TrackingMode {
	return sess.tracking
}

// SetTracking overrides the configured tracking mode for subsequent loads.
func (sess *Session) SetTracking(mode backend.TrackingMode) {
	sess.tracking = mode
}

// IdentityMap returns the session's identity map.
//
// In no-tracking mode, loads do not use it.
func (sess *Session) IdentityMap() *identity.Map {
	return sess.im
}

// LoadMap implements [graph.Source].
//
// In track-all mode it returns the session's identity map, so entities are deduplicated across loads.
// In no-tracking mode it returns a new map, so entities are deduplicated within a single load only.
func (sess *Session) LoadMap() *identity.Map {
	if sess.tracking == backend.NoTracking {
		return identity.New()
	}

	return sess.im
}

// Attach adds the entity to the session's identity map.
//
// It returns the registered entity (an existing one wins) and true if the given one was registered.
func (sess *Session) Attach(key identity.Key, entity any) (any, bool) {
	return sess.im.Attach(key, entity)
}

// Write runs fn in a transaction on the session's lease.
// See [writer.Coordinator.SubmitOn].
func (sess *Session) Write(ctx context.Context, fn writer.Func) (*writer.Result, error) {
	return sess.s.w.SubmitOn(ctx, sess.lease, fn)
}

// Query implements [graph.Source].
//
// Within the session's transaction (inside Write), the query runs in that transaction.
func (sess *Session) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	return sess.lease.Query(ctx, query, args, scan)
}

// QueryRow executes a query that returns at most one row and scans it into dest.
func (sess *Session) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	return sess.lease.QueryRow(ctx, query, args, dest...)
}

// Close detaches all entities and releases the lease.
//
// Closing a session twice is a no-op, or returns DoubleRelease error with strict release accounting.
func (sess *Session) Close() error {
	if sess.closed.CompareAndSwap(false, true) {
		sess.im.Detach()
		sess.s.sessions.Add(-1)

		resource.Untrack(sess, sess.token)
	}

	return sess.s.p.Release(sess.lease)
}

// check interfaces
var (
	_ graph.Source = (*Session)(nil)
)
