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
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/FerretDB/sqlitekit/internal/util/fsql"
)

// conn is a physical connection managed by the pool.
type conn struct {
	*fsql.Conn

	// writer lock; held for a whole transaction or a single statement
	lock *semaphore.Weighted

	// lease with an active transaction, if any
	txOwner atomic.Pointer[Lease]

	// number of leases holding this connection; protected by Pool.rw
	leases int

	// connection should be closed when the last lease is released; protected by Pool.rw
	retired bool
}

// newConn wraps an opened connection.
func newConn(c *fsql.Conn) *conn {
	return &conn{
		Conn: c,
		lock: semaphore.NewWeighted(1),
	}
}

// reusable returns true if the connection can be handed out again.
func (c *conn) reusable() bool {
	return !c.Broken() && !c.Closed() && !c.retired
}
