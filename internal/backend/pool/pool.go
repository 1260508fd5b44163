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

// Package pool provides SQLite physical connections and leases under a lifetime policy.
package pool

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/semaphore"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
	"github.com/FerretDB/sqlitekit/internal/util/observability"
	"github.com/FerretDB/sqlitekit/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "sqlitekit"
	subsystem = "pool"
)

// Pool provides leases of SQLite physical connections to a single database file.
//
// Pool size bounds the number of outstanding leases under every lifetime policy;
// only [backend.LifetimePooledTransient] keeps idle connections for reuse.
//
//nolint:vet // for readability
type Pool struct {
	cfg backend.Config
	uri *url.URL
	l   *zap.Logger

	// lease slots
	slots *semaphore.Weighted

	rw     sync.Mutex
	conns  map[*conn]struct{} // all open physical connections
	idle   []*conn            // pooled-transient only
	shared *conn              // shared-singleton only
	leases map[*Lease]struct{}
	closed bool

	connSeq   atomic.Int64
	opened    atomic.Int64
	discarded atomic.Int64
	acquires  atomic.Int64
	waitNanos atomic.Int64

	token *resource.Token
}

// NewParams represents the parameters of [New].
type NewParams struct {
	Config *backend.Config
	L      *zap.Logger
}

// Stats represents pool statistics.
type Stats struct {
	PoolSize  int // maximum number of outstanding leases
	Available int // lease slots available now; 0 <= Available <= PoolSize
	InUse     int // outstanding leases
	Open      int // open physical connections
	Idle      int // idle physical connections
	Opened    int64
	Discarded int64
}

// New creates a new pool for the given configuration.
//
// Configuration must be valid.
// With PreOpen set, one physical connection is opened (and kept, if the policy allows) immediately;
// a failure to open it is returned as StorageUnavailable.
func New(params *NewParams) (*Pool, error) {
	cfg := *params.Config

	uri, err := parseURI(cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, lazyerrors.Errorf("failed to parse database path %q: %w", cfg.Path, err)
	}

	p := &Pool{
		cfg:    cfg,
		uri:    uri,
		l:      params.L,
		slots:  semaphore.NewWeighted(int64(cfg.PoolSize)),
		conns:  map[*conn]struct{}{},
		leases: map[*Lease]struct{}{},
		token:  resource.NewToken(),
	}

	resource.Track(p, p.token)

	if cfg.PreOpen {
		if err = p.preOpen(context.Background()); err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

// preOpen opens the first physical connection.
func (p *Pool) preOpen(ctx context.Context) error {
	c, err := p.openConn(ctx)
	if err != nil {
		return err
	}

	p.rw.Lock()
	defer p.rw.Unlock()

	switch p.cfg.Lifetime {
	case backend.LifetimeSharedSingleton:
		p.shared = c
	case backend.LifetimePooledTransient:
		p.idle = append(p.idle, c)
	case backend.LifetimePerOperation:
		p.closeConnLocked(c)
	}

	return nil
}

// File returns the database file path.
func (p *Pool) File() string {
	return uriFile(p.uri)
}

// Config returns the pool configuration.
func (p *Pool) Config() backend.Config {
	return p.cfg
}

// openConn opens a new physical connection and registers it.
//
// It returns StorageUnavailable error if the database file can't be opened or created.
func (p *Pool) openConn(ctx context.Context) (*conn, error) {
	name := fmt.Sprintf("conn%d", p.connSeq.Add(1))

	fc, err := fsql.Open(ctx, p.uri.String(), name, p.l)
	if err != nil {
		return nil, backend.NewError(backend.ErrorCodeStorageUnavailable, lazyerrors.Errorf("%s: %w", p.File(), err))
	}

	c := newConn(fc)

	p.rw.Lock()
	p.conns[c] = struct{}{}
	p.rw.Unlock()

	p.opened.Add(1)
	p.l.Debug("Physical connection opened.", zap.String("conn", name), zap.Stringer("lifetime", p.cfg.Lifetime))

	return c, nil
}

// closeConnLocked closes the physical connection and unregisters it.
//
// The caller must hold p.rw.
func (p *Pool) closeConnLocked(c *conn) {
	delete(p.conns, c)

	if c.Broken() {
		p.discarded.Add(1)
		p.l.Warn("Broken physical connection discarded.", zap.String("conn", c.Name()))
	}

	if err := c.Close(); err != nil {
		p.l.Warn("Failed to close physical connection.", zap.String("conn", c.Name()), zap.Error(err))
		return
	}

	p.l.Debug("Physical connection closed.", zap.String("conn", c.Name()))
}

// Acquire returns a new lease.
//
// It blocks until a lease slot is available or ctx is canceled.
// It returns StorageUnavailable if a physical connection can't be opened,
// and ConnectionClosed if the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	defer observability.FuncCall(ctx)()

	if p.isClosed() {
		return nil, backend.NewError(backend.ErrorCodeConnectionClosed, lazyerrors.New("pool is closed"))
	}

	start := time.Now()

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, lazyerrors.Error(err)
	}

	p.acquires.Add(1)
	p.waitNanos.Add(int64(time.Since(start)))

	c, err := p.checkout(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}

	l := newLease(p, c)

	p.rw.Lock()
	defer p.rw.Unlock()

	if p.closed {
		// Close was called while we were opening a connection
		c.leases--
		p.closeConnLocked(c)
		p.slots.Release(1)
		l.discard()

		return nil, backend.NewError(backend.ErrorCodeConnectionClosed, lazyerrors.New("pool is closed"))
	}

	p.leases[l] = struct{}{}

	p.l.Debug("Lease acquired.", zap.String("lease", l.id), zap.String("conn", c.Name()))

	return l, nil
}

// checkout returns a physical connection for a new lease according to the lifetime policy.
func (p *Pool) checkout(ctx context.Context) (*conn, error) {
	p.rw.Lock()

	if p.closed {
		p.rw.Unlock()
		return nil, backend.NewError(backend.ErrorCodeConnectionClosed, lazyerrors.New("pool is closed"))
	}

	switch p.cfg.Lifetime {
	case backend.LifetimeSharedSingleton:
		defer p.rw.Unlock()

		if p.shared != nil && !p.shared.reusable() {
			p.retireLocked(p.shared)
			p.shared = nil
		}

		if p.shared == nil {
			// openConn takes the lock to register the connection
			p.rw.Unlock()
			c, err := p.openConn(ctx)
			p.rw.Lock()

			if err != nil {
				return nil, err
			}

			if p.shared != nil {
				// concurrent Acquire was faster
				p.closeConnLocked(c)
			} else {
				p.shared = c
			}
		}

		p.shared.leases++

		return p.shared, nil

	case backend.LifetimePooledTransient:
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if !c.reusable() {
				p.closeConnLocked(c)
				continue
			}

			c.leases++
			p.rw.Unlock()

			return c, nil
		}

		p.rw.Unlock()

	case backend.LifetimePerOperation:
		p.rw.Unlock()
	}

	c, err := p.openConn(ctx)
	if err != nil {
		return nil, err
	}

	p.rw.Lock()
	c.leases++
	p.rw.Unlock()

	return c, nil
}

// retireLocked marks the connection for closing when its last lease is released,
// or closes it now if there are none.
//
// The caller must hold p.rw.
func (p *Pool) retireLocked(c *conn) {
	c.retired = true

	if c.leases == 0 {
		p.closeConnLocked(c)
	}
}

// Release returns the lease to the pool.
//
// Releasing a lease twice is a no-op, or returns DoubleRelease error if strict release is configured.
// Pool accounting is never changed by the second release.
func (p *Pool) Release(l *Lease) error {
	if !l.released.CompareAndSwap(false, true) {
		if p.cfg.StrictRelease {
			return backend.NewError(backend.ErrorCodeDoubleRelease, lazyerrors.Errorf("lease %s is already released", l.id))
		}

		p.l.Debug("Lease already released.", zap.String("lease", l.id))

		return nil
	}

	l.discard()

	c := l.c

	p.rw.Lock()
	defer p.rw.Unlock()

	delete(p.leases, l)
	c.leases--

	switch {
	case p.closed || c.Closed():
		p.closeConnLocked(c)

	case p.cfg.Lifetime == backend.LifetimePerOperation:
		p.closeConnLocked(c)

	case p.cfg.Lifetime == backend.LifetimeSharedSingleton:
		if c.Broken() && p.shared == c {
			p.shared = nil
			c.retired = true
		}

		if c.retired && c.leases == 0 {
			p.closeConnLocked(c)
		}

	case p.cfg.Lifetime == backend.LifetimePooledTransient:
		if c.reusable() {
			p.idle = append(p.idle, c)
		} else {
			p.closeConnLocked(c)
		}
	}

	p.slots.Release(1)

	p.l.Debug("Lease released.", zap.String("lease", l.id), zap.String("conn", c.Name()))

	return nil
}

// Reset closes idle and shared physical connections.
// They are reopened on demand.
//
// It fails if there are outstanding leases.
func (p *Pool) Reset(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	p.rw.Lock()
	defer p.rw.Unlock()

	if n := len(p.leases); n > 0 {
		return lazyerrors.Errorf("%d lease(s) outstanding", n)
	}

	for _, c := range p.idle {
		p.closeConnLocked(c)
	}

	p.idle = nil

	if p.shared != nil {
		p.closeConnLocked(p.shared)
		p.shared = nil
	}

	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.rw.Lock()
	defer p.rw.Unlock()

	return Stats{
		PoolSize:  p.cfg.PoolSize,
		Available: p.cfg.PoolSize - len(p.leases),
		InUse:     len(p.leases),
		Open:      len(p.conns),
		Idle:      len(p.idle),
		Opened:    p.opened.Load(),
		Discarded: p.discarded.Load(),
	}
}

// isClosed returns true if Close was called.
func (p *Pool) isClosed() bool {
	p.rw.Lock()
	defer p.rw.Unlock()

	return p.closed
}

// Close closes all physical connections, including those held by outstanding leases.
// Operations on such leases fail with ConnectionClosed.
//
// It is safe to call Close multiple times.
func (p *Pool) Close() {
	p.rw.Lock()

	if p.closed {
		p.rw.Unlock()
		return
	}

	p.closed = true

	conns := maps.Keys(p.conns)
	p.conns = map[*conn]struct{}{}
	p.idle = nil
	p.shared = nil

	if n := len(p.leases); n > 0 {
		p.l.Warn("Closing pool with outstanding leases.", zap.Int("leases", n))
	}

	p.rw.Unlock()

	// close outside of the lock; that waits for in-flight statements
	for _, c := range conns {
		if err := c.Close(); err != nil {
			p.l.Warn("Failed to close physical connection.", zap.String("conn", c.Name()), zap.Error(err))
		}
	}

	resource.Untrack(p, p.token)
}

var (
	connectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "connections"),
		"The current number of open physical connections.",
		nil, nil,
	)
	idleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "idle_connections"),
		"The current number of idle physical connections.",
		nil, nil,
	)
	leasesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "leases"),
		"The current number of outstanding leases.",
		nil, nil,
	)
	availableDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "available"),
		"The current number of available lease slots.",
		nil, nil,
	)
	openedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "opened_total"),
		"The total number of opened physical connections.",
		nil, nil,
	)
	discardedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "discarded_total"),
		"The total number of broken physical connections that were discarded.",
		nil, nil,
	)
	acquiresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "acquires_total"),
		"The total number of acquired leases.",
		nil, nil,
	)
	waitDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "acquire_wait_seconds_total"),
		"The total time spent waiting for lease slots.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	ch <- connectionsDesc
	ch <- idleDesc
	ch <- leasesDesc
	ch <- availableDesc
	ch <- openedDesc
	ch <- discardedDesc
	ch <- acquiresDesc
	ch <- waitDesc

	fsql.Describe(ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	stats := p.Stats()

	ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(stats.Open))
	ch <- prometheus.MustNewConstMetric(idleDesc, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(leasesDesc, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(availableDesc, prometheus.GaugeValue, float64(stats.Available))
	ch <- prometheus.MustNewConstMetric(openedDesc, prometheus.CounterValue, float64(stats.Opened))
	ch <- prometheus.MustNewConstMetric(discardedDesc, prometheus.CounterValue, float64(stats.Discarded))
	ch <- prometheus.MustNewConstMetric(acquiresDesc, prometheus.CounterValue, float64(p.acquires.Load()))
	ch <- prometheus.MustNewConstMetric(waitDesc, prometheus.CounterValue, time.Duration(p.waitNanos.Load()).Seconds())

	p.rw.Lock()
	conns := maps.Keys(p.conns)
	p.rw.Unlock()

	for _, c := range conns {
		c.Collect(ch)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
