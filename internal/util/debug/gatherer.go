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


package debug

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// gatherTTL is how long gathered metrics are reused.
//
// Each graph calls Gather on every tick; the cache makes that one call per tick.
const gatherTTL = 500 * time.Millisecond

// gatherer wraps another Prometheus Gatherer with a short cache and error handling.
type gatherer struct {
	g prometheus.Gatherer
	l *zap.Logger

	rw sync.RWMutex
	t  time.Time
	m  []*dto.MetricFamily
}

// newGatherer returns a new gatherer.
func newGatherer(g prometheus.Gatherer, l *zap.Logger) *gatherer {
	return &gatherer{
		g: g,
		l: l,
	}
}

// Gather implements [prometheus.Gatherer].
//
// It never returns an error; metrics that could not be gathered are logged and skipped.
func (g *gatherer) Gather() ([]*dto.MetricFamily, error) {
	g.rw.RLock()

	if time.Since(g.t) < gatherTTL {
		m := g.m
		g.rw.RUnlock()

		return m, nil
	}

	g.rw.RUnlock()

	g.rw.Lock()
	defer g.rw.Unlock()

	// a concurrent call might have updated metrics already
	if time.Since(g.t) < gatherTTL {
		return g.m, nil
	}

	m, err := g.g.Gather()
	if err != nil {
		g.l.Warn("Failed to gather Prometheus metrics.", zap.Error(err), zap.Int("metrics", len(m)))
	}

	g.m, g.t = m, time.Now()

	return m, nil
}

// value returns the sum of all samples of the given metric family, or 0 if there is none.
func (g *gatherer) value(name string) float64 {
	mfs, _ := g.Gather()

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

		var res float64

		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				res += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				res += m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				res += m.GetUntyped().GetValue()
			case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
				res += float64(m.GetHistogram().GetSampleCount())
			case dto.MetricType_SUMMARY:
				res += float64(m.GetSummary().GetSampleCount())
			}
		}

		return res
	}

	return 0
}

// check interfaces
var (
	_ prometheus.Gatherer = (*gatherer)(nil)
)
