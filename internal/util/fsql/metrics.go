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

package fsql

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "sqlitekit"
	subsystem = "sqlconn"
)

var (
	inUseDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "in_use"),
		"Whether the physical connection is currently executing a statement or holding a transaction.",
		[]string{"name"}, nil,
	)
	waitDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "wait_seconds_total"),
		"The total time blocked waiting for the physical connection.",
		[]string{"name"}, nil,
	)
)

// Describe sends descriptors of all connection metrics.
//
// Collectors that include metrics of a changing set of connections use it
// to describe them upfront.
func Describe(ch chan<- *prometheus.Desc) {
	ch <- inUseDesc
	ch <- waitDesc
}

// metricsCollector exposes connection's database/sql statistics as Prometheus metrics.
type metricsCollector struct {
	stats func() sql.DBStats
	name  string
}

// newMetricsCollector creates a new metricsCollector.
func newMetricsCollector(name string, stats func() sql.DBStats) *metricsCollector {
	return &metricsCollector{
		stats: stats,
		name:  name,
	}
}

// Describe implements prometheus.Collector.
func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats()

	ch <- prometheus.MustNewConstMetric(inUseDesc, prometheus.GaugeValue, float64(stats.InUse), c.name)
	ch <- prometheus.MustNewConstMetric(waitDesc, prometheus.CounterValue, stats.WaitDuration.Seconds(), c.name)
}

// check interfaces
var (
	_ prometheus.Collector = (*metricsCollector)(nil)
)
