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

package writer

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/FerretDB/sqlitekit/internal/backend"
)

// Parts of Prometheus metric names.
const (
	namespace = "sqlitekit"
	subsystem = "writer"
)

// metrics represents coordinator metrics.
type metrics struct {
	submissions *prometheus.CounterVec
	retries     prometheus.Counter
	attempts    prometheus.Histogram
}

// newMetrics creates coordinator metrics.
func newMetrics() *metrics {
	return &metrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "submissions_total",
				Help:      "Total number of write submissions by result.",
			},
			[]string{"result"},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retries_total",
				Help:      "Total number of retried transactions.",
			},
		),
		attempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "attempts",
				Help:      "Number of transaction attempts per submission.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13},
			},
		),
	}
}

// observe records a finished submission.
func (m *metrics) observe(result string, attempts int) {
	m.submissions.WithLabelValues(result).Inc()

	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
}

// resultLabel returns the result label value for the given submission error.
func resultLabel(err error) string {
	if err == nil {
		return "committed"
	}

	var be *backend.Error
	if errors.As(err, &be) {
		return be.Code().String()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}

	return "failed"
}

// Describe implements prometheus.Collector.
func (c *Coordinator) Describe(ch chan<- *prometheus.Desc) {
	c.m.submissions.Describe(ch)
	c.m.retries.Describe(ch)
	c.m.attempts.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Coordinator) Collect(ch chan<- prometheus.Metric) {
	c.m.submissions.Collect(ch)
	c.m.retries.Collect(ch)
	c.m.attempts.Collect(ch)
}

// Results returns the number of finished submissions by result
// ("committed", "canceled", "failed", or a backend error code like "WriteConflict").
func (c *Coordinator) Results() map[string]int {
	ch := make(chan prometheus.Metric)

	go func() {
		c.m.submissions.Collect(ch)
		close(ch)
	}()

	res := map[string]int{}

	for m := range ch {
		var content dto.Metric
		if err := m.Write(&content); err != nil {
			panic(err)
		}

		for _, label := range content.GetLabel() {
			if label.GetName() == "result" {
				res[label.GetValue()] += int(content.GetCounter().GetValue())
			}
		}
	}

	return res
}

// Retries returns the total number of retried transactions.
func (c *Coordinator) Retries() int {
	var content dto.Metric
	if err := c.m.retries.Write(&content); err != nil {
		panic(err)
	}

	return int(content.GetCounter().GetValue())
}

// check interfaces
var (
	_ prometheus.Collector = (*Coordinator)(nil)
)
