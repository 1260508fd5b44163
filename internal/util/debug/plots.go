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
	"github.com/arl/statsviz"
)

// plot describes a single graph.
type plot struct {
	name   string
	title  string
	typ    statsviz.TimeSeriesType
	series map[string]string // legend -> metric name
}

// plotDefs lists graphs of the pool, writer and store metrics.
var plotDefs = []plot{{
	name:  "sqlitekit_pool",
	title: "Pool",
	typ:   statsviz.Scatter,
	series: map[string]string{
		"connections": "sqlitekit_pool_connections",
		"idle":        "sqlitekit_pool_idle_connections",
		"leases":      "sqlitekit_pool_leases",
		"available":   "sqlitekit_pool_available",
	},
}, {
	name:  "sqlitekit_writer",
	title: "Writer",
	typ:   statsviz.Bar,
	series: map[string]string{
		"submissions": "sqlitekit_writer_submissions_total",
		"retries":     "sqlitekit_writer_retries_total",
	},
}, {
	name:  "sqlitekit_store",
	title: "Sessions",
	typ:   statsviz.Scatter,
	series: map[string]string{
		"open": "sqlitekit_store_sessions",
	},
}}

// buildPlots returns statsviz plots that read values from g.
func buildPlots(g *gatherer) ([]statsviz.TimeSeriesPlot, error) {
	res := make([]statsviz.TimeSeriesPlot, 0, len(plotDefs))

	for _, def := range plotDefs {
		series := make([]statsviz.TimeSeries, 0, len(def.series))

		for legend, name := range def.series {
			series = append(series, statsviz.TimeSeries{
				Name:     legend,
				Unitfmt:  "%{y:.4s}",
				GetValue: func() float64 { return g.value(name) },
			})
		}

		p, err := statsviz.TimeSeriesPlotConfig{
			Name:   def.name,
			Title:  def.title,
			Type:   def.typ,
			Series: series,
		}.Build()
		if err != nil {
			return nil, err
		}

		res = append(res, p)
	}

	return res, nil
}
