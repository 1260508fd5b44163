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
	"context"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/sqlitekit/internal/util/testutil"
)

// get returns the status code and body of the given URL.
func get(t *testing.T, ctx context.Context, url string) (int, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer res.Body.Close() //nolint:errcheck // we are only reading it

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	return res.StatusCode, string(b)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testutil.Ctx(t))

	leases := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sqlitekit_pool_leases",
		Help: "The current number of outstanding leases.",
	})
	leases.Set(3)

	r := prometheus.NewRegistry()
	r.MustRegister(leases)

	h, err := Listen(&ListenOpts{
		TCPAddr: "127.0.0.1:0",
		L:       testutil.Logger(t),
		R:       r,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		h.Serve(ctx)
	}()

	root := "http://" + h.Addr().String()

	code, body := get(t, ctx, root+"/debug/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "sqlitekit_pool_leases 3")
	assert.Contains(t, body, "promhttp_metric_handler_requests_total")

	code, body = get(t, ctx, root+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "/debug/graphs")

	code, _ = get(t, ctx, root+"/debug/vars")
	assert.Equal(t, http.StatusOK, code)

	// the WaitGroup makes sure that all logs were written before the test finished
	cancel()
	wg.Wait()
}

func TestGathererValue(t *testing.T) {
	t.Parallel()

	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlitekit_writer_submissions_total",
		Help: "The total number of submissions.",
	}, []string{"result"})
	c.WithLabelValues("committed").Add(5)
	c.WithLabelValues("WriteConflict").Add(2)

	r := prometheus.NewRegistry()
	r.MustRegister(c)

	g := newGatherer(r, testutil.Logger(t))
	assert.Equal(t, float64(7), g.value("sqlitekit_writer_submissions_total"))
	assert.Equal(t, float64(0), g.value("sqlitekit_writer_retries_total"))

	plots, err := buildPlots(g)
	require.NoError(t, err)
	assert.Len(t, plots, len(plotDefs))
}
