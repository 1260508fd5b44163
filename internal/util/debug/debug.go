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


// Package debug provides debug facilities.
//
// The HTTP handler serves Prometheus metrics, live graphs of the main pool and writer metrics,
// expvar, and pprof.
package debug

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"html/template"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
)

// Handler represents debug handler.
type Handler struct {
	lis  net.Listener
	l    *zap.Logger
	mux  *http.ServeMux
	desc map[string]string
}

// ListenOpts represents [Listen] options.
type ListenOpts struct {
	TCPAddr string
	L       *zap.Logger
	R       *prometheus.Registry
}

// Listen creates a new debug handler and starts listener on the given TCP address.
//
// Serve must be called to serve requests.
func Listen(opts *ListenOpts) (*Handler, error) {
	l := opts.L
	g := newGatherer(opts.R, l.Named("gatherer"))

	stdL, err := zap.NewStdLogAt(l, zap.WarnLevel)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux := http.NewServeMux()

	mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	statsvizOpts := []statsviz.Option{statsviz.Root("/debug/graphs")}

	plots, err := buildPlots(g)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	for _, p := range plots {
		statsvizOpts = append(statsvizOpts, statsviz.TimeseriesPlot(p))
	}

	if err = statsviz.Register(mux, statsvizOpts...); err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux.Handle("/debug/vars", expvar.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	desc := map[string]string{
		"/debug/graphs":  "Visualize metrics",
		"/debug/metrics": "Metrics in Prometheus format",
		"/debug/vars":    "Expvar package metrics",
		"/debug/pprof/":  "Runtime profiling data for pprof",
	}

	var page bytes.Buffer
	err = template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, desc)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	lis, err := net.Listen("tcp", opts.TCPAddr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Handler{
		lis:  lis,
		l:    l,
		mux:  mux,
		desc: desc,
	}, nil
}

// Addr returns the listener address.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs debug handler until ctx is canceled.
//
// It exits when handler is stopped and listener closed.
func (h *Handler) Serve(ctx context.Context) {
	stdL, _ := zap.NewStdLogAt(h.l, zap.WarnLevel)

	s := http.Server{
		Handler:  h.mux,
		ErrorLog: stdL,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	root := "http://" + h.lis.Addr().String()

	h.l.Sugar().Infof("Starting debug server on %s ...", root)

	paths := maps.Keys(h.desc)
	slices.Sort(paths)

	for _, path := range paths {
		h.l.Sugar().Infof("%s%s - %s", root, path, h.desc[path])
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := s.Serve(h.lis); !errors.Is(err, http.ErrServerClosed) {
			h.l.DPanic("Debug server failed.", zap.Error(err))
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()

	_ = s.Shutdown(stopCtx) //nolint:contextcheck // use new context for cancellation
	_ = s.Close()

	<-done

	h.l.Info("Debug server stopped.")
}
