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


// Package main contains the sqlitekit command.
//
// It runs the concurrent writes and recursive include scenarios against a database file,
// and creates or deletes the catalog schema.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/catalog"
	"github.com/FerretDB/sqlitekit/internal/scenario"
	"github.com/FerretDB/sqlitekit/internal/session"
	"github.com/FerretDB/sqlitekit/internal/util/debug"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
	"github.com/FerretDB/sqlitekit/internal/util/logging"
	"github.com/FerretDB/sqlitekit/internal/util/observability"
	"github.com/FerretDB/sqlitekit/internal/util/version"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // for readability
var cli struct {
	DB                 string        `default:"${default_db}"           help:"Database file path or file: URI."                  name:"db"`
	Lifetime           string        `default:"${default_lifetime}"     help:"${help_lifetime}"                                  enum:"${enum_lifetime}"`
	EncryptionPassword string        `default:""                        help:"Database encryption password."`
	PreOpen            bool          `default:"false"                   help:"Open a physical connection at startup."             negatable:""`
	Tracking           string        `default:"track-all"               help:"${help_tracking}"                                  enum:"track-all,no-tracking"`
	PoolSize           int           `default:"${default_pool_size}"    help:"Maximum number of outstanding leases."`
	BusyTimeout        time.Duration `default:"${default_busy_timeout}" help:"How long SQLite waits for a lock before reporting busy."`
	MaxRetries         int           `default:"${default_max_retries}"  help:"How many times a conflicting write is retried."`
	RetryBackoff       time.Duration `default:"${default_backoff}"      help:"Initial delay between write retries."`
	RejectOverlapping  bool          `default:"false"                   help:"Reject overlapping transactions on a shared connection instead of queuing them."`
	StrictRelease      bool          `default:"false"                   help:"Report double release of a lease as an error."`

	Log struct {
		Level  string `default:"info"    help:"${help_log_level}"  enum:"${enum_log_level}"`
		Format string `default:"console" help:"${help_log_format}" enum:"${enum_log_format}"`
	} `embed:"" prefix:"log-"`

	DebugAddr       string  `default:""      help:"Listen address for HTTP handlers for metrics, pprof, etc."`
	OTelTracesURL   string  `default:""      help:"OpenTelemetry OTLP/HTTP traces endpoint (host:port)."      name:"otel-traces-url"`
	OTelSampleRatio float64 `default:"1"     help:"Fraction of root spans to export."                         name:"otel-sample-ratio"`
	Metrics         bool    `default:"false" help:"Dump Prometheus metrics to stderr on exit."                negatable:""`

	Writes struct {
		Writers int `default:"3"  help:"Number of concurrent writers."`
		Inserts int `default:"10" help:"Number of inserts per writer."`
	} `cmd:"" help:"Run concurrent writers and check that every committed insert is visible."`

	Include struct{} `cmd:"" help:"Load products with recursive includes in both tracking modes."`

	EnsureCreated struct{} `cmd:"" help:"Create the catalog schema if the database has no tables."`
	EnsureDeleted struct{} `cmd:"" help:"Delete the database file."`

	Version struct{} `cmd:"" help:"Print version to stdout and exit."`
}

// Additional variables for the kong parsers.
var kongOptions = []kong.Option{
	kong.Vars{
		"default_db":           backend.DefaultPath,
		"default_lifetime":     backend.LifetimePooledTransient.String(),
		"default_pool_size":    fmt.Sprint(backend.DefaultPoolSize),
		"default_busy_timeout": backend.DefaultBusyTimeout.String(),
		"default_max_retries":  fmt.Sprint(backend.DefaultMaxRetries),
		"default_backoff":      backend.DefaultRetryBackoff.String(),

		"enum_lifetime":   strings.Join(backend.Lifetimes(), ","),
		"enum_log_level":  strings.Join(logging.Levels, ","),
		"enum_log_format": strings.Join(logging.Formats, ","),

		"help_lifetime":   fmt.Sprintf("Connection lifetime: '%s'.", strings.Join(backend.Lifetimes(), "', '")),
		"help_tracking":   "Identity map scope: 'track-all', 'no-tracking'.",
		"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logging.Levels, "', '")),
		"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
	},
	kong.DefaultEnvars("SQLITEKIT"),
}

func main() {
	kctx := kong.Parse(&cli, kongOptions...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, kctx.Command(), os.Stdout); err != nil {
		stop()
		log.Fatal(err)
	}
}

// config returns store configuration from flags.
func config() (*backend.Config, error) {
	lifetime, err := backend.ParseLifetime(cli.Lifetime)
	if err != nil {
		return nil, err
	}

	tracking, err := backend.ParseTrackingMode(cli.Tracking)
	if err != nil {
		return nil, err
	}

	return &backend.Config{
		Path:               cli.DB,
		Lifetime:           lifetime,
		EncryptionPassword: cli.EncryptionPassword,
		PreOpen:            cli.PreOpen,
		Tracking:           tracking,
		PoolSize:           cli.PoolSize,
		BusyTimeout:        cli.BusyTimeout,
		MaxRetries:         cli.MaxRetries,
		RetryBackoff:       cli.RetryBackoff,
		RejectOverlapping:  cli.RejectOverlapping,
		StrictRelease:      cli.StrictRelease,
	}, nil
}

// dumpMetrics dumps all metrics of the given gatherer.
func dumpMetrics(g prometheus.Gatherer, w io.Writer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}

	for _, mf := range mfs {
		if _, err = expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}

	return nil
}

// run sets up environment based on provided flags and runs the given command.
func run(ctx context.Context, command string, w io.Writer) (err error) {
	info := version.Get()

	if command == "version" {
		fmt.Fprintln(w, "version:", info.Version)
		fmt.Fprintln(w, "commit:", info.Commit)
		fmt.Fprintln(w, "dirty:", info.Dirty)
		fmt.Fprintln(w, "debugBuild:", info.DebugBuild)

		return nil
	}

	logger, err := logging.Setup(cli.Log.Level, cli.Log.Format)
	if err != nil {
		return err
	}

	l := logger.Named("sqlitekit")

	l.Info(
		"Starting sqlitekit "+info.Version+"...",
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	)

	if _, err = maxprocs.Set(maxprocs.Logger(l.Sugar().Debugf)); err != nil {
		l.Warn("Failed to set GOMAXPROCS.", zap.Error(err))
	}

	shutdown, err := observability.SetupOtel(ctx, &observability.OtelParams{
		Service:     "sqlitekit",
		Version:     info.Version,
		Endpoint:    cli.OTelTracesURL,
		SampleRatio: cli.OTelSampleRatio,
		L:           l.Named("otel"),
	})
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if e := shutdown(sctx); e != nil {
			l.Warn("Failed to shut down tracer provider.", zap.Error(e))
		}
	}()

	cfg, err := config()
	if err != nil {
		return err
	}

	s, err := session.Open(&session.OpenParams{
		Config: cfg,
		L:      logger.Named("store"),
	})
	if err != nil {
		return err
	}

	defer s.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s,
	)

	if cli.DebugAddr != "" {
		var h *debug.Handler
		if h, err = debug.Listen(&debug.ListenOpts{
			TCPAddr: cli.DebugAddr,
			L:       logger.Named("debug"),
			R:       reg,
		}); err != nil {
			return err
		}

		debugCtx, debugCancel := context.WithCancel(ctx)
		debugDone := make(chan struct{})

		go func() {
			defer close(debugDone)
			h.Serve(debugCtx)
		}()

		defer func() {
			debugCancel()
			<-debugDone
		}()
	}

	if cli.Metrics {
		defer func() {
			if e := dumpMetrics(reg, os.Stderr); e != nil {
				l.Warn("Failed to dump metrics.", zap.Error(e))
			}
		}()
	}

	switch command {
	case "writes":
		var res *scenario.ConcurrentWritesReport
		if res, err = scenario.ConcurrentWrites(ctx, s, cli.Writes.Writers, cli.Writes.Inserts); err != nil {
			return err
		}

		fmt.Fprintln(w, res)

		for _, wr := range res.Writers {
			fmt.Fprintf(w, "  writer %d: %d committed, %d attempts, failures %v\n", wr.Writer, wr.Committed, wr.Attempts, wr.Failures)
		}

		wc := s.Coordinator()
		fmt.Fprintf(w, "  submissions: %v, retries: %d\n", wc.Results(), wc.Retries())

		if !res.Consistent() {
			return fmt.Errorf("database contains %d rows, but %d inserts were committed", res.Count, res.Committed)
		}

	case "include":
		for _, mode := range []backend.TrackingMode{backend.TrackAll, backend.NoTracking} {
			var res *scenario.RecursiveIncludeReport
			if res, err = scenario.RecursiveInclude(ctx, s, mode); err != nil {
				return err
			}

			fmt.Fprintln(w, res)

			if !res.OK() {
				return fmt.Errorf("recursive include failed in %s mode", mode)
			}
		}

	case "ensure-created":
		var created bool
		if created, err = s.EnsureCreated(ctx, catalog.Schema...); err != nil {
			return err
		}

		fmt.Fprintf(w, "created: %t\n", created)

	case "ensure-deleted":
		var deleted bool
		if deleted, err = s.EnsureDeleted(ctx); err != nil {
			return err
		}

		fmt.Fprintf(w, "deleted: %t\n", deleted)

	default:
		return fmt.Errorf("unknown command %q", command)
	}

	return nil
}
