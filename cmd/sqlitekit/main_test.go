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


package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/util/testutil"
)

// parse parses the given arguments into cli and returns the selected command.
//
// Tests in this package share cli and must not run in parallel.
func parse(t *testing.T, args ...string) string {
	t.Helper()

	parser, err := kong.New(&cli, kongOptions...)
	require.NoError(t, err)

	kctx, err := parser.Parse(append([]string{"--log-level=warn"}, args...))
	require.NoError(t, err)

	return kctx.Command()
}

func TestDefaults(t *testing.T) {
	cmd := parse(t, "include")
	assert.Equal(t, "include", cmd)

	cfg, err := config()
	require.NoError(t, err)

	expected := backend.DefaultConfig()
	assert.Equal(t, expected, *cfg)
	assert.Equal(t, 1.0, cli.OTelSampleRatio)
}

func TestParseInvalid(t *testing.T) {
	parser, err := kong.New(&cli, kongOptions...)
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--lifetime=forever", "include"})
	require.Error(t, err)
}

func TestCommands(t *testing.T) {
	db := testutil.DatabaseFile(t)
	ctx := testutil.Ctx(t)

	var out bytes.Buffer

	cmd := parse(t, "--db="+db, "ensure-created")
	require.NoError(t, run(ctx, cmd, &out))
	assert.Equal(t, "created: true\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, cmd, &out))
	assert.Equal(t, "created: false\n", out.String())

	out.Reset()
	cmd = parse(t, "--db="+db, "ensure-deleted")
	require.NoError(t, run(ctx, cmd, &out))
	assert.Equal(t, "deleted: true\n", out.String())

	_, err := os.Stat(db)
	assert.ErrorIs(t, err, os.ErrNotExist)

	out.Reset()
	require.NoError(t, run(ctx, cmd, &out))
	assert.Equal(t, "deleted: false\n", out.String())
}

func TestWrites(t *testing.T) {
	for _, lifetime := range backend.Lifetimes() {
		t.Run(lifetime, func(t *testing.T) {
			var out bytes.Buffer

			cmd := parse(t, "--db="+testutil.DatabaseFile(t), "--lifetime="+lifetime, "writes", "--writers=2", "--inserts=5")
			require.NoError(t, run(testutil.Ctx(t), cmd, &out))
			assert.Contains(t, out.String(), lifetime+": 10/10 committed, 10 rows")
			assert.Contains(t, out.String(), "writer 1: 5 committed")
			assert.Contains(t, out.String(), "submissions: map[committed:")
		})
	}
}

func TestInclude(t *testing.T) {
	var out bytes.Buffer

	cmd := parse(t, "--db="+testutil.DatabaseFile(t), "include")
	require.NoError(t, run(testutil.Ctx(t), cmd, &out))
	assert.Contains(t, out.String(), "track-all: products=1 single=true product=true child_populated=true same_instance=true")
	assert.Contains(t, out.String(), "no-tracking: products=1 single=true product=true child_populated=true same_instance=true")
}

func TestEncryption(t *testing.T) {
	cmd := parse(t, "--db="+testutil.DatabaseFile(t), "--encryption-password=secret", "include")

	err := run(testutil.Ctx(t), cmd, new(bytes.Buffer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption is not supported")
}

func TestDumpMetrics(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "sqlitekit_test_total"})
	c.Inc()

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	var out bytes.Buffer
	require.NoError(t, dumpMetrics(reg, &out))
	assert.Contains(t, out.String(), "sqlitekit_test_total 1")
}

func TestDebugAddr(t *testing.T) {
	var out bytes.Buffer

	cmd := parse(t, "--db="+testutil.DatabaseFile(t), "--debug-addr=127.0.0.1:0", "--metrics", "ensure-created")
	require.NoError(t, run(testutil.Ctx(t), cmd, &out))
	assert.Equal(t, "created: true\n", out.String())
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer

	cmd := parse(t, "version")
	require.NoError(t, run(testutil.Ctx(t), cmd, &out))
	assert.Contains(t, out.String(), "version: ")
	assert.Contains(t, out.String(), "commit: ")
}
