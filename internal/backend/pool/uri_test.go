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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	const params = "_pragma=busy_timeout%285000%29&_pragma=journal_mode%28wal%29&_pragma=foreign_keys%281%29" +
		"&_txlock=immediate"

	testCases := map[string]struct {
		in   string
		out  string
		file string
		err  string
	}{
		"RelativePath": {
			in:   "sqlitekit.db",
			out:  "file:sqlitekit.db?" + params,
			file: "sqlitekit.db",
		},
		"LocalPath": {
			in:   "./tmp/test.db",
			out:  "file:./tmp/test.db?" + params,
			file: "./tmp/test.db",
		},
		"AbsolutePath": {
			in:   "/tmp/test.db",
			out:  "file:/tmp/test.db?" + params,
			file: "/tmp/test.db",
		},
		"URI": {
			in:   "file:./test.db",
			out:  "file:./test.db?" + params,
			file: "./test.db",
		},
		"URIWithEmptyAuthority": {
			in:   "file:///tmp/test.db",
			out:  "file:/tmp/test.db?" + params,
			file: "/tmp/test.db",
		},
		"URIWithParameters": {
			in:   "file:./test.db?mode=rwc",
			out:  "file:./test.db?" + params + "&mode=rwc",
			file: "./test.db",
		},
		"HostIsNotEmpty": {
			in:  "file://localhost/./test.db",
			err: `expected empty host, got "localhost"`,
		},
		"UserIsNotEmpty": {
			in:  "file://user:pass@./test.db",
			err: `expected empty user info, got "user:pass"`,
		},
		"Directory": {
			in:  "file:./tmp/",
			err: `expected database file path, got directory "./tmp/"`,
		},
		"Empty": {
			in:  "",
			err: `expected database file path, got ""`,
		},
		"PathWithQuery": {
			in:  "test.db?mode=ro",
			err: `path "test.db?mode=ro" should not contain '?' or '#'`,
		},
		"Memory": {
			in:  ":memory:",
			err: `in-memory databases are not supported`,
		},
		"MemoryMode": {
			in:  "file:test.db?mode=memory",
			err: `in-memory databases are not supported`,
		},
		"Shared": {
			in:  "file:test.db?cache=shared",
			err: `shared cache is not supported`,
		},
		"Pragma": {
			in:  "file:test.db?_pragma=busy_timeout(1)",
			err: `parameter "_pragma" is set by the pool`,
		},
		"TxLock": {
			in:  "file:test.db?_txlock=deferred",
			err: `parameter "_txlock" is set by the pool`,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			u, err := parseURI(tc.in, 5*time.Second)
			if tc.err != "" {
				assert.EqualError(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.out, u.String())
			assert.Equal(t, tc.file, uriFile(u))
		})
	}
}
