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
	"fmt"
	"net/url"
	"strings"
	"time"
)

// parseURI parses a database file path or a "file:" SQLite URI,
// checks that it points to a single on-disk database file,
// and adds connection parameters.
//
// Existing query parameters are preserved.
func parseURI(s string, busyTimeout time.Duration) (*url.URL, error) {
	var uri *url.URL

	if strings.HasPrefix(s, "file:") {
		var err error
		if uri, err = url.Parse(s); err != nil {
			return nil, err
		}
	} else {
		if strings.ContainsAny(s, "?#") {
			return nil, fmt.Errorf("path %q should not contain '?' or '#'", s)
		}

		uri = &url.URL{Scheme: "file", Opaque: s}
	}

	if uri.Scheme != "file" {
		return nil, fmt.Errorf(`expected "file:" schema, got %q`, uri.Scheme)
	}

	if uri.User != nil {
		return nil, fmt.Errorf("expected empty user info, got %q", uri.User)
	}

	if uri.Host != "" {
		return nil, fmt.Errorf("expected empty host, got %q", uri.Host)
	}

	// handle "file:///path" form
	if uri.Opaque == "" {
		uri.Opaque = uri.Path
	}

	uri.Path = ""
	uri.RawPath = ""
	uri.OmitHost = false
	uri.Fragment = ""
	uri.RawFragment = ""

	if uri.Opaque == "" {
		return nil, fmt.Errorf("expected database file path, got %q", s)
	}

	if strings.HasSuffix(uri.Opaque, "/") {
		return nil, fmt.Errorf("expected database file path, got directory %q", uri.Opaque)
	}

	values := uri.Query()

	if uri.Opaque == ":memory:" || values.Get("mode") == "memory" {
		return nil, fmt.Errorf("in-memory databases are not supported")
	}

	if values.Get("cache") == "shared" {
		return nil, fmt.Errorf("shared cache is not supported")
	}

	for _, k := range []string{"_pragma", "_txlock"} {
		if values.Has(k) {
			return nil, fmt.Errorf("parameter %q is set by the pool", k)
		}
	}

	// order matters: busy_timeout must be set before journal_mode may need a lock
	values["_pragma"] = []string{
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"journal_mode(wal)",
		"foreign_keys(1)",
	}

	// writers take the RESERVED lock at BEGIN instead of upgrading later,
	// so lock conflicts surface at BEGIN where they can be retried
	values.Set("_txlock", "immediate")

	uri.RawQuery = values.Encode()

	return uri, nil
}

// uriFile returns the database file path of the URI returned by parseURI.
func uriFile(uri *url.URL) string {
	return uri.Opaque
}
