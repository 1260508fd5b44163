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

// Package graph loads object graphs from SQLite through an identity map.
//
// Entity types are described by [Model] values; relations between them by [Reference] (to-one)
// and [Collection] (to-many) values. A [Query] selects root entities and include paths;
// [Load] runs it level by level with batched queries,
// so every (type, key) pair is materialized at most once per identity map,
// and self-referential graphs resolve to the same instances.
package graph

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/FerretDB/sqlitekit/internal/identity"
)

// Model describes how an entity type is stored.
type Model[T any] struct {
	Name    string   // entity type name in identity keys
	Table   string   // table name
	Key     string   // primary key column
	Columns []string // selected columns in Scan order

	// Scan scans the current row into e.
	Scan func(rows *sql.Rows, e *T) error

	// ID returns the primary key value.
	ID func(e *T) any
}

// key returns the identity key for the given primary key value.
func (m *Model[T]) key(id any) identity.Key {
	return identity.Key{Type: m.Name, ID: fmt.Sprint(id)}
}

// KeyOf returns the identity key of the entity.
func (m *Model[T]) KeyOf(e *T) identity.Key {
	return m.key(m.ID(e))
}

// selectSQL returns SELECT statement for model columns without WHERE and ORDER BY clauses.
func (m *Model[T]) selectSQL() string {
	cols := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		cols[i] = quoteIdent(c)
	}

	return "SELECT " + strings.Join(cols, ", ") + " FROM " + quoteIdent(m.Table)
}

// materialize scans the current row and resolves the entity through the identity map.
//
// If the entity is already registered, the registered instance is returned unchanged.
func (m *Model[T]) materialize(rows *sql.Rows, im *identity.Map) (*T, error) {
	fresh := new(T)
	if err := m.Scan(rows, fresh); err != nil {
		return nil, err
	}

	e, _ := identity.Resolve(im, m.KeyOf(fresh), fresh)

	return e, nil
}

// quoteIdent quotes SQLite identifier.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// placeholders returns n comma-separated query placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
