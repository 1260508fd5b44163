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

package graph

import (
	"context"
	"database/sql"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/FerretDB/sqlitekit/internal/identity"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
	"github.com/FerretDB/sqlitekit/internal/util/observability"
)

// Source is a read path with an identity map; sessions implement it.
type Source interface {
	// Query executes a query and calls scan for each row.
	Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error

	// LoadMap returns the identity map for a single Load call.
	LoadMap() *identity.Map
}

// Query selects root entities of type T and relations to include.
type Query[T any] struct {
	model   *Model[T]
	where   string
	args    []any
	orderBy []string
	paths   [][]Relation
}

// From starts a new query for the given model.
func From[T any](model *Model[T]) *Query[T] {
	return &Query[T]{
		model: model,
	}
}

// Where sets the WHERE clause (without the keyword) and its arguments.
func (q *Query[T]) Where(cond string, args ...any) *Query[T] {
	q.where = cond
	q.args = args

	return q
}

// OrderBy adds an ordering column.
func (q *Query[T]) OrderBy(column string) *Query[T] {
	q.orderBy = append(q.orderBy, column)
	return q
}

// Include adds an include path: the first relation starts at T,
// each next one starts at the previous relation's target.
func (q *Query[T]) Include(path ...Relation) *Query[T] {
	q.paths = append(q.paths, path)
	return q
}

// rootSQL returns the root query.
func (q *Query[T]) rootSQL() string {
	res := q.model.selectSQL()

	if q.where != "" {
		res += " WHERE " + q.where
	}

	if len(q.orderBy) > 0 {
		cols := make([]string, len(q.orderBy))
		for i, c := range q.orderBy {
			cols[i] = quoteIdent(c)
		}

		res += " ORDER BY " + strings.Join(cols, ", ")
	}

	return res
}

// validate checks that include paths are connected.
func (q *Query[T]) validate() error {
	for _, path := range q.paths {
		if len(path) == 0 {
			return lazyerrors.New("empty include path")
		}

		owner := q.model.Name

		for _, r := range path {
			if r.ownerName() != owner {
				return lazyerrors.Errorf("relation %s starts at %s, not %s", r.RelationName(), r.ownerName(), owner)
			}

			owner = r.targetName()
		}
	}

	return nil
}

// Load runs the query and resolves include paths.
//
// Each row is resolved through the source's identity map: an entity that is already registered
// is returned instead of the fresh row, with its own field values.
// Related entities already registered are not queried again.
func Load[T any](ctx context.Context, src Source, q *Query[T]) (res []*T, err error) {
	defer observability.FuncCall(ctx)()

	ctx, span := observability.StartSpan(
		ctx, "graph.Load",
		attribute.String("sqlitekit.entity", q.model.Name),
		attribute.Int("sqlitekit.include_paths", len(q.paths)),
	)
	defer func() {
		span.SetAttributes(attribute.Int("sqlitekit.results", len(res)))
		span.End(err)
	}()

	if err = q.validate(); err != nil {
		return nil, err
	}

	im := src.LoadMap()

	err = src.Query(ctx, q.rootSQL(), q.args, func(rows *sql.Rows) error {
		e, err := q.model.materialize(rows, im)
		if err != nil {
			return err
		}

		res = append(res, e)

		return nil
	})
	if err != nil {
		return nil, err
	}

	roots := make([]any, len(res))
	for i, e := range res {
		roots[i] = e
	}

	for _, path := range q.paths {
		level := roots

		for _, r := range path {
			if len(level) == 0 {
				break
			}

			if level, err = r.load(ctx, src, im, level); err != nil {
				return nil, err
			}
		}
	}

	return res, nil
}
