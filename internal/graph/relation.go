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

	"github.com/FerretDB/sqlitekit/internal/identity"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
)

// batchSize is the maximal number of keys in a single IN (...) list.
const batchSize = 500

// Relation is a navigation between two entity types that can be included in a [Query].
//
// It is implemented by [*Reference] and [*Collection].
type Relation interface {
	// RelationName returns the relation name used for link de-duplication.
	RelationName() string

	ownerName() string
	targetName() string

	// load resolves the relation for the given owners (all of the owner type)
	// and returns the distinct related entities.
	load(ctx context.Context, src Source, im *identity.Map, owners []any) ([]any, error)
}

// Reference is a to-one relation through a nullable foreign key stored on the owner.
//
// Owner and Target may be the same model.
type Reference[From, To any] struct {
	Name   string
	Owner  *Model[From]
	Target *Model[To]

	// FK returns the foreign key value, or nil.
	FK func(*From) any

	// Set sets the navigation property.
	Set func(*From, *To)

	// Inverse, if not nil, fixes up the inverse navigation on the target.
	Inverse func(*To, *From)
}

// RelationName implements [Relation].
func (r *Reference[From, To]) RelationName() string { return r.Name }

func (r *Reference[From, To]) ownerName() string  { return r.Owner.Name }
func (r *Reference[From, To]) targetName() string { return r.Target.Name }

// load implements [Relation].
func (r *Reference[From, To]) load(ctx context.Context, src Source, im *identity.Map, owners []any) ([]any, error) {
	froms, err := cast[From](r, owners)
	if err != nil {
		return nil, err
	}

	var missing []any
	seen := map[identity.Key]struct{}{}

	for _, f := range froms {
		fk := r.FK(f)
		if fk == nil {
			continue
		}

		key := r.Target.key(fk)
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}

		if _, ok := im.Lookup(key); !ok {
			missing = append(missing, fk)
		}
	}

	if err = fetchIn(ctx, src, im, r.Target, r.Target.Key, missing, nil); err != nil {
		return nil, err
	}

	var res []any
	added := map[identity.Key]struct{}{}

	for _, f := range froms {
		fk := r.FK(f)
		if fk == nil {
			continue
		}

		key := r.Target.key(fk)

		e, ok := im.Lookup(key)
		if !ok {
			// dangling foreign key
			continue
		}

		to, ok := e.(*To)
		if !ok {
			return nil, lazyerrors.Errorf("%s: %s is registered as %T", r.Name, key, e)
		}

		if im.Link(r.Name, r.Owner.KeyOf(f), key) {
			r.Set(f, to)

			if r.Inverse != nil {
				r.Inverse(to, f)
			}
		}

		if _, ok := added[key]; !ok {
			added[key] = struct{}{}
			res = append(res, to)
		}
	}

	return res, nil
}

// Collection is a to-many relation through a foreign key column on the target table.
type Collection[P, C any] struct {
	Name   string
	Owner  *Model[P]
	Target *Model[C]

	// FKColumn is the target's column referencing the owner's primary key.
	FKColumn string

	// FK returns the target's foreign key value.
	FK func(*C) any

	// Get returns the collection's current elements.
	Get func(*P) []*C

	// Add appends an element to the collection.
	Add func(*P, *C)

	// Inverse, if not nil, fixes up the inverse navigation on the element.
	Inverse func(*C, *P)
}

// RelationName implements [Relation].
func (r *Collection[P, C]) RelationName() string { return r.Name }

func (r *Collection[P, C]) ownerName() string  { return r.Owner.Name }
func (r *Collection[P, C]) targetName() string { return r.Target.Name }

// load implements [Relation].
func (r *Collection[P, C]) load(ctx context.Context, src Source, im *identity.Map, owners []any) ([]any, error) {
	parents, err := cast[P](r, owners)
	if err != nil {
		return nil, err
	}

	// collections are always queried so that new elements are found;
	// elements that are already registered are reused and linked once
	ids := make([]any, 0, len(parents))
	seen := map[identity.Key]struct{}{}

	for _, p := range parents {
		key := r.Owner.KeyOf(p)
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		ids = append(ids, r.Owner.ID(p))
	}

	link := func(c *C) error {
		pk := r.Owner.key(r.FK(c))

		e, ok := im.Lookup(pk)
		if !ok {
			return nil
		}

		p, ok := e.(*P)
		if !ok {
			return lazyerrors.Errorf("%s: %s is registered as %T", r.Name, pk, e)
		}

		if im.Link(r.Name, pk, r.Target.KeyOf(c)) {
			r.Add(p, c)

			if r.Inverse != nil {
				r.Inverse(c, p)
			}
		}

		return nil
	}

	if err = fetchIn(ctx, src, im, r.Target, r.FKColumn, ids, link); err != nil {
		return nil, err
	}

	var res []any
	added := map[identity.Key]struct{}{}

	for _, p := range parents {
		for _, c := range r.Get(p) {
			key := r.Target.KeyOf(c)
			if _, ok := added[key]; ok {
				continue
			}

			added[key] = struct{}{}
			res = append(res, c)
		}
	}

	return res, nil
}

// fetchIn materializes model rows where column is one of values, in batches,
// calling f (if not nil) for each resolved entity.
func fetchIn[T any](ctx context.Context, src Source, im *identity.Map, m *Model[T], column string, values []any, f func(*T) error) error {
	for len(values) > 0 {
		n := min(len(values), batchSize)
		batch := values[:n]
		values = values[n:]

		q := m.selectSQL() + " WHERE " + quoteIdent(column) + " IN (" + placeholders(len(batch)) + ")" +
			" ORDER BY " + quoteIdent(m.Key)

		var entities []*T

		err := src.Query(ctx, q, batch, func(rows *sql.Rows) error {
			e, err := m.materialize(rows, im)
			if err != nil {
				return err
			}

			entities = append(entities, e)

			return nil
		})
		if err != nil {
			return err
		}

		if f == nil {
			continue
		}

		for _, e := range entities {
			if err = f(e); err != nil {
				return err
			}
		}
	}

	return nil
}

// cast converts owners to the relation's owner type.
func cast[T any](r Relation, owners []any) ([]*T, error) {
	res := make([]*T, len(owners))

	for i, o := range owners {
		e, ok := o.(*T)
		if !ok {
			return nil, lazyerrors.Errorf("%s: expected %s owner, got %T", r.RelationName(), r.ownerName(), o)
		}

		res[i] = e
	}

	return res, nil
}

// check interfaces
var (
	_ Relation = (*Reference[struct{}, struct{}])(nil)
	_ Relation = (*Collection[struct{}, struct{}])(nil)
)
