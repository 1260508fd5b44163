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

// Package identity provides the identity map: a registry of materialized entities
// keyed by entity type and primary key.
//
// Two lookups of the same key within one map always return the same instance.
// Map is not safe for concurrent use; it belongs to a single unit of work.
package identity

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Key identifies an entity.
type Key struct {
	Type string // entity type name
	ID   string // canonical primary key
}

// IntKey returns a key for an integer primary key.
func IntKey(typ string, id int64) Key {
	return Key{Type: typ, ID: strconv.FormatInt(id, 10)}
}

// CompositeKey returns a key for a primary key consisting of several values.
//
// Each part is length-prefixed, so different part lists never produce the same key.
func CompositeKey(typ string, parts ...any) Key {
	var sb strings.Builder

	for i, p := range parts {
		if i > 0 {
			sb.WriteByte('|')
		}

		s := fmt.Sprint(p)
		sb.WriteString(strconv.Itoa(len(s)))
		sb.WriteByte(':')
		sb.WriteString(s)
	}

	return Key{Type: typ, ID: sb.String()}
}

// String implements [fmt.Stringer].
func (k Key) String() string {
	return k.Type + "(" + k.ID + ")"
}

// link represents a resolved relation between two entities.
type link struct {
	relation string
	from     Key
	to       Key
}

// Map is an identity map.
//
// The zero value is not usable; use [New].
type Map struct {
	entities map[Key]any
	links    map[link]struct{}
}

// New creates a new empty identity map.
func New() *Map {
	return &Map{
		entities: map[Key]any{},
		links:    map[link]struct{}{},
	}
}

// Lookup returns the entity registered for the key, if any.
func (m *Map) Lookup(key Key) (any, bool) {
	e, ok := m.entities[key]
	return e, ok
}

// Attach registers the entity for the key if there is no entity registered yet.
//
// It returns the registered entity (existing or the given one)
// and true if the given entity was registered.
func (m *Map) Attach(key Key, entity any) (any, bool) {
	if existing, ok := m.entities[key]; ok {
		return existing, false
	}

	m.entities[key] = entity

	return entity, true
}

// Link records that the relation between two entities was resolved.
//
// It returns false if that link was already recorded.
func (m *Map) Link(relation string, from, to Key) bool {
	l := link{relation: relation, from: from, to: to}

	if _, ok := m.links[l]; ok {
		return false
	}

	m.links[l] = struct{}{}

	return true
}

// Len returns the number of registered entities.
func (m *Map) Len() int {
	return len(m.entities)
}

// Keys returns keys of all registered entities, sorted by type and ID.
func (m *Map) Keys() []Key {
	res := maps.Keys(m.entities)

	slices.SortFunc(res, func(a, b Key) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return res
}

// Detach forgets all entities and links.
//
// Entities stay valid, but are no longer returned by lookups.
func (m *Map) Detach() {
	clear(m.entities)
	clear(m.links)
}

// Resolve returns the entity registered for the key, or registers fresh.
//
// The returned boolean is true if fresh was registered.
// It panics if the registered entity has a different Go type.
func Resolve[T any](m *Map, key Key, fresh *T) (*T, bool) {
	e, attached := m.Attach(key, fresh)
	if attached {
		return fresh, true
	}

	res, ok := e.(*T)
	if !ok {
		panic(fmt.Sprintf("identity.Resolve: %s is registered as %T, not %T", key, e, fresh))
	}

	return res, false
}
