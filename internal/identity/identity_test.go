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

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type product struct {
	ID   int64
	Name string
}

type item struct {
	ID int64
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Key{Type: "Product", ID: "2"}, IntKey("Product", 2))
	assert.Equal(t, "Product(2)", IntKey("Product", 2).String())

	assert.Equal(t, Key{Type: "Line", ID: "1:7|3:abc"}, CompositeKey("Line", 7, "abc"))
	assert.NotEqual(t, CompositeKey("Line", "a|1:b"), CompositeKey("Line", "a", "b"))
	assert.NotEqual(t, CompositeKey("Line", 1), CompositeKey("Other", 1))
}

func TestMap(t *testing.T) {
	t.Parallel()

	m := New()
	key := IntKey("Product", 2)

	_, ok := m.Lookup(key)
	require.False(t, ok)

	p1 := &product{ID: 2, Name: "first"}
	e, attached := m.Attach(key, p1)
	require.True(t, attached)
	require.Same(t, p1, e)

	p2 := &product{ID: 2, Name: "second"}
	e, attached = m.Attach(key, p2)
	require.False(t, attached)
	require.Same(t, p1, e)

	e, ok = m.Lookup(key)
	require.True(t, ok)
	require.Same(t, p1, e)

	assert.Equal(t, 1, m.Len())

	itemKey := IntKey("ProductItem", 1)
	m.Attach(itemKey, &item{ID: 1})
	assert.Equal(t, []Key{key, itemKey}, m.Keys())

	assert.True(t, m.Link("Items", key, itemKey))
	assert.False(t, m.Link("Items", key, itemKey))
	assert.True(t, m.Link("Product", itemKey, key))

	m.Detach()
	assert.Zero(t, m.Len())

	_, ok = m.Lookup(key)
	assert.False(t, ok)
	assert.True(t, m.Link("Items", key, itemKey))

	// entities stay valid after detach
	assert.Equal(t, "first", p1.Name)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	m := New()
	key := IntKey("Product", 2)

	p1 := &product{ID: 2}
	res, attached := Resolve(m, key, p1)
	require.True(t, attached)
	require.Same(t, p1, res)

	res, attached = Resolve(m, key, &product{ID: 2})
	require.False(t, attached)
	require.Same(t, p1, res)

	assert.Panics(t, func() {
		Resolve(m, key, &item{ID: 2})
	})
}
