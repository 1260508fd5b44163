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

package scenario

import (
	"context"
	"fmt"

	"github.com/AlekSi/pointer"

	"github.com/FerretDB/sqlitekit/internal/backend"
	"github.com/FerretDB/sqlitekit/internal/catalog"
	"github.com/FerretDB/sqlitekit/internal/graph"
	"github.com/FerretDB/sqlitekit/internal/session"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
)

// RecursiveIncludeReport represents the outcome of [RecursiveInclude].
type RecursiveIncludeReport struct {
	Tracking backend.TrackingMode
	Products int // loaded root products

	SingleProduct  bool // exactly one product with ID 2 and exactly one item
	ProductSet     bool // the item's owning product is set
	ChildPopulated bool // the item's child product has its items populated
	SameInstance   bool // the item's child product is the loaded root product
}

// OK returns true if all checks passed.
func (r *RecursiveIncludeReport) OK() bool {
	return r.SingleProduct && r.ProductSet && r.ChildPopulated && r.SameInstance
}

// String implements [fmt.Stringer].
func (r *RecursiveIncludeReport) String() string {
	return fmt.Sprintf(
		"%s: products=%d single=%t product=%t child_populated=%t same_instance=%t",
		r.Tracking, r.Products, r.SingleProduct, r.ProductSet, r.ChildPopulated, r.SameInstance,
	)
}

// RecursiveInclude recreates the database with product 2 that has an item referring back to product 2,
// loads products with their items and the items' child products in the given tracking mode,
// and checks that the graph is resolved to the same instances.
func RecursiveInclude(ctx context.Context, s *session.Store, tracking backend.TrackingMode) (*RecursiveIncludeReport, error) {
	if err := reset(ctx, s); err != nil {
		return nil, err
	}

	_, err := s.Submit(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		return catalog.InsertProduct(ctx, tx, &catalog.Product{
			ID: 2,
			Items: []*catalog.ProductItem{
				{ChildProductID: pointer.ToInt64(2)},
			},
		})
	})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	sess, err := s.Begin(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	defer sess.Close() //nolint:errcheck // double release is not possible there

	sess.SetTracking(tracking)

	q := graph.From(catalog.Products).Include(catalog.Items, catalog.ChildProduct)

	products, err := graph.Load(ctx, sess, q)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := &RecursiveIncludeReport{
		Tracking: tracking,
		Products: len(products),
	}

	if len(products) != 1 || products[0].ID != 2 || len(products[0].Items) != 1 {
		return res, nil
	}

	res.SingleProduct = true

	item := products[0].Items[0]
	res.ProductSet = item.Product != nil

	if child := item.ChildProduct; child != nil && child.ID == 2 {
		res.ChildPopulated = len(child.Items) > 0
		res.SameInstance = child == products[0]
	}

	return res, nil
}
