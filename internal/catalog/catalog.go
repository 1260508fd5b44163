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

// Package catalog contains the product catalog model:
// products and product items, where an item may refer to a child product,
// including the product that owns the item.
package catalog

import (
	"context"
	"database/sql"

	"github.com/FerretDB/sqlitekit/internal/graph"
	"github.com/FerretDB/sqlitekit/internal/util/fsql"
	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
)

// Product represents a catalog product.
type Product struct {
	ID    int64
	Name  string
	Items []*ProductItem
}

// ProductItem represents a product's item.
type ProductItem struct {
	ID             int64
	ProductID      int64
	ChildProductID *int64

	Product      *Product
	ChildProduct *Product
}

// Schema contains idempotent DDL statements for the catalog.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS product_items (
		id INTEGER PRIMARY KEY,
		product_id INTEGER NOT NULL REFERENCES products (id) ON DELETE CASCADE,
		child_product_id INTEGER REFERENCES products (id)
	)`,
	`CREATE INDEX IF NOT EXISTS product_items_product_id ON product_items (product_id)`,
	`CREATE INDEX IF NOT EXISTS product_items_child_product_id ON product_items (child_product_id)`,
}

// Products describes products table.
var Products = &graph.Model[Product]{
	Name:    "Product",
	Table:   "products",
	Key:     "id",
	Columns: []string{"id", "name"},
	Scan: func(rows *sql.Rows, p *Product) error {
		return rows.Scan(&p.ID, &p.Name)
	},
	ID: func(p *Product) any { return p.ID },
}

// ProductItems describes product_items table.
var ProductItems = &graph.Model[ProductItem]{
	Name:    "ProductItem",
	Table:   "product_items",
	Key:     "id",
	Columns: []string{"id", "product_id", "child_product_id"},
	Scan: func(rows *sql.Rows, i *ProductItem) error {
		return rows.Scan(&i.ID, &i.ProductID, &i.ChildProductID)
	},
	ID: func(i *ProductItem) any { return i.ID },
}

// Items is a product's items; it also sets each item's Product.
var Items = &graph.Collection[Product, ProductItem]{
	Name:     "Items",
	Owner:    Products,
	Target:   ProductItems,
	FKColumn: "product_id",
	FK:       func(i *ProductItem) any { return i.ProductID },
	Get:      func(p *Product) []*ProductItem { return p.Items },
	Add:      func(p *Product, i *ProductItem) { p.Items = append(p.Items, i) },
	Inverse:  func(i *ProductItem, p *Product) { i.Product = p },
}

// ItemProduct is an item's owning product.
var ItemProduct = &graph.Reference[ProductItem, Product]{
	Name:   "Product",
	Owner:  ProductItems,
	Target: Products,
	FK:     func(i *ProductItem) any { return i.ProductID },
	Set:    func(i *ProductItem, p *Product) { i.Product = p },
}

// ChildProduct is an item's child product, if any.
var ChildProduct = &graph.Reference[ProductItem, Product]{
	Name:   "ChildProduct",
	Owner:  ProductItems,
	Target: Products,
	FK: func(i *ProductItem) any {
		if i.ChildProductID == nil {
			return nil
		}

		return *i.ChildProductID
	},
	Set: func(i *ProductItem, p *Product) { i.ChildProduct = p },
}

// InsertProduct inserts the product and its items.
//
// Zero IDs are assigned by the database and set on the given values.
func InsertProduct(ctx context.Context, tx *fsql.Tx, p *Product) error {
	var id any
	if p.ID != 0 {
		id = p.ID
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO products (id, name) VALUES (?, ?)", id, p.Name)
	if err != nil {
		return err
	}

	if p.ID == 0 {
		if p.ID, err = res.LastInsertId(); err != nil {
			return lazyerrors.Error(err)
		}
	}

	for _, item := range p.Items {
		item.ProductID = p.ID

		if err = insertItem(ctx, tx, item); err != nil {
			return err
		}
	}

	return nil
}

// insertItem inserts a single item.
func insertItem(ctx context.Context, tx *fsql.Tx, item *ProductItem) error {
	var id any
	if item.ID != 0 {
		id = item.ID
	}

	res, err := tx.ExecContext(
		ctx,
		"INSERT INTO product_items (id, product_id, child_product_id) VALUES (?, ?, ?)",
		id, item.ProductID, item.ChildProductID,
	)
	if err != nil {
		return err
	}

	if item.ID == 0 {
		if item.ID, err = res.LastInsertId(); err != nil {
			return lazyerrors.Error(err)
		}
	}

	return nil
}

// RowQuerier executes a query returning at most one row.
//
// It is implemented by leases and sessions.
type RowQuerier interface {
	QueryRow(ctx context.Context, query string, args []any, dest ...any) error
}

// CountProducts returns the number of products.
func CountProducts(ctx context.Context, q RowQuerier) (int, error) {
	var res int
	if err := q.QueryRow(ctx, "SELECT count(*) FROM products", nil, &res); err != nil {
		return 0, err
	}

	return res, nil
}
