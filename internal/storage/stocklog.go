// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// StockLogRow is one append-only audit ledger entry. The signed sum of qty
// over a SKU (decrements positive, rollbacks negative) reconciles with
// total_stock - remaining at every instant.
type StockLogRow struct {
	ID      int64     `db:"id"`
	SKU     string    `db:"sku_id"`
	OrderID string    `db:"order_id"`
	Op      string    `db:"op"`
	Qty     int64     `db:"qty"`
	Before  int64     `db:"before_qty"`
	After   int64     `db:"after_qty"`
	At      time.Time `db:"at"`
}

// StockLogRepo appends to and reads the audit ledger.
type StockLogRepo struct {
	db *sqlx.DB
}

func NewStockLogRepo(db *sqlx.DB) *StockLogRepo {
	return &StockLogRepo{db: db}
}

// InsertBatch appends rows in one transaction. The ledger is append-only;
// there is no conflict target and no update path.
func (r *StockLogRepo) InsertBatch(ctx context.Context, rows []StockLogRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("stock_log begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stock_log (sku_id, order_id, op, qty, before_qty, after_qty, at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			row.SKU, row.OrderID, row.Op, row.Qty, row.Before, row.After, row.At); err != nil {
			return fmt.Errorf("stock_log insert order %s: %w", row.OrderID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stock_log commit: %w", err)
	}
	return nil
}

// NetConsumed returns sum(decrements) - sum(rollbacks) for a SKU, i.e. the
// quantity the ledger believes is currently taken from the pool.
func (r *StockLogRepo) NetConsumed(ctx context.Context, sku string) (int64, error) {
	var net int64
	err := r.db.GetContext(ctx, &net,
		`SELECT COALESCE(SUM(CASE WHEN op = 'DECREMENT' THEN qty ELSE -qty END), 0)
		   FROM stock_log WHERE sku_id = $1`, sku)
	if err != nil {
		return 0, fmt.Errorf("stock_log sum %s: %w", sku, err)
	}
	return net, nil
}

// SKUs lists the distinct SKUs present in the ledger, for reconciliation
// sweeps.
func (r *StockLogRepo) SKUs(ctx context.Context) ([]string, error) {
	var skus []string
	if err := r.db.SelectContext(ctx, &skus,
		`SELECT DISTINCT sku_id FROM stock_log`); err != nil {
		return nil, fmt.Errorf("stock_log skus: %w", err)
	}
	return skus, nil
}
