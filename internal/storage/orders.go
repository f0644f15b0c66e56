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
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OrderStatus values. Once terminal (PAID, CANCELLED, TIMEOUT) a status
// never changes; every transition is CAS-guarded on the previous status.
type OrderStatus string

const (
	StatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	StatusPaid           OrderStatus = "PAID"
	StatusCancelled      OrderStatus = "CANCELLED"
	StatusTimeout        OrderStatus = "TIMEOUT"
)

// ErrOrderNotFound is returned by lookups for unknown order ids.
var ErrOrderNotFound = errors.New("storage: order not found")

// Order is the system-of-record row.
type Order struct {
	ID        string      `db:"id"`
	UserID    string      `db:"user_id"`
	SKU       string      `db:"sku_id"`
	Quantity  int64       `db:"quantity"`
	Status    OrderStatus `db:"status"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

// RowError reports one failed row of a batch insert.
type RowError struct {
	OrderID string
	Err     error
}

// OrderRepo persists orders.
type OrderRepo struct {
	db *sqlx.DB
}

func NewOrderRepo(db *sqlx.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

const insertOrderSQL = `
INSERT INTO orders (id, user_id, sku_id, quantity, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (id) DO NOTHING`

// InsertBatch writes a batch idempotently: the upsert is keyed on the order
// id, so replaying the same handoff after a crash yields at most one row.
// The happy path is a single transaction; if that transaction fails, each
// row is retried on its own so one poisoned row cannot hold the rest of the
// batch hostage. Per-row failures come back in the first return value; a
// non-nil error means the whole batch must be treated as failed.
func (r *OrderRepo) InsertBatch(ctx context.Context, orders []Order) ([]RowError, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if err := r.insertTx(ctx, orders); err == nil {
		return nil, nil
	}
	// Fall back to per-row inserts to isolate the failing rows.
	var failures []RowError
	for _, o := range orders {
		if _, err := r.db.ExecContext(ctx, insertOrderSQL,
			o.ID, o.UserID, o.SKU, o.Quantity, o.Status, o.CreatedAt); err != nil {
			failures = append(failures, RowError{OrderID: o.ID, Err: err})
		}
	}
	if len(failures) == len(orders) {
		// Nothing went through; likely an infrastructure failure rather
		// than bad rows.
		return failures, fmt.Errorf("order batch insert: all %d rows failed", len(orders))
	}
	return failures, nil
}

func (r *OrderRepo) insertTx(ctx context.Context, orders []Order) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, o := range orders {
		if _, err := tx.ExecContext(ctx, insertOrderSQL,
			o.ID, o.UserID, o.SKU, o.Quantity, o.Status, o.CreatedAt); err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// GetByID fetches one order.
func (r *OrderRepo) GetByID(ctx context.Context, id string) (Order, error) {
	var o Order
	err := r.db.GetContext(ctx, &o,
		`SELECT id, user_id, sku_id, quantity, status, created_at, updated_at
		   FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// CASStatus transitions an order from one status to another. It reports
// whether the transition happened; false means another writer got there
// first (or the order does not exist), which callers treat as "skip".
func (r *OrderRepo) CASStatus(ctx context.Context, id string, from, to OrderStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $3, updated_at = now()
		  WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("cas order %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpiredPending returns up to limit orders still awaiting payment whose
// deadline passed. The reaper drives this in batches.
func (r *OrderRepo) ExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	var out []Order
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, user_id, sku_id, quantity, status, created_at, updated_at
		   FROM orders
		  WHERE status = $1 AND created_at < $2
		  ORDER BY created_at
		  LIMIT $3`, StatusPendingPayment, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("scan expired orders: %w", err)
	}
	return out, nil
}
