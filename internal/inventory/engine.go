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

// Package inventory implements the atomic inventory engine. The Redis-side
// counters stock:sku_<id> and sold:sku_<id> are the authoritative state
// during a sale; all mutations go through server-side scripts so no partial
// state is ever observable. The engine itself never blocks beyond the store
// round trip and never retries a decrement: retrying without confirming the
// prior outcome could double-decrement.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"flashsale/internal/telemetry"
)

// Sentinel results of the decrement script.
var (
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	ErrSoldOut         = errors.New("inventory: sold out")
	ErrLimitExceeded   = errors.New("inventory: per-user purchase limit exceeded")
)

// Op identifies an audit ledger operation.
type Op string

const (
	OpDecrement Op = "DECREMENT"
	OpRollback  Op = "ROLLBACK"
)

// AuditEntry is one append-only ledger row. The before/after pair reconciles
// with the counters: sum of ops for a SKU equals total_stock - remaining.
type AuditEntry struct {
	SKU      string
	OrderID  string
	Op       Op
	Quantity int64
	Before   int64
	After    int64
	At       time.Time
}

// AuditSink receives ledger entries. Implementations must not block the
// caller; the engine sits on the purchase hot path.
type AuditSink interface {
	Record(AuditEntry)
}

// Stock is a point-in-time read of a SKU's counters.
type Stock struct {
	Total     int64
	Sold      int64
	Remaining int64
}

// DecrementResult carries the outcome of a successful decrement.
type DecrementResult struct {
	OrderID   string
	Remaining int64
}

// Key layout helpers, public so the warmup mirror and tests agree on naming.
func StockKey(sku string) string  { return "stock:sku_" + sku }
func SoldKey(sku string) string   { return "sold:sku_" + sku }
func BoughtKey(sku, user string) string {
	return fmt.Sprintf("bought:%s:%s", sku, user)
}
func rollbackMarkerKey(orderID string) string { return "rb:" + orderID }

// Engine executes the inventory scripts against the shared store.
type Engine struct {
	rdb    redis.Cmdable
	audit  AuditSink
	gate   *SoldOutGate
	logger *zap.Logger

	// boughtTTL bounds the lifetime of per-user purchase counters.
	boughtTTL time.Duration
	// markerTTL bounds the lifetime of rollback idempotency markers; choose
	// a duration comfortably larger than the maximum retry window.
	markerTTL time.Duration
}

// NewEngine builds an engine. audit may be nil (entries are then dropped),
// which is only acceptable in tests.
func NewEngine(rdb redis.Cmdable, audit AuditSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rdb:       rdb,
		audit:     audit,
		gate:      NewSoldOutGate(),
		logger:    logger,
		boughtTTL: 48 * time.Hour,
		markerTTL: 24 * time.Hour,
	}
}

// Warmup idempotently seeds the counters for a SKU. It must run before the
// activity transitions to IN_PROGRESS.
func (e *Engine) Warmup(ctx context.Context, sku string, stock int64) error {
	if stock < 0 {
		return ErrInvalidQuantity
	}
	res, err := e.rdb.Eval(ctx, warmupScript, []string{StockKey(sku), SoldKey(sku)}, stock).Int64()
	if err != nil {
		return fmt.Errorf("inventory warmup %s: %w", sku, err)
	}
	e.gate.Reset(sku, stock)
	if res == 0 {
		e.logger.Info("warmup skipped, sku already seeded", zap.String("sku", sku))
	}
	return nil
}

// Decrement atomically reserves quantity units of a SKU for a user. limit > 0
// additionally enforces the per-user purchase cap inside the same script.
// On success the generated order id and the remaining stock are returned and
// an audit entry is recorded.
func (e *Engine) Decrement(ctx context.Context, sku, user string, quantity, limit int64) (DecrementResult, error) {
	if quantity <= 0 {
		return DecrementResult{}, ErrInvalidQuantity
	}
	// Local pre-gate: once the store reported sold-out we stop paying the
	// round trip until a rollback or warmup resets the SKU. Advisory only;
	// the script remains the oversell guard.
	if !e.gate.Admit(sku, quantity) {
		telemetry.DecrementTotal.WithLabelValues("sold_out").Inc()
		return DecrementResult{}, ErrSoldOut
	}

	keys := []string{StockKey(sku), SoldKey(sku), BoughtKey(sku, user)}
	res, err := e.rdb.Eval(ctx, decrementScript, keys,
		quantity, limit, int64(e.boughtTTL.Seconds())).Int64()
	if err != nil {
		e.gate.Retire(sku, quantity)
		telemetry.DecrementTotal.WithLabelValues("error").Inc()
		return DecrementResult{}, fmt.Errorf("inventory decrement %s: %w", sku, err)
	}
	switch {
	case res == -1:
		e.gate.Retire(sku, quantity)
		telemetry.DecrementTotal.WithLabelValues("invalid").Inc()
		return DecrementResult{}, ErrInvalidQuantity
	case res == -2:
		e.gate.Retire(sku, quantity)
		telemetry.DecrementTotal.WithLabelValues("limit").Inc()
		return DecrementResult{}, ErrLimitExceeded
	case res == -3:
		e.gate.Retire(sku, quantity)
		e.gate.MarkSoldOut(sku)
		telemetry.DecrementTotal.WithLabelValues("sold_out").Inc()
		return DecrementResult{}, ErrSoldOut
	}

	remaining := res
	e.gate.Observe(sku, quantity, remaining)

	// Order id is generated outside the script; UUIDv7 is time-ordered and
	// collision resistant, which keeps the system-of-record index friendly.
	id, err := uuid.NewV7()
	if err != nil {
		// Practically unreachable; fall back to v4 rather than failing a
		// reservation that already happened.
		id = uuid.New()
	}
	orderID := id.String()

	if e.audit != nil {
		e.audit.Record(AuditEntry{
			SKU:      sku,
			OrderID:  orderID,
			Op:       OpDecrement,
			Quantity: quantity,
			Before:   remaining + quantity,
			After:    remaining,
			At:       time.Now(),
		})
	}
	telemetry.DecrementTotal.WithLabelValues("ok").Inc()
	return DecrementResult{OrderID: orderID, Remaining: remaining}, nil
}

// Rollback returns quantity units to the pool for a previously reserved
// order. The order id keys an idempotency marker so retried rollbacks apply
// at most once; a replay returns the current stock and touches neither the
// gate nor the audit ledger.
func (e *Engine) Rollback(ctx context.Context, sku, orderID string, quantity int64) (int64, error) {
	if quantity <= 0 || orderID == "" {
		return 0, ErrInvalidQuantity
	}
	keys := []string{StockKey(sku), SoldKey(sku), rollbackMarkerKey(orderID)}
	res, err := e.rdb.Eval(ctx, rollbackScript, keys,
		quantity, int64(e.markerTTL.Seconds())).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("inventory rollback %s order %s: %w", sku, orderID, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("inventory rollback %s order %s: malformed script reply %v", sku, orderID, res)
	}
	if res[0] == -1 {
		return 0, ErrInvalidQuantity
	}
	newStock, applied := res[0], res[1] == 1
	if !applied {
		return newStock, nil
	}
	e.gate.Release(sku, quantity, newStock)

	if e.audit != nil {
		e.audit.Record(AuditEntry{
			SKU:      sku,
			OrderID:  orderID,
			Op:       OpRollback,
			Quantity: quantity,
			Before:   newStock - quantity,
			After:    newStock,
			At:       time.Now(),
		})
	}
	return newStock, nil
}

// Read returns the counters for a SKU. total is derived as sold + remaining,
// which holds at every quiescent point.
func (e *Engine) Read(ctx context.Context, sku string) (Stock, error) {
	vals, err := e.rdb.MGet(ctx, StockKey(sku), SoldKey(sku)).Result()
	if err != nil {
		return Stock{}, fmt.Errorf("inventory read %s: %w", sku, err)
	}
	remaining, err := parseCounter(vals[0])
	if err != nil {
		return Stock{}, fmt.Errorf("inventory read %s: stock key: %w", sku, err)
	}
	sold, err := parseCounter(vals[1])
	if err != nil {
		return Stock{}, fmt.Errorf("inventory read %s: sold key: %w", sku, err)
	}
	return Stock{Total: remaining + sold, Sold: sold, Remaining: remaining}, nil
}

func parseCounter(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, errors.New("key not warmed")
	case string:
		var n int64
		if _, err := fmt.Sscan(t, &n); err != nil {
			return 0, err
		}
		return n, nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
}
