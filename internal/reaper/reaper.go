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

// Package reaper cancels orders whose payment window has lapsed and
// returns their reserved stock. The state transition is a compare-and-swap
// in the store, so a payment landing concurrently with the sweep wins and
// nothing is refunded twice.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"flashsale/internal/storage"
	"flashsale/internal/telemetry"
)

// OrderStore is the slice of the order repository the reaper sweeps.
type OrderStore interface {
	ExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]storage.Order, error)
	CASStatus(ctx context.Context, id string, from, to storage.OrderStatus) (bool, error)
}

// Refunder returns reserved stock, satisfied by the inventory engine.
type Refunder interface {
	Rollback(ctx context.Context, sku, orderID string, quantity int64) (int64, error)
}

type refund struct {
	sku     string
	orderID string
	qty     int64
}

// Reaper periodically expires PENDING_PAYMENT orders older than the
// payment window.
type Reaper struct {
	orders   OrderStore
	inv      Refunder
	window   time.Duration
	interval time.Duration
	scanCap  int
	logger   *zap.Logger

	// Refunds that failed (store already TIMEOUT, stock not yet returned)
	// are retried on later sweeps until they land.
	retries []refund

	now func() time.Time
}

func New(orders OrderStore, inv Refunder, window, interval time.Duration, logger *zap.Logger) *Reaper {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		orders:   orders,
		inv:      inv,
		window:   window,
		interval: interval,
		scanCap:  500,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass: retry earlier failed refunds first, then expire the
// current crop of overdue orders. Returns the number of orders timed out.
func (r *Reaper) Sweep(ctx context.Context) int {
	r.drainRetries(ctx)

	cutoff := r.now().Add(-r.window)
	overdue, err := r.orders.ExpiredPending(ctx, cutoff, r.scanCap)
	if err != nil {
		r.logger.Error("expired-order scan failed", zap.Error(err))
		return 0
	}

	reaped := 0
	for _, o := range overdue {
		ok, err := r.orders.CASStatus(ctx, o.ID, storage.StatusPendingPayment, storage.StatusTimeout)
		if err != nil {
			r.logger.Error("timeout transition failed",
				zap.String("order", o.ID), zap.Error(err))
			continue
		}
		if !ok {
			// Lost the race to a payment (or another reaper). Not ours.
			continue
		}
		reaped++
		telemetry.ReaperTimeoutsTotal.Inc()
		if _, err := r.inv.Rollback(ctx, o.SKU, o.ID, o.Quantity); err != nil {
			telemetry.RollbackFailures.Inc()
			r.logger.Error("timeout refund failed, queued for retry",
				zap.String("order", o.ID), zap.String("sku", o.SKU), zap.Error(err))
			r.retries = append(r.retries, refund{sku: o.SKU, orderID: o.ID, qty: o.Quantity})
			continue
		}
		telemetry.RollbackTotal.WithLabelValues("reaper").Inc()
	}
	if reaped > 0 {
		r.logger.Info("expired orders reaped", zap.Int("count", reaped))
	}
	return reaped
}

// drainRetries replays failed refunds. The rollback marker in the
// inventory engine makes replays idempotent, so retrying an order whose
// refund actually landed is harmless.
func (r *Reaper) drainRetries(ctx context.Context) {
	if len(r.retries) == 0 {
		return
	}
	pending := r.retries
	r.retries = nil
	for _, f := range pending {
		if _, err := r.inv.Rollback(ctx, f.sku, f.orderID, f.qty); err != nil {
			r.retries = append(r.retries, f)
			continue
		}
		telemetry.RollbackTotal.WithLabelValues("reaper").Inc()
	}
}
