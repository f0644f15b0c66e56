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

// Package audit keeps the append-only stock_log ledger. The appender takes
// entries off the purchase hot path into an in-memory buffer and batches
// them into the relational store; a background loop flushes on size or age
// and performs a final flush at shutdown.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"flashsale/internal/inventory"
	"flashsale/internal/storage"
	"flashsale/internal/telemetry"
)

// StockLogInserter is the slice of the storage layer the appender needs.
type StockLogInserter interface {
	InsertBatch(ctx context.Context, rows []storage.StockLogRow) error
}

// Appender implements inventory.AuditSink.
type Appender struct {
	repo      StockLogInserter
	batchSize int
	interval  time.Duration
	maxBuffer int

	mu  sync.Mutex
	buf []storage.StockLogRow

	kick     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
	logger   *zap.Logger
	flushCtx func() (context.Context, context.CancelFunc)
}

// NewAppender builds an appender flushing at batchSize rows or every
// interval, whichever comes first.
func NewAppender(repo StockLogInserter, batchSize int, interval time.Duration, logger *zap.Logger) *Appender {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Appender{
		repo:      repo,
		batchSize: batchSize,
		interval:  interval,
		maxBuffer: batchSize * 100,
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		logger:    logger,
		flushCtx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 10*time.Second)
		},
	}
}

// Record buffers one ledger entry. It never blocks the caller; when the
// buffer is saturated (ledger store down for a long stretch) entries are
// dropped and counted, and reconciliation picks up the divergence.
func (a *Appender) Record(e inventory.AuditEntry) {
	row := storage.StockLogRow{
		SKU:     e.SKU,
		OrderID: e.OrderID,
		Op:      string(e.Op),
		Qty:     e.Quantity,
		Before:  e.Before,
		After:   e.After,
		At:      e.At,
	}
	a.mu.Lock()
	if len(a.buf) >= a.maxBuffer {
		a.mu.Unlock()
		telemetry.AuditDropped.Inc()
		a.logger.Warn("audit entry dropped, buffer saturated",
			zap.String("sku", e.SKU), zap.String("order", e.OrderID))
		return
	}
	a.buf = append(a.buf, row)
	full := len(a.buf) >= a.batchSize
	a.mu.Unlock()

	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the flush loop.
func (a *Appender) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.kick:
				a.flush()
			case <-a.stopCh:
				// Final flush so sub-batch remainders are not lost.
				a.flush()
				return
			}
		}
	}()
}

// Stop flushes the remainder and stops the loop. Safe to call twice.
func (a *Appender) Stop() {
	if !atomic.CompareAndSwapUint32(&a.stopped, 0, 1) {
		return
	}
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Appender) flush() {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	ctx, cancel := a.flushCtx()
	defer cancel()
	if err := a.repo.InsertBatch(ctx, batch); err != nil {
		a.logger.Error("audit batch insert failed, requeueing",
			zap.Int("rows", len(batch)), zap.Error(err))
		// Put the batch back in front so ordering per order id survives.
		a.mu.Lock()
		a.buf = append(batch, a.buf...)
		a.mu.Unlock()
	}
}
