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

// Package consumer drains the order topic into the relational store. One
// batcher per claimed partition accumulates decoded handoffs and writes
// them in bulk; rows that keep failing are retried in-process and
// dead-lettered after the retry budget is spent.
package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"flashsale/internal/handoff"
	"flashsale/internal/producer"
	"flashsale/internal/storage"
	"flashsale/internal/telemetry"
)

// OrderInserter is the slice of the storage layer the batcher writes to.
type OrderInserter interface {
	InsertBatch(ctx context.Context, orders []storage.Order) ([]storage.RowError, error)
}

// DeadLetterer takes rows that have exhausted their retries.
type DeadLetterer interface {
	Publish(ctx context.Context, dl producer.DeadLetter) error
}

// Spiller is the local-disk fallback for dead letters that could not even
// be published to the dead-letter topic.
type Spiller interface {
	Append(dl producer.DeadLetter)
}

type pending struct {
	order     storage.Order
	retries   int
	partition int32
	offset    int64
}

// Batcher accumulates orders for one partition claim and flushes them in
// bulk. It is driven from a single goroutine (the claim loop), so it needs
// no locking of its own.
type Batcher struct {
	repo     OrderInserter
	dlq      DeadLetterer
	spill    Spiller
	size     int
	maxRetry int
	logger   *zap.Logger

	buf []pending
}

func NewBatcher(repo OrderInserter, dlq DeadLetterer, size, maxRetry int, logger *zap.Logger) *Batcher {
	if size <= 0 {
		size = 100
	}
	if maxRetry <= 0 {
		maxRetry = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{repo: repo, dlq: dlq, size: size, maxRetry: maxRetry, logger: logger}
}

// WithSpill sets the local-disk fallback. Without it, a dead letter that
// cannot be published survives only in the logs and the audit ledger.
func (b *Batcher) WithSpill(s Spiller) *Batcher {
	b.spill = s
	return b
}

// Add decodes-and-buffers one handoff. It returns true when the buffer has
// reached the batch size and the caller should flush.
func (b *Batcher) Add(h handoff.Handoff, partition int32, offset int64) bool {
	b.buf = append(b.buf, pending{
		order: storage.Order{
			ID:        h.OrderID,
			UserID:    h.UserID,
			SKU:       h.SKU,
			Quantity:  h.Quantity,
			Status:    storage.StatusPendingPayment,
			CreatedAt: time.UnixMilli(h.ClientTsMs),
		},
		partition: partition,
		offset:    offset,
	})
	return len(b.buf) >= b.size
}

// Len reports the number of buffered rows, retries included.
func (b *Batcher) Len() int { return len(b.buf) }

// Flush writes the buffer out. Rows the store rejects are kept for the
// next flush with their retry count bumped; rows past the retry budget go
// to the dead-letter topic and are dropped. Offsets are committed after
// the flush attempt, so a crash between flushes can lose retried rows —
// the audit ledger is the recovery path for those.
func (b *Batcher) Flush(ctx context.Context) {
	if len(b.buf) == 0 {
		return
	}
	batch := b.buf
	b.buf = nil

	orders := make([]storage.Order, len(batch))
	for i, p := range batch {
		orders[i] = p.order
	}
	failures, err := b.repo.InsertBatch(ctx, orders)
	telemetry.BatchRows.Observe(float64(len(batch)))
	if err != nil {
		telemetry.PersistErrorsTotal.Inc()
		b.logger.Error("order batch write failed",
			zap.Int("rows", len(batch)), zap.Error(err))
	}
	if len(failures) == 0 {
		return
	}

	failed := make(map[string]error, len(failures))
	for _, f := range failures {
		failed[f.OrderID] = f.Err
	}
	for _, p := range batch {
		rowErr, bad := failed[p.order.ID]
		if !bad {
			continue
		}
		p.retries++
		if p.retries >= b.maxRetry {
			b.deadLetter(ctx, p, rowErr)
			continue
		}
		b.buf = append(b.buf, p)
	}
}

func (b *Batcher) deadLetter(ctx context.Context, p pending, rowErr error) {
	dl := producer.DeadLetter{
		OrderID:   p.order.ID,
		UserID:    p.order.UserID,
		SKU:       p.order.SKU,
		Quantity:  p.order.Quantity,
		Error:     rowErr.Error(),
		Retries:   p.retries,
		Partition: p.partition,
		Offset:    p.offset,
		FailedAt:  time.Now(),
	}
	if err := b.dlq.Publish(ctx, dl); err != nil {
		if b.spill != nil {
			b.spill.Append(dl)
			b.logger.Error("dead-letter publish failed, spilled to disk",
				zap.String("order", p.order.ID), zap.Error(err))
			return
		}
		// Last resort: the row exists only in this log line and the ledger.
		b.logger.Error("dead-letter publish failed, order dropped",
			zap.String("order", p.order.ID), zap.Error(err))
	}
}
