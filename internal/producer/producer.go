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

// Package producer appends order handoffs to the durable log. A handoff
// must exist in the log if and only if inventory was decremented, so a
// failed append triggers a compensating rollback before the error is
// surfaced.
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"flashsale/internal/handoff"
	"flashsale/internal/telemetry"
)

// Rollbacker is the compensation hook, satisfied by the inventory engine.
type Rollbacker interface {
	Rollback(ctx context.Context, sku, orderID string, quantity int64) (int64, error)
}

// Producer writes handoffs to the order topic, partitioned by user id.
type Producer struct {
	sp         sarama.SyncProducer
	topic      string
	partitions int32
	inv        Rollbacker
	logger     *zap.Logger
	// rollbackTimeout bounds the compensation call; the client is getting
	// SYSTEM_BUSY either way.
	rollbackTimeout time.Duration
}

// New builds a producer on an existing sarama SyncProducer.
func New(sp sarama.SyncProducer, topic string, partitions int32, inv Rollbacker, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		sp:              sp,
		topic:           topic,
		partitions:      partitions,
		inv:             inv,
		logger:          logger,
		rollbackTimeout: 5 * time.Second,
	}
}

// SaramaConfig returns the producer configuration used across the service:
// acks from the full ISR, manual partitioning (we key partitions by user,
// not by message key), bounded retries and a bounded await.
func SaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	return cfg
}

// Publish appends one handoff. The message key is the order id; the
// partition is hash(user) mod N so per-user ordering holds. On append
// failure the reserved quantity is rolled back and the original error is
// returned for the pipeline to translate into SYSTEM_BUSY.
func (p *Producer) Publish(ctx context.Context, h handoff.Handoff) error {
	payload, err := handoff.Encode(h)
	if err != nil {
		// Nothing was appended; compensate and fail.
		p.compensate(h)
		return fmt.Errorf("encode handoff %s: %w", h.OrderID, err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(h.OrderID),
		Value:     sarama.ByteEncoder(payload),
		Partition: handoff.Partition(h.UserID, p.partitions),
	}

	start := time.Now()
	_, _, err = p.sp.SendMessage(msg)
	telemetry.HandoffPublishSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		p.compensate(h)
		return fmt.Errorf("append handoff %s: %w", h.OrderID, err)
	}
	return nil
}

// compensate undoes the inventory decrement for a handoff that never made
// it into the log. A failed compensation is logged and counted; the audit
// ledger has enough to reconcile by hand.
func (p *Producer) compensate(h handoff.Handoff) {
	ctx, cancel := context.WithTimeout(context.Background(), p.rollbackTimeout)
	defer cancel()
	if _, err := p.inv.Rollback(ctx, h.SKU, h.OrderID, h.Quantity); err != nil {
		telemetry.RollbackFailures.Inc()
		p.logger.Error("compensating rollback failed",
			zap.String("sku", h.SKU),
			zap.String("order", h.OrderID),
			zap.Int64("qty", h.Quantity),
			zap.Error(err))
		return
	}
	telemetry.RollbackTotal.WithLabelValues("producer").Inc()
}

// Close flushes and closes the underlying producer.
func (p *Producer) Close() error {
	return p.sp.Close()
}
