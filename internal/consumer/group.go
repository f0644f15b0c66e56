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

package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"flashsale/internal/handoff"
)

// Handler implements sarama.ConsumerGroupHandler. Each claimed partition
// gets its own Batcher, so flushes on one partition never block another.
type Handler struct {
	repo          OrderInserter
	dlq           DeadLetterer
	spill         Spiller
	batchSize     int
	flushInterval time.Duration
	maxRetry      int
	logger        *zap.Logger
}

func NewHandler(repo OrderInserter, dlq DeadLetterer, batchSize int, flushInterval time.Duration, maxRetry int, logger *zap.Logger) *Handler {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		repo:          repo,
		dlq:           dlq,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxRetry:      maxRetry,
		logger:        logger,
	}
}

// WithSpill sets the local-disk dead-letter fallback shared by all claims.
func (h *Handler) WithSpill(s Spiller) *Handler {
	h.spill = s
	return h
}

func (h *Handler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info("partition claims assigned", zap.Any("claims", sess.Claims()))
	return nil
}

func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim runs one claim loop: accumulate until the batch fills or
// the flush interval elapses, then write and mark offsets. A final flush
// runs when the claim is revoked so a rebalance does not strand rows.
func (h *Handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	b := NewBatcher(h.repo, h.dlq, h.batchSize, h.maxRetry, h.logger.With(
		zap.Int32("partition", claim.Partition())))
	if h.spill != nil {
		b.WithSpill(h.spill)
	}
	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	var lastMsg *sarama.ConsumerMessage
	flush := func() {
		b.Flush(sess.Context())
		if lastMsg != nil {
			sess.MarkMessage(lastMsg, "")
			lastMsg = nil
		}
	}
	defer flush()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			ho, err := handoff.Decode(msg.Value)
			if err != nil {
				// Malformed record: skip it, keep the partition moving.
				h.logger.Error("undecodable handoff skipped",
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				sess.MarkMessage(msg, "")
				continue
			}
			lastMsg = msg
			if b.Add(ho, msg.Partition, msg.Offset) {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-sess.Context().Done():
			return nil
		}
	}
}

// Run joins the consumer group and keeps consuming across rebalances
// until the context is cancelled.
func Run(ctx context.Context, group sarama.ConsumerGroup, topics []string, h *Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Error("consume session ended", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// SaramaConfig returns the consumer-group configuration: offsets commit
// only after a flush, reads start from the oldest record on a fresh group.
func SaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}
