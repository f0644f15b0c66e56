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

package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"flashsale/internal/telemetry"
)

// DeadLetter is the envelope written to the dead-letter topic after a
// handoff exhausts its persistence retries. It carries enough of the
// original record for an operator to replay or refund by hand.
type DeadLetter struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	SKU       string    `json:"sku"`
	Quantity  int64     `json:"qty"`
	Error     string    `json:"error"`
	Retries   int       `json:"retries"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	FailedAt  time.Time `json:"failed_at"`
}

// DLQ publishes dead letters. Envelopes are JSON so they stay greppable
// without the service's own tooling.
type DLQ struct {
	sp     sarama.SyncProducer
	topic  string
	logger *zap.Logger
}

func NewDLQ(sp sarama.SyncProducer, topic string, logger *zap.Logger) *DLQ {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQ{sp: sp, topic: topic, logger: logger}
}

// Publish appends one dead letter. The caller decides what to do when even
// this fails; there is no further fallback.
func (d *DLQ) Publish(_ context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.OrderID, err)
	}
	_, _, err = d.sp.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(dl.OrderID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("append dead letter %s: %w", dl.OrderID, err)
	}
	telemetry.DeadLetterTotal.Inc()
	d.logger.Warn("order dead-lettered",
		zap.String("order", dl.OrderID),
		zap.String("sku", dl.SKU),
		zap.Int("retries", dl.Retries),
		zap.String("error", dl.Error))
	return nil
}
