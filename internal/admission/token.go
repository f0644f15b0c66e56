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

package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnknownToken is returned when a queue token has expired or never existed.
var ErrUnknownToken = errors.New("admission: unknown queue token")

// QueueStatus is what a polling client learns about its queue token.
type QueueStatus struct {
	SKU        string
	RetryAt    time.Time
	RetryReady bool
}

func queueTokenKey(token string) string { return "qtoken:" + token }

// QueueTokenStore keeps the opaque tokens handed out with QUEUED responses.
// Tokens are soft state: expiry just means the client retries from scratch.
type QueueTokenStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewQueueTokenStore builds a store; ttl <= 0 defaults to 10 minutes.
func NewQueueTokenStore(rdb redis.Cmdable, ttl time.Duration) *QueueTokenStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &QueueTokenStore{rdb: rdb, ttl: ttl}
}

// Save records a token with the SKU it queued for and the earliest sensible
// retry instant.
func (s *QueueTokenStore) Save(ctx context.Context, token, sku string, retryAt time.Time) error {
	key := queueTokenKey(token)
	if err := s.rdb.HSet(ctx, key,
		"sku", sku,
		"retry_at_ms", strconv.FormatInt(retryAt.UnixMilli(), 10)).Err(); err != nil {
		return fmt.Errorf("save queue token: %w", err)
	}
	return s.rdb.Expire(ctx, key, s.ttl).Err()
}

// Lookup resolves a queue token.
func (s *QueueTokenStore) Lookup(ctx context.Context, token string) (QueueStatus, error) {
	vals, err := s.rdb.HGetAll(ctx, queueTokenKey(token)).Result()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("lookup queue token: %w", err)
	}
	if len(vals) == 0 {
		return QueueStatus{}, ErrUnknownToken
	}
	ms, _ := strconv.ParseInt(vals["retry_at_ms"], 10, 64)
	retryAt := time.UnixMilli(ms)
	return QueueStatus{
		SKU:        vals["sku"],
		RetryAt:    retryAt,
		RetryReady: time.Now().After(retryAt),
	}, nil
}
