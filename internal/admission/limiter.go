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

// Package admission implements the token-bucket admission controller. The
// bucket state lives in the shared store and is refilled lazily inside a
// single script, so all replicas of the API tier share one bucket per SKU.
// No server-side queue is materialized: a denied request gets an opaque
// queue token plus an ETA estimate derived from the missing tokens.
package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"flashsale/internal/telemetry"
)

// tokenBucketScript refills lazily at `rate` tokens/second up to `capacity`
// and tries to take one token.
//
// KEYS[1] tb:<sku>     fractional token count
// KEYS[2] tb_ts:<sku>  last refill instant, unix milliseconds
// ARGV[1] capacity
// ARGV[2] rate (tokens per second)
// ARGV[3] now, unix milliseconds
//
// Returns {acquired, tokens-after} with tokens encoded as a string to keep
// the fractional part across the Lua/RESP boundary.
const tokenBucketScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(redis.call('GET', KEYS[1]) or ARGV[1])
local last = tonumber(redis.call('GET', KEYS[2]) or ARGV[3])
if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000.0 * rate)
end
local acquired = 0
if tokens >= 1 then
  tokens = tokens - 1
  acquired = 1
end
redis.call('SET', KEYS[1], tostring(tokens))
redis.call('SET', KEYS[2], tostring(now))
return {acquired, tostring(tokens)}
`

// TokensKey and StampKey expose the bucket key layout.
func TokensKey(sku string) string { return "tb:" + sku }
func StampKey(sku string) string  { return "tb_ts:" + sku }

// Decision is the outcome of an admission attempt.
type Decision struct {
	Acquired   bool
	QueueToken string
	ETASeconds float64
}

// Limiter executes the token-bucket script per SKU.
type Limiter struct {
	rdb    redis.Cmdable
	cfg    *ConfigStore
	tokens *QueueTokenStore
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter builds a limiter. cfg supplies per-SKU capacity/rate and may be
// updated at runtime without a restart.
func NewLimiter(rdb redis.Cmdable, cfg *ConfigStore, tokens *QueueTokenStore, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{rdb: rdb, cfg: cfg, tokens: tokens, logger: logger, now: time.Now}
}

// Acquire tries to take a token for the SKU. When the bucket is empty it
// returns a queue token and an ETA of roughly (missing tokens)/rate seconds.
func (l *Limiter) Acquire(ctx context.Context, sku string) (Decision, error) {
	bucket := l.cfg.Bucket(ctx, sku)
	nowMs := l.now().UnixMilli()

	res, err := l.rdb.Eval(ctx, tokenBucketScript,
		[]string{TokensKey(sku), StampKey(sku)},
		bucket.Capacity, bucket.RefillRate, nowMs).Result()
	if err != nil {
		telemetry.AdmissionTotal.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("admission acquire %s: %w", sku, err)
	}
	acquired, tokens, err := parseBucketReply(res)
	if err != nil {
		telemetry.AdmissionTotal.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("admission acquire %s: %w", sku, err)
	}

	if acquired {
		telemetry.AdmissionTotal.WithLabelValues("acquired").Inc()
		return Decision{Acquired: true}, nil
	}

	eta := 0.0
	if bucket.RefillRate > 0 {
		eta = (1 - tokens) / bucket.RefillRate
	}
	if eta < 0 {
		eta = 0
	}
	token := uuid.NewString()
	if l.tokens != nil {
		if err := l.tokens.Save(ctx, token, sku, l.now().Add(time.Duration(eta*float64(time.Second)))); err != nil {
			// The token is still useful to the client as an opaque handle;
			// only the status lookup degrades.
			l.logger.Warn("queue token not persisted", zap.String("sku", sku), zap.Error(err))
		}
	}
	telemetry.AdmissionTotal.WithLabelValues("queued").Inc()
	telemetry.QueueETASeconds.Observe(eta)
	return Decision{QueueToken: token, ETASeconds: eta}, nil
}

func parseBucketReply(res interface{}) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply %T", res)
	}
	acquired, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected acquired type %T", arr[0])
	}
	str, ok := arr[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected tokens type %T", arr[1])
	}
	tokens, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse tokens %q: %w", str, err)
	}
	return acquired == 1, tokens, nil
}
