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
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket holds the admission parameters for one SKU.
type Bucket struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

func bucketCfgKey(sku string) string { return "admission:bucket:" + sku }

// ConfigStore resolves per-SKU bucket parameters. Overrides live in a Redis
// hash (fields capacity, rate) so operators can retune a live sale without a
// restart; a short local cache keeps the hot path off the store.
type ConfigStore struct {
	rdb      redis.Cmdable
	defaults Bucket
	cacheTTL time.Duration
	cache    sync.Map // sku -> cachedBucket
}

type cachedBucket struct {
	bucket    Bucket
	fetchedAt time.Time
}

// NewConfigStore builds a store with the given defaults. rdb may be nil, in
// which case defaults always apply (tests, single-binary demos).
func NewConfigStore(rdb redis.Cmdable, defaults Bucket) *ConfigStore {
	return &ConfigStore{rdb: rdb, defaults: defaults, cacheTTL: time.Second}
}

// Bucket returns the effective parameters for a SKU.
func (c *ConfigStore) Bucket(ctx context.Context, sku string) Bucket {
	if v, ok := c.cache.Load(sku); ok {
		entry := v.(cachedBucket)
		if time.Since(entry.fetchedAt) < c.cacheTTL {
			return entry.bucket
		}
	}
	b := c.fetch(ctx, sku)
	c.cache.Store(sku, cachedBucket{bucket: b, fetchedAt: time.Now()})
	return b
}

// SetOverride writes a per-SKU override to the store and drops the local
// cache entry so the change takes effect within one cache TTL everywhere.
func (c *ConfigStore) SetOverride(ctx context.Context, sku string, b Bucket) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.HSet(ctx, bucketCfgKey(sku),
		"capacity", strconv.FormatFloat(b.Capacity, 'f', -1, 64),
		"rate", strconv.FormatFloat(b.RefillRate, 'f', -1, 64)).Err(); err != nil {
		return err
	}
	c.cache.Delete(sku)
	return nil
}

func (c *ConfigStore) fetch(ctx context.Context, sku string) Bucket {
	if c.rdb == nil {
		return c.defaults
	}
	vals, err := c.rdb.HGetAll(ctx, bucketCfgKey(sku)).Result()
	if err != nil || len(vals) == 0 {
		// Store blip or no override: fall back to defaults rather than
		// failing admission outright.
		return c.defaults
	}
	b := c.defaults
	if s, ok := vals["capacity"]; ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			b.Capacity = f
		}
	}
	if s, ok := vals["rate"]; ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			b.RefillRate = f
		}
	}
	return b
}
