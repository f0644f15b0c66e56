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
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity, rate float64) (*Limiter, *QueueTokenStore, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tokens := NewQueueTokenStore(rdb, time.Minute)
	cfg := NewConfigStore(rdb, Bucket{Capacity: capacity, RefillRate: rate})
	l := NewLimiter(rdb, cfg, tokens, nil)

	// Frozen, manually advanced clock.
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	return l, tokens, &now
}

// TestBurstShedding runs the shed scenario: capacity 10, rate 5/s, burst of
// 100 back-to-back requests.
func TestBurstShedding(t *testing.T) {
	l, _, _ := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	var acquired, queued int
	var lastETA float64
	for i := 0; i < 100; i++ {
		d, err := l.Acquire(ctx, "skuA")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if d.Acquired {
			acquired++
			continue
		}
		queued++
		if d.QueueToken == "" {
			t.Fatalf("queued decision %d without token", i)
		}
		lastETA = d.ETASeconds
	}
	if acquired != 10 || queued != 90 {
		t.Fatalf("acquired=%d queued=%d, want 10/90", acquired, queued)
	}
	// With zero elapsed time the bucket sits at 0 tokens, so every queued
	// response estimates (1-0)/5 = 0.2s.
	if math.Abs(lastETA-0.2) > 1e-9 {
		t.Fatalf("eta = %v, want 0.2", lastETA)
	}
}

func TestRefillAfterIdle(t *testing.T) {
	l, _, now := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if d, err := l.Acquire(ctx, "skuA"); err != nil || !d.Acquired {
			t.Fatalf("draining acquire %d: %+v %v", i, d, err)
		}
	}
	if d, _ := l.Acquire(ctx, "skuA"); d.Acquired {
		t.Fatal("bucket should be empty")
	}

	*now = now.Add(2 * time.Second) // 2s idle refills 10 tokens (capped)
	d, err := l.Acquire(ctx, "skuA")
	if err != nil {
		t.Fatalf("acquire after idle: %v", err)
	}
	if !d.Acquired {
		t.Fatal("expected a token after refill")
	}
}

func TestEmptyBucketZeroElapsedStateUnchanged(t *testing.T) {
	l, _, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	if d, _ := l.Acquire(ctx, "skuB"); !d.Acquired {
		t.Fatal("first token should be granted")
	}
	// tokens=0, elapsed=0: denied and still 0 afterwards.
	d1, err := l.Acquire(ctx, "skuB")
	if err != nil || d1.Acquired {
		t.Fatalf("expected denial: %+v %v", d1, err)
	}
	d2, err := l.Acquire(ctx, "skuB")
	if err != nil || d2.Acquired {
		t.Fatalf("expected repeat denial: %+v %v", d2, err)
	}
	if d1.ETASeconds != d2.ETASeconds {
		t.Fatalf("eta drifted with no elapsed time: %v vs %v", d1.ETASeconds, d2.ETASeconds)
	}
}

func TestQueueTokenRoundTrip(t *testing.T) {
	l, tokens, _ := newTestLimiter(t, 1, 2)
	ctx := context.Background()

	if d, _ := l.Acquire(ctx, "skuC"); !d.Acquired {
		t.Fatal("first token should be granted")
	}
	d, err := l.Acquire(ctx, "skuC")
	if err != nil || d.Acquired {
		t.Fatalf("expected queued: %+v %v", d, err)
	}

	st, err := tokens.Lookup(ctx, d.QueueToken)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if st.SKU != "skuC" {
		t.Fatalf("token sku = %q", st.SKU)
	}
	if _, err := tokens.Lookup(ctx, "no-such-token"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("unknown token err = %v", err)
	}
}

func TestRuntimeBucketOverride(t *testing.T) {
	l, _, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	if d, _ := l.Acquire(ctx, "skuD"); !d.Acquired {
		t.Fatal("default capacity grants the first token")
	}
	if d, _ := l.Acquire(ctx, "skuD"); d.Acquired {
		t.Fatal("default capacity is 1")
	}

	// Operators can retune a live SKU; no restart involved.
	if err := l.cfg.SetOverride(ctx, "skuD", Bucket{Capacity: 100, RefillRate: 50}); err != nil {
		t.Fatalf("override: %v", err)
	}
	// Fresh sku state under the old keys still holds 0 tokens, but the
	// refill now runs at the new rate; verify the config is picked up.
	got := l.cfg.Bucket(ctx, "skuD")
	if got.Capacity != 100 || got.RefillRate != 50 {
		t.Fatalf("override not visible: %+v", got)
	}
}
