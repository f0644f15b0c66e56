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

package inventory

import (
	"sync"
	"sync/atomic"
	"time"
)

// SoldOutGate is a per-SKU, in-process admission gate in front of the shared
// store. It keeps a scalar (last authoritative remaining) and a striped
// vector of in-flight reservations; Estimate = scalar - (sum(stripes) -
// retiredOffset). Once the estimate (or an authoritative sold-out answer)
// says a SKU is exhausted, requests are denied locally without paying the
// store round trip.
//
// The gate is advisory: the decrement script stays the oversell guard, and
// while gated one probe per probeInterval still reaches the store so state
// restored elsewhere (a rollback in another process) is re-discovered.
type SoldOutGate struct {
	gates         sync.Map // sku -> *skuGate
	probeInterval time.Duration
}

// cache line size varies; over-pad to 128 bytes to avoid false sharing
const gatePadSize = 128 - 8

type gateStripe struct {
	val atomic.Int64
	_   [gatePadSize]byte
}

const gateStripes = 16 // power of two

type skuGate struct {
	// scalar is the last authoritative remaining reported by the store.
	// scalarKnown flips once warmup or a script result has been seen.
	scalar      atomic.Int64
	scalarKnown atomic.Bool

	// stripes accumulate locally admitted (in-flight) quantities; retired
	// accumulates quantities whose store outcome has been observed.
	// Effective in-flight = sum(stripes) - retired.
	stripes [gateStripes]gateStripe
	retired atomic.Int64
	chooser atomic.Uint64

	soldOut   atomic.Bool
	lastProbe atomic.Int64 // UnixNano of the last probe let through while gated
}

// NewSoldOutGate builds a gate with the default probe interval.
func NewSoldOutGate() *SoldOutGate {
	return &SoldOutGate{probeInterval: 100 * time.Millisecond}
}

func (g *SoldOutGate) get(sku string) *skuGate {
	if v, ok := g.gates.Load(sku); ok {
		return v.(*skuGate)
	}
	v, _ := g.gates.LoadOrStore(sku, &skuGate{})
	return v.(*skuGate)
}

// Admit decides whether a decrement attempt should reach the store. On true
// the quantity is tracked as in-flight; the caller must follow up with
// Observe or Retire so the estimate stays honest.
func (g *SoldOutGate) Admit(sku string, qty int64) bool {
	sg := g.get(sku)

	gated := sg.soldOut.Load()
	if !gated && sg.scalarKnown.Load() {
		if sg.scalar.Load()-sg.inflight() < qty {
			gated = true
		}
	}
	if gated && !g.probeDue(sg) {
		return false
	}

	idx := int(sg.chooser.Add(1)) & (gateStripes - 1)
	sg.stripes[idx].val.Add(qty)
	return true
}

// probeDue allows one request per probeInterval through a closed gate.
func (g *SoldOutGate) probeDue(sg *skuGate) bool {
	now := time.Now().UnixNano()
	last := sg.lastProbe.Load()
	if now-last < int64(g.probeInterval) {
		return false
	}
	return sg.lastProbe.CompareAndSwap(last, now)
}

// Observe records the authoritative remaining after a successful decrement
// of qty units and retires the in-flight reservation.
func (g *SoldOutGate) Observe(sku string, qty, remaining int64) {
	sg := g.get(sku)
	sg.retired.Add(qty)
	sg.scalar.Store(remaining)
	sg.scalarKnown.Store(true)
	if remaining > 0 {
		sg.soldOut.Store(false)
	}
}

// Retire drops an in-flight reservation whose store attempt did not reserve
// stock (error, invalid, limit, sold out).
func (g *SoldOutGate) Retire(sku string, qty int64) {
	g.get(sku).retired.Add(qty)
}

// MarkSoldOut closes the gate after an authoritative sold-out answer.
func (g *SoldOutGate) MarkSoldOut(sku string) {
	sg := g.get(sku)
	sg.soldOut.Store(true)
}

// Release re-opens the gate after a rollback returned stock to the pool.
func (g *SoldOutGate) Release(sku string, qty, newStock int64) {
	sg := g.get(sku)
	sg.scalar.Store(newStock)
	sg.scalarKnown.Store(true)
	if newStock > 0 {
		sg.soldOut.Store(false)
	}
}

// Reset seeds the gate at warmup time.
func (g *SoldOutGate) Reset(sku string, stock int64) {
	sg := g.get(sku)
	for i := range sg.stripes {
		sg.stripes[i].val.Store(0)
	}
	sg.retired.Store(0)
	sg.scalar.Store(stock)
	sg.scalarKnown.Store(true)
	sg.soldOut.Store(stock <= 0)
}

// Estimate returns the local remaining estimate for a SKU. Negative values
// mean more reservations are in flight than the last known stock.
func (g *SoldOutGate) Estimate(sku string) int64 {
	sg := g.get(sku)
	return sg.scalar.Load() - sg.inflight()
}

func (sg *skuGate) inflight() int64 {
	var sum int64
	for i := range sg.stripes {
		sum += sg.stripes[i].val.Load()
	}
	return sum - sg.retired.Load()
}
