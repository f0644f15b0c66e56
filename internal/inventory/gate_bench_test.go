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
	"sync/atomic"
	"testing"
)

const bigStock = 1 << 60 // large so we never trip the sold-out path

// ---- HOT-SKU: all goroutines hammer one SKU's gate ----

func BenchmarkGateAdmitHotSKU(b *testing.B) {
	g := NewSoldOutGate()
	g.Reset("hot", bigStock)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			g.Admit("hot", 1)
		}
	})
}

// Baseline: a single shared atomic counter on the same workload. The gate's
// striped design trades a slower Estimate for contention-free Admit.
func BenchmarkSingleAtomicHotSKU(b *testing.B) {
	var c atomic.Int64
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.Add(1)
		}
	})
}

// ---- MULTI-SKU: goroutines spread across many SKUs ----

func BenchmarkGateAdmitSpreadSKUs(b *testing.B) {
	g := NewSoldOutGate()
	skus := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	for _, s := range skus {
		g.Reset(s, bigStock)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			g.Admit(skus[i&7], 1)
			i++
		}
	})
}

func BenchmarkGateObserveRetireMix(b *testing.B) {
	g := NewSoldOutGate()
	g.Reset("mix", bigStock)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if g.Admit("mix", 1) {
				if i&1 == 0 {
					g.Observe("mix", 1, bigStock)
				} else {
					g.Retire("mix", 1)
				}
			}
			i++
		}
	})
}
