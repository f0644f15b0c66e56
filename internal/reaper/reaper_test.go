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

package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"flashsale/internal/storage"
)

type fakeStore struct {
	overdue []storage.Order
	// casWins maps order id -> whether the CAS succeeds; missing means true.
	casWins map[string]bool
	cas     []string
}

func (f *fakeStore) ExpiredPending(_ context.Context, _ time.Time, _ int) ([]storage.Order, error) {
	return f.overdue, nil
}

func (f *fakeStore) CASStatus(_ context.Context, id string, _, _ storage.OrderStatus) (bool, error) {
	f.cas = append(f.cas, id)
	if win, ok := f.casWins[id]; ok {
		return win, nil
	}
	return true, nil
}

type fakeRefunder struct {
	failFor map[string]int // order id -> remaining failures
	calls   []string
}

func (f *fakeRefunder) Rollback(_ context.Context, _, orderID string, _ int64) (int64, error) {
	f.calls = append(f.calls, orderID)
	if n, ok := f.failFor[orderID]; ok && n > 0 {
		f.failFor[orderID] = n - 1
		return 0, errors.New("redis unavailable")
	}
	return 1, nil
}

func overdueOrder(id string) storage.Order {
	return storage.Order{
		ID:        id,
		UserID:    "u1",
		SKU:       "skuA",
		Quantity:  1,
		Status:    storage.StatusPendingPayment,
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

func TestSweepTimesOutAndRefunds(t *testing.T) {
	store := &fakeStore{overdue: []storage.Order{overdueOrder("o1"), overdueOrder("o2")}}
	inv := &fakeRefunder{}
	r := New(store, inv, 15*time.Minute, time.Minute, nil)

	if got := r.Sweep(context.Background()); got != 2 {
		t.Fatalf("reaped = %d, want 2", got)
	}
	if len(inv.calls) != 2 {
		t.Fatalf("refunds = %d, want 2", len(inv.calls))
	}
}

func TestSweepSkipsPaidRace(t *testing.T) {
	store := &fakeStore{
		overdue: []storage.Order{overdueOrder("o1"), overdueOrder("o2")},
		casWins: map[string]bool{"o1": false},
	}
	inv := &fakeRefunder{}
	r := New(store, inv, 15*time.Minute, time.Minute, nil)

	if got := r.Sweep(context.Background()); got != 1 {
		t.Fatalf("reaped = %d, want 1", got)
	}
	for _, id := range inv.calls {
		if id == "o1" {
			t.Fatal("order that lost the CAS must not be refunded")
		}
	}
}

func TestFailedRefundRetriesOnNextSweep(t *testing.T) {
	store := &fakeStore{overdue: []storage.Order{overdueOrder("o1")}}
	inv := &fakeRefunder{failFor: map[string]int{"o1": 1}}
	r := New(store, inv, 15*time.Minute, time.Minute, nil)

	r.Sweep(context.Background())
	if len(r.retries) != 1 {
		t.Fatalf("failed refund not queued, retries=%d", len(r.retries))
	}

	// Order is already TIMEOUT, so the next sweep only replays the refund.
	store.overdue = nil
	r.Sweep(context.Background())
	if len(r.retries) != 0 {
		t.Fatalf("retry did not drain, retries=%d", len(r.retries))
	}
	if len(inv.calls) != 2 {
		t.Fatalf("rollback calls = %d, want 2", len(inv.calls))
	}
}
