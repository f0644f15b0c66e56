//go:build e2e

// Package e2e contains end-to-end tests that run the real HTTP surface and
// the real Redis-backed stages together. Kafka and Postgres are replaced by
// in-memory stand-ins so the tests only require a local Redis.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"flashsale/internal/activity"
	"flashsale/internal/admission"
	"flashsale/internal/api"
	"flashsale/internal/handoff"
	"flashsale/internal/inventory"
	"flashsale/internal/pipeline"
	"flashsale/internal/risk"
	"flashsale/internal/storage"
)

type memOrders struct {
	mu     sync.Mutex
	orders map[string]storage.Order
}

func (m *memOrders) GetByID(_ context.Context, id string) (storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return storage.Order{}, storage.ErrOrderNotFound
	}
	return o, nil
}

func (m *memOrders) put(o storage.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

type memActivities struct {
	mu   sync.Mutex
	acts map[string]storage.Activity
}

func (m *memActivities) Create(_ context.Context, a storage.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acts[a.ID] = a
	return nil
}

func (m *memActivities) GetByID(_ context.Context, id string) (storage.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acts[id]
	if !ok {
		return storage.Activity{}, storage.ErrActivityNotFound
	}
	return a, nil
}

func (m *memActivities) InProgressBySKU(_ context.Context, sku string) (storage.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.acts {
		if a.SKU == sku && a.Status == storage.ActivityInProgress {
			return a, nil
		}
	}
	return storage.Activity{}, storage.ErrActivityNotFound
}

func (m *memActivities) TransitionStatus(_ context.Context, id string, from, to storage.ActivityStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	m.acts[id] = a
	return true, nil
}

func (m *memActivities) UpdateRemaining(_ context.Context, id string, remaining int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acts[id]
	if !ok {
		return storage.ErrActivityNotFound
	}
	a.Remaining = remaining
	m.acts[id] = a
	return nil
}

// memPublisher stands in for Kafka: confirmed handoffs become orders
// immediately, which is the consumer's steady-state behavior collapsed to
// one step.
type memPublisher struct {
	orders *memOrders
}

func (p *memPublisher) Publish(_ context.Context, h handoff.Handoff) error {
	p.orders.put(storage.Order{
		ID:        h.OrderID,
		UserID:    h.UserID,
		SKU:       h.SKU,
		Quantity:  h.Quantity,
		Status:    storage.StatusPendingPayment,
		CreatedAt: time.UnixMilli(h.ClientTsMs),
	})
	return nil
}

type purchaseResponse struct {
	Status     string  `json:"status"`
	OrderID    string  `json:"order_id"`
	Remaining  int64   `json:"remaining"`
	QueueToken string  `json:"queue_token"`
	ETASeconds float64 `json:"eta_seconds"`
	Reason     string  `json:"reason"`
}

func startStack(t *testing.T, sku string, stock, buyLimit int64, bucket admission.Bucket) *httptest.Server {
	t.Helper()
	rc := realRedis(t)
	ctx := context.Background()

	rc.Del(ctx,
		inventory.StockKey(sku), inventory.SoldKey(sku),
		admission.TokensKey(sku), admission.StampKey(sku))

	orders := &memOrders{orders: map[string]storage.Order{}}
	acts := &memActivities{acts: map[string]storage.Activity{}}

	eng := inventory.NewEngine(rc, nil, nil)
	pub := &memPublisher{orders: orders}
	lim := admission.NewLimiter(rc,
		admission.NewConfigStore(nil, bucket),
		admission.NewQueueTokenStore(rc, time.Minute), nil)
	assessor := risk.NewAssessor(rc, risk.Thresholds{TLow: 40, THigh: 70}, nil, nil)
	sales := activity.NewService(acts, eng, nil)

	if _, err := sales.Create(ctx, storage.Activity{
		ID:       "e2e-act",
		SKU:      sku,
		Name:     "e2e",
		Total:    stock,
		StartAt:  time.Now().Add(-time.Minute),
		EndAt:    time.Now().Add(time.Hour),
		BuyLimit: buyLimit,
	}); err != nil {
		t.Fatalf("create activity: %v", err)
	}
	if err := sales.Start(ctx, "e2e-act"); err != nil {
		t.Fatalf("start activity: %v", err)
	}

	pipe := pipeline.New(assessor, lim, sales, eng, pub, nil)
	srv := api.NewServer(pipe, orders,
		admission.NewQueueTokenStore(rc, time.Minute), sales, eng, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func buy(t *testing.T, ts *httptest.Server, user, device, sku string, qty int64) purchaseResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"user_id":   user,
		"sku":       sku,
		"quantity":  qty,
		"device_id": device,
		"channel":   "e2e",
	})
	resp, err := http.Post(ts.URL+"/api/v1/purchase", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("purchase request: %v", err)
	}
	defer resp.Body.Close()
	var out purchaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// TestPurchaseFlowE2E walks the happy path: buy, poll the order, watch the
// stock counter drop, and hit the per-user limit on the follow-up buy.
func TestPurchaseFlowE2E(t *testing.T) {
	sku := "e2e-flow"
	ts := startStack(t, sku, 10, 1, admission.Bucket{Capacity: 1000, RefillRate: 1000})

	res := buy(t, ts, "alice", "dev-a", sku, 1)
	if res.Status != "CONFIRMED" || res.OrderID == "" {
		t.Fatalf("first buy = %+v, want CONFIRMED with order id", res)
	}
	if res.Remaining != 9 {
		t.Fatalf("remaining = %d, want 9", res.Remaining)
	}

	// Order is pollable.
	resp, err := http.Get(ts.URL + "/api/v1/orders/" + res.OrderID)
	if err != nil {
		t.Fatalf("order poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("order poll code = %d", resp.StatusCode)
	}

	// Second buy for the same user trips the per-user limit.
	res = buy(t, ts, "alice", "dev-a", sku, 1)
	if res.Status != "LIMIT_EXCEEDED" {
		t.Fatalf("second buy = %+v, want LIMIT_EXCEEDED", res)
	}

	// Stock endpoint agrees.
	resp2, err := http.Get(ts.URL + "/api/v1/stock/" + sku)
	if err != nil {
		t.Fatalf("stock read: %v", err)
	}
	defer resp2.Body.Close()
	var st inventory.Stock
	if err := json.NewDecoder(resp2.Body).Decode(&st); err != nil {
		t.Fatalf("decode stock: %v", err)
	}
	if st.Remaining != 9 || st.Sold != 1 {
		t.Fatalf("stock = %+v, want remaining 9 sold 1", st)
	}
}

// TestSellOutE2E drains a small sale and verifies the tail gets SOLD_OUT
// while exactly `stock` buyers confirm.
func TestSellOutE2E(t *testing.T) {
	sku := "e2e-sellout"
	ts := startStack(t, sku, 5, 1, admission.Bucket{Capacity: 10000, RefillRate: 10000})

	confirmed, soldOut := 0, 0
	for i := 0; i < 20; i++ {
		res := buy(t, ts, fmt.Sprintf("user-%d", i), fmt.Sprintf("dev-%d", i), sku, 1)
		switch res.Status {
		case "CONFIRMED":
			confirmed++
		case "SOLD_OUT":
			soldOut++
		default:
			t.Fatalf("unexpected status %q on buy %d", res.Status, i)
		}
	}
	if confirmed != 5 || soldOut != 15 {
		t.Fatalf("confirmed=%d soldOut=%d, want 5/15", confirmed, soldOut)
	}
}

// TestQueueOverflowE2E shrinks the admission bucket so the burst overflow
// is queued with pollable tokens.
func TestQueueOverflowE2E(t *testing.T) {
	sku := "e2e-queue"
	ts := startStack(t, sku, 100, 1, admission.Bucket{Capacity: 3, RefillRate: 0.5})

	var token string
	confirmed, queued := 0, 0
	for i := 0; i < 10; i++ {
		res := buy(t, ts, fmt.Sprintf("quser-%d", i), fmt.Sprintf("qdev-%d", i), sku, 1)
		switch res.Status {
		case "CONFIRMED":
			confirmed++
		case "QUEUED":
			queued++
			token = res.QueueToken
		default:
			t.Fatalf("unexpected status %q on buy %d", res.Status, i)
		}
	}
	if confirmed != 3 || queued != 7 {
		t.Fatalf("confirmed=%d queued=%d, want 3/7", confirmed, queued)
	}

	resp, err := http.Get(ts.URL + "/api/v1/queue/" + token)
	if err != nil {
		t.Fatalf("queue poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue poll code = %d", resp.StatusCode)
	}
}
