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

// Package telemetry exposes the Prometheus metrics for the flash-sale
// pipeline. Metrics are registered eagerly; if no /metrics endpoint is
// exposed the registration is harmless. Label cardinality is kept bounded:
// only outcome/op enums, never user or device ids.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts purchase requests by terminal response code.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_requests_total",
		Help: "Purchase requests by terminal response code",
	}, []string{"code"})

	// AdmissionTotal counts token-bucket outcomes.
	AdmissionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_admission_total",
		Help: "Admission controller outcomes (acquired, queued, error)",
	}, []string{"outcome"})

	// QueueETASeconds observes the estimated wait handed to queued clients.
	// Doubles as a cheap "queue length" signal: eta * refill_rate ≈ backlog.
	QueueETASeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashsale_queue_eta_seconds",
		Help:    "Estimated wait returned with QUEUED responses",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// RiskTotal counts risk assessor actions.
	RiskTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_risk_total",
		Help: "Risk assessor actions (pass, captcha, block, fail_open)",
	}, []string{"action"})

	// DecrementTotal counts inventory script outcomes.
	DecrementTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_decrement_total",
		Help: "Inventory decrement outcomes (ok, sold_out, limit, invalid, error)",
	}, []string{"outcome"})

	// RollbackTotal counts compensations by initiator.
	RollbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_rollback_total",
		Help: "Inventory rollbacks by initiator (producer, reaper)",
	}, []string{"initiator"})

	// RollbackFailures counts failed compensations; each one needs
	// reconciliation against the audit ledger.
	RollbackFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_rollback_failures_total",
		Help: "Compensating rollbacks that failed and were left to reconciliation",
	})

	// HandoffPublishSeconds observes the durable-log append latency.
	HandoffPublishSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashsale_handoff_publish_seconds",
		Help:    "Latency of order handoff appends to the durable log",
		Buckets: prometheus.DefBuckets,
	})

	// BatchRows observes rows per order-persistence flush.
	BatchRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashsale_batch_rows",
		Help:    "Rows per order batch insert",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 100, 128},
	})

	// PersistErrorsTotal counts failed batch inserts (before retry policy).
	PersistErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_persist_errors_total",
		Help: "Order batch inserts that reported at least one failed row",
	})

	// DeadLetterTotal counts handoffs routed to the dead-letter topic.
	DeadLetterTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_dead_letter_total",
		Help: "Handoffs routed to the dead-letter topic after max retries",
	})

	// ReaperTimeoutsTotal counts orders expired by the timeout reaper.
	ReaperTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_reaper_timeouts_total",
		Help: "Orders transitioned PENDING_PAYMENT -> TIMEOUT by the reaper",
	})

	// AuditDrift reports the last reconciliation divergence per SKU scan.
	// Non-zero values indicate RECONCILIATION_DRIFT.
	AuditDrift = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashsale_audit_drift",
		Help: "stock_log sum minus (total - remaining) observed by the reconciler",
	}, []string{"sku"})

	// AuditDropped counts audit entries dropped because the appender buffer
	// was full. Should stay at zero; alerts on any increase.
	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_audit_dropped_total",
		Help: "Audit entries dropped due to appender backpressure",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, AdmissionTotal, QueueETASeconds, RiskTotal,
		DecrementTotal, RollbackTotal, RollbackFailures,
		HandoffPublishSeconds, BatchRows, PersistErrorsTotal,
		DeadLetterTotal, ReaperTimeoutsTotal, AuditDrift, AuditDropped,
	)
}

// StartMetricsEndpoint exposes /metrics on the given addr in a background
// goroutine. Empty addr disables the endpoint.
func StartMetricsEndpoint(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
