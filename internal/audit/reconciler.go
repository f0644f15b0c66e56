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

package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"flashsale/internal/inventory"
	"flashsale/internal/telemetry"
)

// NetConsumedReader is the ledger side of the reconciliation.
type NetConsumedReader interface {
	NetConsumed(ctx context.Context, sku string) (int64, error)
}

// StockReader is the counter side of the reconciliation.
type StockReader interface {
	Read(ctx context.Context, sku string) (inventory.Stock, error)
}

// Reconciler cross-checks the ledger against the live counters. At any
// quiescent point the ledger's net consumed quantity must equal the sold
// counter; a non-zero drift means either dropped audit entries or a
// compensation that never landed.
type Reconciler struct {
	ledger NetConsumedReader
	stock  StockReader
	logger *zap.Logger
}

func NewReconciler(ledger NetConsumedReader, stock StockReader, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{ledger: ledger, stock: stock, logger: logger}
}

// Check returns ledgerNet - sold for the SKU. In-flight requests make small
// transient drifts normal; persistent drift is the reconciliation signal.
func (r *Reconciler) Check(ctx context.Context, sku string) (int64, error) {
	net, err := r.ledger.NetConsumed(ctx, sku)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", sku, err)
	}
	st, err := r.stock.Read(ctx, sku)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", sku, err)
	}
	drift := net - st.Sold
	telemetry.AuditDrift.WithLabelValues(sku).Set(float64(drift))
	if drift != 0 {
		r.logger.Warn("reconciliation drift",
			zap.String("sku", sku),
			zap.Int64("ledger_net", net),
			zap.Int64("sold", st.Sold),
			zap.Int64("drift", drift))
	}
	return drift, nil
}
