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

// Package storage is the system-of-record layer: activities and orders live
// in Postgres, together with the append-only stock_log audit ledger. The
// repositories are thin; identity is the primary key and all writes use CAS
// guards or idempotent upserts.
package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	// Postgres driver, registered as "postgres".
	_ "github.com/lib/pq"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS activities (
    id          TEXT PRIMARY KEY,
    sku_id      TEXT NOT NULL,
    name        TEXT NOT NULL,
    total       BIGINT NOT NULL,
    remaining   BIGINT NOT NULL,
    start_at    TIMESTAMPTZ NOT NULL,
    end_at      TIMESTAMPTZ NOT NULL,
    buy_limit   BIGINT NOT NULL DEFAULT 1,
    status      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_activities_sku ON activities (sku_id);
CREATE INDEX IF NOT EXISTS idx_activities_start ON activities (start_at);
CREATE INDEX IF NOT EXISTS idx_activities_status ON activities (status);

CREATE TABLE IF NOT EXISTS orders (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    sku_id      TEXT NOT NULL,
    quantity    BIGINT NOT NULL,
    status      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_sku_status ON orders (sku_id, status);

CREATE TABLE IF NOT EXISTS stock_log (
    id          BIGSERIAL PRIMARY KEY,
    sku_id      TEXT NOT NULL,
    order_id    TEXT NOT NULL,
    op          TEXT NOT NULL,
    qty         BIGINT NOT NULL,
    before_qty  BIGINT NOT NULL,
    after_qty   BIGINT NOT NULL,
    at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stock_log_sku ON stock_log (sku_id);
CREATE INDEX IF NOT EXISTS idx_stock_log_order ON stock_log (order_id);
`

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	return db, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
