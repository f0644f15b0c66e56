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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ActivityStatus is monotone: NOT_STARTED -> IN_PROGRESS -> ENDED.
type ActivityStatus string

const (
	ActivityNotStarted ActivityStatus = "NOT_STARTED"
	ActivityInProgress ActivityStatus = "IN_PROGRESS"
	ActivityEnded      ActivityStatus = "ENDED"
)

// ErrActivityNotFound is returned for unknown activity ids or SKUs with no
// running sale.
var ErrActivityNotFound = errors.New("storage: activity not found")

// Activity is one sale event's configuration row.
type Activity struct {
	ID        string         `db:"id"`
	SKU       string         `db:"sku_id"`
	Name      string         `db:"name"`
	Total     int64          `db:"total"`
	Remaining int64          `db:"remaining"`
	StartAt   time.Time      `db:"start_at"`
	EndAt     time.Time      `db:"end_at"`
	BuyLimit  int64          `db:"buy_limit"`
	Status    ActivityStatus `db:"status"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// ActivityRepo persists activities.
type ActivityRepo struct {
	db *sqlx.DB
}

func NewActivityRepo(db *sqlx.DB) *ActivityRepo {
	return &ActivityRepo{db: db}
}

// Create inserts a new activity in NOT_STARTED.
func (r *ActivityRepo) Create(ctx context.Context, a Activity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activities
		   (id, sku_id, name, total, remaining, start_at, end_at, buy_limit, status)
		 VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8)`,
		a.ID, a.SKU, a.Name, a.Total, a.StartAt, a.EndAt, a.BuyLimit, ActivityNotStarted)
	if err != nil {
		return fmt.Errorf("create activity %s: %w", a.ID, err)
	}
	return nil
}

// GetByID fetches one activity.
func (r *ActivityRepo) GetByID(ctx context.Context, id string) (Activity, error) {
	var a Activity
	err := r.db.GetContext(ctx, &a, activitySelect+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, ErrActivityNotFound
	}
	if err != nil {
		return Activity{}, fmt.Errorf("get activity %s: %w", id, err)
	}
	return a, nil
}

// InProgressBySKU returns the running activity for a SKU. At most one
// activity per SKU is IN_PROGRESS at a time.
func (r *ActivityRepo) InProgressBySKU(ctx context.Context, sku string) (Activity, error) {
	var a Activity
	err := r.db.GetContext(ctx, &a,
		activitySelect+` WHERE sku_id = $1 AND status = $2`, sku, ActivityInProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, ErrActivityNotFound
	}
	if err != nil {
		return Activity{}, fmt.Errorf("get running activity for %s: %w", sku, err)
	}
	return a, nil
}

const activitySelect = `
SELECT id, sku_id, name, total, remaining, start_at, end_at, buy_limit,
       status, created_at, updated_at
  FROM activities`

// TransitionStatus CAS-advances the monotone status chain. false means the
// activity was not in the expected previous state.
func (r *ActivityRepo) TransitionStatus(ctx context.Context, id string, from, to ActivityStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE activities SET status = $3, updated_at = now()
		  WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition activity %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateRemaining mirrors the shared-store remaining back into the row.
// Informational only while IN_PROGRESS; the shared store is authoritative.
func (r *ActivityRepo) UpdateRemaining(ctx context.Context, id string, remaining int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE activities SET remaining = $2, updated_at = now() WHERE id = $1`,
		id, remaining)
	if err != nil {
		return fmt.Errorf("update remaining %s: %w", id, err)
	}
	return nil
}
