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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*OrderRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewOrderRepo(sqlx.NewDb(db, "sqlmock")), mock
}

func sampleOrders(n int) []Order {
	now := time.Now()
	out := make([]Order, n)
	for i := range out {
		out[i] = Order{
			ID:        "o" + string(rune('1'+i)),
			UserID:    "u1",
			SKU:       "skuA",
			Quantity:  1,
			Status:    StatusPendingPayment,
			CreatedAt: now,
		}
	}
	return out
}

func TestInsertBatchSingleTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	orders := sampleOrders(3)

	mock.ExpectBegin()
	for range orders {
		mock.ExpectExec("INSERT INTO orders").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	failures, err := repo.InsertBatch(context.Background(), orders)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchIsolatesPoisonedRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	orders := sampleOrders(3)
	boom := errors.New("value too long for column")

	// Transactional attempt dies on the second row.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO orders").WillReturnError(boom)
	mock.ExpectRollback()

	// Per-row fallback: rows 1 and 3 land, row 2 still fails.
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO orders").WillReturnError(boom)
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))

	failures, err := repo.InsertBatch(context.Background(), orders)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, orders[1].ID, failures[0].OrderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchAllRowsFailing(t *testing.T) {
	repo, mock := newMockRepo(t)
	orders := sampleOrders(2)
	down := errors.New("connection refused")

	mock.ExpectBegin().WillReturnError(down)
	mock.ExpectExec("INSERT INTO orders").WillReturnError(down)
	mock.ExpectExec("INSERT INTO orders").WillReturnError(down)

	failures, err := repo.InsertBatch(context.Background(), orders)
	require.Error(t, err)
	require.Len(t, failures, len(orders))
}

func TestCASStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("o1", string(StatusPendingPayment), string(StatusTimeout)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.CASStatus(context.Background(), "o1", StatusPendingPayment, StatusTimeout)
	require.NoError(t, err)
	require.True(t, ok)

	// Second writer loses the race: zero rows affected, no error.
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("o1", string(StatusPendingPayment), string(StatusTimeout)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.CASStatus(context.Background(), "o1", StatusPendingPayment, StatusTimeout)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT .* FROM orders").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestExpiredPending(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "sku_id", "quantity", "status", "created_at", "updated_at"}).
		AddRow("o1", "u1", "s1", 1, string(StatusPendingPayment), now.Add(-time.Hour), now).
		AddRow("o2", "u2", "s1", 2, string(StatusPendingPayment), now.Add(-time.Hour), now)
	mock.ExpectQuery("SELECT .* FROM orders").
		WillReturnRows(rows)

	got, err := repo.ExpiredPending(context.Background(), now.Add(-30*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "o1", got[0].ID)
}
