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

// Package activity manages sale events: creation, the NOT_STARTED ->
// IN_PROGRESS -> ENDED lifecycle, and the window check the purchase path
// runs on every request. Lookups on the hot path go through a short-lived
// local cache so the relational store stays off the request fan-out.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashsale/internal/inventory"
	"flashsale/internal/storage"
)

var (
	// ErrOutOfWindow is returned when the request arrives before start,
	// after end, or for an activity that is not IN_PROGRESS.
	ErrOutOfWindow = errors.New("activity: outside sale window")

	ErrBadWindow = errors.New("activity: end_at must be after start_at")
)

// Store is the slice of the activity repository the service uses.
type Store interface {
	Create(ctx context.Context, a storage.Activity) error
	GetByID(ctx context.Context, id string) (storage.Activity, error)
	InProgressBySKU(ctx context.Context, sku string) (storage.Activity, error)
	TransitionStatus(ctx context.Context, id string, from, to storage.ActivityStatus) (bool, error)
	UpdateRemaining(ctx context.Context, id string, remaining int64) error
}

// Counters is the slice of the inventory engine the service uses: seeding
// when a sale opens and the final read-back when it closes.
type Counters interface {
	Warmup(ctx context.Context, sku string, stock int64) error
	Read(ctx context.Context, sku string) (inventory.Stock, error)
}

type cached struct {
	act storage.Activity
	at  time.Time
}

// Service wraps the repository with lifecycle rules and the hot-path cache.
type Service struct {
	store  Store
	inv    Counters
	logger *zap.Logger

	cacheTTL time.Duration
	cache    sync.Map // sku -> cached

	now func() time.Time
}

func NewService(store Store, inv Counters, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		inv:      inv,
		logger:   logger,
		cacheTTL: time.Second,
		now:      time.Now,
	}
}

// Create registers a new sale event in NOT_STARTED. A missing id gets a
// generated one; the id is returned either way.
func (s *Service) Create(ctx context.Context, a storage.Activity) (string, error) {
	if a.Total <= 0 {
		return "", fmt.Errorf("activity: total must be positive, got %d", a.Total)
	}
	if !a.EndAt.After(a.StartAt) {
		return "", ErrBadWindow
	}
	if a.BuyLimit <= 0 {
		a.BuyLimit = 1
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.store.Create(ctx, a); err != nil {
		return "", err
	}
	s.logger.Info("activity created",
		zap.String("id", a.ID), zap.String("sku", a.SKU), zap.Int64("total", a.Total))
	return a.ID, nil
}

// Start opens the sale: CAS to IN_PROGRESS, then seed the shared counters.
// Warmup is idempotent, so re-running Start after a partial failure is safe.
func (s *Service) Start(ctx context.Context, id string) error {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionStatus(ctx, id, storage.ActivityNotStarted, storage.ActivityInProgress)
	if err != nil {
		return err
	}
	if !ok && a.Status != storage.ActivityInProgress {
		return fmt.Errorf("activity %s: cannot start from %s", id, a.Status)
	}
	if err := s.inv.Warmup(ctx, a.SKU, a.Total); err != nil {
		return fmt.Errorf("warmup %s: %w", a.SKU, err)
	}
	s.cache.Delete(a.SKU)
	s.logger.Info("activity started", zap.String("id", id), zap.String("sku", a.SKU))
	return nil
}

// End closes the sale. Counters stay in the shared store for the audit
// reconciliation; the row's remaining is refreshed from them so reporting
// queries see the final number without a shared-store round trip.
func (s *Service) End(ctx context.Context, id string) error {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionStatus(ctx, id, storage.ActivityInProgress, storage.ActivityEnded)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("activity %s: cannot end from %s", id, a.Status)
	}
	s.cache.Delete(a.SKU)
	if st, err := s.inv.Read(ctx, a.SKU); err != nil {
		s.logger.Warn("final counter read failed, remaining not mirrored",
			zap.String("sku", a.SKU), zap.Error(err))
	} else if err := s.store.UpdateRemaining(ctx, id, st.Remaining); err != nil {
		s.logger.Warn("remaining mirror failed", zap.String("id", id), zap.Error(err))
	}
	s.logger.Info("activity ended", zap.String("id", id), zap.String("sku", a.SKU))
	return nil
}

// Running returns the IN_PROGRESS activity for a SKU, served from cache
// for up to cacheTTL. A stale hit can admit a request into a just-ended
// sale for at most the TTL; the inventory counters still hold the line.
func (s *Service) Running(ctx context.Context, sku string) (storage.Activity, error) {
	if v, ok := s.cache.Load(sku); ok {
		c := v.(cached)
		if s.now().Sub(c.at) < s.cacheTTL {
			return c.act, nil
		}
	}
	a, err := s.store.InProgressBySKU(ctx, sku)
	if err != nil {
		return storage.Activity{}, err
	}
	s.cache.Store(sku, cached{act: a, at: s.now()})
	return a, nil
}

// CheckWindow validates one request against the sale window and returns
// the activity's per-user buy limit.
func (s *Service) CheckWindow(ctx context.Context, sku string) (storage.Activity, error) {
	a, err := s.Running(ctx, sku)
	if errors.Is(err, storage.ErrActivityNotFound) {
		return storage.Activity{}, ErrOutOfWindow
	}
	if err != nil {
		return storage.Activity{}, err
	}
	now := s.now()
	if now.Before(a.StartAt) || !now.Before(a.EndAt) {
		return storage.Activity{}, ErrOutOfWindow
	}
	return a, nil
}
