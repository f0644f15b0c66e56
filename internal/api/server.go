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

// Package api is the HTTP surface: the purchase endpoint, order and queue
// status polling, and the admin lifecycle routes. It validates input and
// translates pipeline results; all decisions live below it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"flashsale/internal/admission"
	"flashsale/internal/inventory"
	"flashsale/internal/pipeline"
	"flashsale/internal/storage"
)

// Purchaser runs one purchase attempt.
type Purchaser interface {
	Purchase(ctx context.Context, req pipeline.Request) pipeline.Result
}

// OrderReader serves order status polling.
type OrderReader interface {
	GetByID(ctx context.Context, id string) (storage.Order, error)
}

// QueueReader serves queue token polling.
type QueueReader interface {
	Lookup(ctx context.Context, token string) (admission.QueueStatus, error)
}

// ActivityAdmin is the lifecycle surface for operators.
type ActivityAdmin interface {
	Create(ctx context.Context, a storage.Activity) (string, error)
	Start(ctx context.Context, id string) error
	End(ctx context.Context, id string) error
}

// StockReader exposes live counters for the product page.
type StockReader interface {
	Read(ctx context.Context, sku string) (inventory.Stock, error)
}

// BucketTuner lets operators retune admission for a live sale.
type BucketTuner interface {
	SetOverride(ctx context.Context, sku string, b admission.Bucket) error
}

// Server holds the routed dependencies.
type Server struct {
	pipe     Purchaser
	orders   OrderReader
	queue    QueueReader
	admin    ActivityAdmin
	stock    StockReader
	buckets  BucketTuner
	validate *validator.Validate
	logger   *zap.Logger
}

func NewServer(pipe Purchaser, orders OrderReader, queue QueueReader, admin ActivityAdmin, stock StockReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pipe:     pipe,
		orders:   orders,
		queue:    queue,
		admin:    admin,
		stock:    stock,
		validate: validator.New(),
		logger:   logger,
	}
}

// WithBucketTuner enables the admission retune endpoint.
func (s *Server) WithBucketTuner(t BucketTuner) *Server {
	s.buckets = t
	return s
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/purchase", s.handlePurchase)
		r.Get("/orders/{id}", s.handleOrderStatus)
		r.Get("/queue/{token}", s.handleQueueStatus)
		r.Get("/stock/{sku}", s.handleStock)

		r.Route("/admin/activities", func(r chi.Router) {
			r.Post("/", s.handleActivityCreate)
			r.Post("/{id}/start", s.handleActivityStart)
			r.Post("/{id}/end", s.handleActivityEnd)
		})
		if s.buckets != nil {
			r.Put("/admin/admission/{sku}", s.handleBucketOverride)
		}
	})
	return r
}

type purchaseRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	SKU          string `json:"sku" validate:"required"`
	Quantity     int64  `json:"quantity" validate:"gte=0,lte=100"`
	DeviceID     string `json:"device_id"`
	CaptchaToken string `json:"captcha_token"`
	Channel      string `json:"channel"`
	TraceID      string `json:"trace_id"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var in purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.pipe.Purchase(r.Context(), pipeline.Request{
		UserID:       in.UserID,
		SKU:          in.SKU,
		Quantity:     in.Quantity,
		DeviceID:     in.DeviceID,
		SourceIP:     r.RemoteAddr,
		Channel:      in.Channel,
		CaptchaToken: in.CaptchaToken,
		TraceID:      in.TraceID,
	})
	writeJSON(w, res.HTTPStatus, res)
}

type orderStatusResponse struct {
	OrderID   string    `json:"order_id"`
	SKU       string    `json:"sku"`
	Quantity  int64     `json:"quantity"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := s.orders.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "unknown order")
		return
	}
	if err != nil {
		s.logger.Error("order lookup failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, orderStatusResponse{
		OrderID:   o.ID,
		SKU:       o.SKU,
		Quantity:  o.Quantity,
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt,
	})
}

type queueStatusResponse struct {
	SKU        string    `json:"sku"`
	RetryAt    time.Time `json:"retry_at"`
	RetryReady bool      `json:"retry_ready"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	st, err := s.queue.Lookup(r.Context(), token)
	if errors.Is(err, admission.ErrUnknownToken) {
		writeError(w, http.StatusNotFound, "unknown or expired queue token")
		return
	}
	if err != nil {
		s.logger.Error("queue lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, queueStatusResponse{
		SKU:        st.SKU,
		RetryAt:    st.RetryAt,
		RetryReady: st.RetryReady,
	})
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	st, err := s.stock.Read(r.Context(), sku)
	if err != nil {
		s.logger.Error("stock read failed", zap.String("sku", sku), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stock unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type activityCreateRequest struct {
	SKU      string    `json:"sku" validate:"required"`
	Name     string    `json:"name" validate:"required"`
	Total    int64     `json:"total" validate:"gt=0"`
	StartAt  time.Time `json:"start_at" validate:"required"`
	EndAt    time.Time `json:"end_at" validate:"required,gtfield=StartAt"`
	BuyLimit int64     `json:"buy_limit" validate:"gte=0"`
}

func (s *Server) handleActivityCreate(w http.ResponseWriter, r *http.Request) {
	var in activityCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.admin.Create(r.Context(), storage.Activity{
		SKU:      in.SKU,
		Name:     in.Name,
		Total:    in.Total,
		StartAt:  in.StartAt,
		EndAt:    in.EndAt,
		BuyLimit: in.BuyLimit,
	})
	if err != nil {
		s.logger.Error("activity create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleActivityStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.Start(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrActivityNotFound) {
			writeError(w, http.StatusNotFound, "unknown activity")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivityEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.End(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrActivityNotFound) {
			writeError(w, http.StatusNotFound, "unknown activity")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bucketOverrideRequest struct {
	Capacity   float64 `json:"capacity" validate:"gt=0"`
	RefillRate float64 `json:"refill_rate" validate:"gt=0"`
}

func (s *Server) handleBucketOverride(w http.ResponseWriter, r *http.Request) {
	var in bucketOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sku := chi.URLParam(r, "sku")
	if err := s.buckets.SetOverride(r.Context(), sku, admission.Bucket{
		Capacity:   in.Capacity,
		RefillRate: in.RefillRate,
	}); err != nil {
		s.logger.Error("bucket override failed", zap.String("sku", sku), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "override failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ListenAndServe runs the server with sane timeouts until ctx is
// cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
