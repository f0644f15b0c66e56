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

// Package pipeline runs one purchase attempt through its stages: risk,
// admission, sale window, inventory decrement, handoff publish. Each stage
// can terminate the request with its own status; only a request that
// clears all of them is CONFIRMED.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashsale/internal/activity"
	"flashsale/internal/admission"
	"flashsale/internal/handoff"
	"flashsale/internal/inventory"
	"flashsale/internal/risk"
	"flashsale/internal/storage"
	"flashsale/internal/telemetry"
)

// Status is the machine-readable outcome tag in the response body.
type Status string

const (
	StatusConfirmed       Status = "CONFIRMED"
	StatusQueued          Status = "QUEUED"
	StatusBlocked         Status = "BLOCKED"
	StatusSoldOut         Status = "SOLD_OUT"
	StatusLimitExceeded   Status = "LIMIT_EXCEEDED"
	StatusCaptchaRequired Status = "CAPTCHA_REQUIRED"
	StatusSystemBusy      Status = "SYSTEM_BUSY"
)

// httpFor maps each status to its HTTP code. 423 for the captcha hold
// reads oddly but keeps retry middlewares from hammering the challenge.
func httpFor(s Status) int {
	switch s {
	case StatusConfirmed:
		return http.StatusOK
	case StatusQueued:
		return http.StatusAccepted
	case StatusBlocked:
		return http.StatusForbidden
	case StatusSoldOut:
		return http.StatusGone
	case StatusLimitExceeded:
		return http.StatusUnprocessableEntity
	case StatusCaptchaRequired:
		return http.StatusLocked
	default:
		return http.StatusServiceUnavailable
	}
}

// Request is one purchase attempt.
type Request struct {
	UserID       string
	SKU          string
	Quantity     int64
	DeviceID     string
	SourceIP     string
	Channel      string
	CaptchaToken string
	TraceID      string
}

// Result is the pipeline outcome, ready for the HTTP layer to serialize.
type Result struct {
	Status      Status  `json:"status"`
	HTTPStatus  int     `json:"-"`
	Reason      string  `json:"reason,omitempty"`
	OrderID     string  `json:"order_id,omitempty"`
	Remaining   int64   `json:"remaining,omitempty"`
	QueueToken  string  `json:"queue_token,omitempty"`
	ETASeconds  float64 `json:"eta_seconds,omitempty"`
	ChallengeID string  `json:"challenge_id,omitempty"`
}

// RiskAssessor decides whether the caller looks human and stores the
// challenge a held-back caller must answer.
type RiskAssessor interface {
	Assess(ctx context.Context, in risk.Input) risk.Verdict
	IssueChallenge(ctx context.Context, userID, handle string) error
}

// Admitter is the per-SKU token bucket.
type Admitter interface {
	Acquire(ctx context.Context, sku string) (admission.Decision, error)
}

// WindowChecker validates the sale window and supplies the buy limit.
type WindowChecker interface {
	CheckWindow(ctx context.Context, sku string) (storage.Activity, error)
}

// Decrementer is the atomic inventory engine.
type Decrementer interface {
	Decrement(ctx context.Context, sku, user string, quantity, limit int64) (inventory.DecrementResult, error)
}

// Publisher appends the handoff; it compensates internally on failure.
type Publisher interface {
	Publish(ctx context.Context, h handoff.Handoff) error
}

// Pipeline wires the stages together.
type Pipeline struct {
	risk   RiskAssessor
	admit  Admitter
	window WindowChecker
	inv    Decrementer
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

func New(r RiskAssessor, a Admitter, w WindowChecker, inv Decrementer, pub Publisher, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{risk: r, admit: a, window: w, inv: inv, pub: pub, logger: logger, now: time.Now}
}

// Purchase runs one attempt end to end. It always returns a Result; errors
// are folded into SYSTEM_BUSY so the HTTP layer has a single shape to send.
func (p *Pipeline) Purchase(ctx context.Context, req Request) Result {
	res := p.purchase(ctx, req)
	telemetry.RequestsTotal.WithLabelValues(strconv.Itoa(res.HTTPStatus)).Inc()
	return res
}

func (p *Pipeline) purchase(ctx context.Context, req Request) Result {
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	verdict := p.risk.Assess(ctx, risk.Input{
		UserID:       req.UserID,
		DeviceID:     req.DeviceID,
		SourceIP:     req.SourceIP,
		Quantity:     req.Quantity,
		CaptchaToken: req.CaptchaToken,
		Channel:      req.Channel,
	})
	switch verdict.Action {
	case risk.ActionBlock:
		return status(StatusBlocked, verdict.Reason)
	case risk.ActionCaptcha:
		// The 423 is only answerable if a challenge is actually stored for
		// the user, so issue one and hand its id back for the retry.
		handle := uuid.NewString()
		if err := p.risk.IssueChallenge(ctx, req.UserID, handle); err != nil {
			p.logger.Error("challenge issue failed", zap.String("user", req.UserID), zap.Error(err))
			return status(StatusSystemBusy, "challenge_unavailable")
		}
		r := status(StatusCaptchaRequired, verdict.Reason)
		r.ChallengeID = handle
		return r
	}

	dec, err := p.admit.Acquire(ctx, req.SKU)
	if err != nil {
		p.logger.Error("admission unavailable", zap.String("sku", req.SKU), zap.Error(err))
		return status(StatusSystemBusy, "admission_unavailable")
	}
	if !dec.Acquired {
		r := status(StatusQueued, "")
		r.QueueToken = dec.QueueToken
		r.ETASeconds = dec.ETASeconds
		return r
	}

	act, err := p.window.CheckWindow(ctx, req.SKU)
	if errors.Is(err, activity.ErrOutOfWindow) {
		return status(StatusBlocked, "out_of_window")
	}
	if err != nil {
		p.logger.Error("window check failed", zap.String("sku", req.SKU), zap.Error(err))
		return status(StatusSystemBusy, "activity_unavailable")
	}

	dr, err := p.inv.Decrement(ctx, req.SKU, req.UserID, req.Quantity, act.BuyLimit)
	switch {
	case errors.Is(err, inventory.ErrSoldOut):
		return status(StatusSoldOut, "")
	case errors.Is(err, inventory.ErrLimitExceeded):
		return status(StatusLimitExceeded, "")
	case err != nil:
		p.logger.Error("decrement failed", zap.String("sku", req.SKU), zap.Error(err))
		return status(StatusSystemBusy, "inventory_unavailable")
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	h := handoff.Handoff{
		OrderID:    dr.OrderID,
		UserID:     req.UserID,
		SKU:        req.SKU,
		Quantity:   req.Quantity,
		ClientTsMs: p.now().UnixMilli(),
		Channel:    req.Channel,
		TraceID:    traceID,
	}
	if err := p.pub.Publish(ctx, h); err != nil {
		// The publisher already rolled the decrement back.
		p.logger.Error("handoff publish failed",
			zap.String("order", dr.OrderID), zap.Error(err))
		return status(StatusSystemBusy, "handoff_unavailable")
	}

	r := status(StatusConfirmed, "")
	r.OrderID = dr.OrderID
	r.Remaining = dr.Remaining
	return r
}

func status(s Status, reason string) Result {
	return Result{Status: s, HTTPStatus: httpFor(s), Reason: reason}
}
