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

// Package risk classifies purchase requests into PASS, CAPTCHA or BLOCK
// before they reach admission control. Scoring state lives in the shared
// store; a circuit breaker around the store implements the fail-open rule:
// when the store is unavailable the assessor passes everyone and logs a
// warning, because the inventory engine remains the authoritative oversell
// guard and fail-closed would turn a store blip into a full outage.
package risk

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"flashsale/internal/telemetry"
)

// Level is the assessed risk band.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Action is what the pipeline should do with the request.
type Action string

const (
	ActionPass    Action = "PASS"
	ActionCaptcha Action = "CAPTCHA"
	ActionBlock   Action = "BLOCK"
)

// Verdict is the assessor output. Reason is a short machine tag suitable for
// the 403 response body.
type Verdict struct {
	Level  Level
	Action Action
	Reason string
	Score  float64
}

// Input is the subset of the purchase request the assessor looks at.
type Input struct {
	UserID       string
	DeviceID     string
	SourceIP     string
	ActivityID   string
	Quantity     int64
	CaptchaToken string
	Channel      string
}

// Thresholds map a combined score to a level: < TLow is LOW, [TLow, THigh)
// is MEDIUM, >= THigh is HIGH.
type Thresholds struct {
	TLow  float64
	THigh float64
}

// freqWindowScript is a sliding-ish frequency counter: INCR with a window
// TTL set on first increment.
//
// KEYS[1] freq:<device>
// ARGV[1] window in milliseconds
const freqWindowScript = `
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`

func freqKey(device string) string    { return "freq:" + device }
func profileKey(device string) string { return "risk:" + device }
func captchaKey(user string) string   { return "captcha:" + user }

const badDeviceSetKey = "risk:bad:devices"

const (
	profileTTL = 24 * time.Hour
	captchaTTL = 5 * time.Minute
	freqWindow = 10 * time.Second
	// freqPoints converts the windowed request count into a sub-score;
	// 7 requests inside the window already max out at 100.
	freqPoints = 15.0
	// scoreHalfLife controls decay of the stored score by idle time.
	scoreHalfLife = 12 * time.Hour

	storedWeight = 0.5
	freqWeight   = 0.5
)

// Assessor maps a request to a Verdict.
type Assessor struct {
	rdb     redis.Cmdable
	breaker *gobreaker.CircuitBreaker
	th      Thresholds
	denyIPs map[string]struct{}
	logger  *zap.Logger
	now     func() time.Time
}

// NewAssessor builds an assessor. denyIPs is the static deny list from
// configuration; the device deny list lives in the shared store so it can be
// appended to during an incident.
func NewAssessor(rdb redis.Cmdable, th Thresholds, denyIPs []string, logger *zap.Logger) *Assessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	deny := make(map[string]struct{}, len(denyIPs))
	for _, ip := range denyIPs {
		deny[ip] = struct{}{}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "risk-store",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &Assessor{
		rdb:     rdb,
		breaker: cb,
		th:      th,
		denyIPs: deny,
		logger:  logger,
		now:     time.Now,
	}
}

// Assess never fails: any store trouble degrades to PASS.
func (a *Assessor) Assess(ctx context.Context, in Input) Verdict {
	// Rule overrides come first and need no store round trip for the
	// malformed-device and static-ip cases.
	if in.DeviceID == "" {
		telemetry.RiskTotal.WithLabelValues("block").Inc()
		return Verdict{Level: LevelHigh, Action: ActionBlock, Reason: "missing_device", Score: 100}
	}
	if _, bad := a.denyIPs[in.SourceIP]; bad {
		telemetry.RiskTotal.WithLabelValues("block").Inc()
		return Verdict{Level: LevelHigh, Action: ActionBlock, Reason: "ip_denied", Score: 100}
	}

	res, err := a.breaker.Execute(func() (interface{}, error) {
		return a.assessStored(ctx, in)
	})
	if err != nil {
		a.logger.Warn("risk store unavailable, failing open",
			zap.String("device", in.DeviceID), zap.Error(err))
		telemetry.RiskTotal.WithLabelValues("fail_open").Inc()
		return Verdict{Level: LevelLow, Action: ActionPass, Reason: "fail_open"}
	}
	v := res.(Verdict)
	switch v.Action {
	case ActionPass:
		telemetry.RiskTotal.WithLabelValues("pass").Inc()
	case ActionCaptcha:
		telemetry.RiskTotal.WithLabelValues("captcha").Inc()
	default:
		telemetry.RiskTotal.WithLabelValues("block").Inc()
	}
	return v
}

func (a *Assessor) assessStored(ctx context.Context, in Input) (Verdict, error) {
	now := a.now()

	bad, err := a.rdb.SIsMember(ctx, badDeviceSetKey, in.DeviceID).Result()
	if err != nil {
		return Verdict{}, err
	}
	if bad {
		return Verdict{Level: LevelHigh, Action: ActionBlock, Reason: "device_denied", Score: 100}, nil
	}

	count, err := a.rdb.Eval(ctx, freqWindowScript, []string{freqKey(in.DeviceID)},
		freqWindow.Milliseconds()).Int64()
	if err != nil {
		return Verdict{}, err
	}
	freqScore := math.Min(100, float64(count)*freqPoints)

	prof, err := a.rdb.HGetAll(ctx, profileKey(in.DeviceID)).Result()
	if err != nil {
		return Verdict{}, err
	}
	stored := 0.0
	if s, ok := prof["score"]; ok {
		stored, _ = strconv.ParseFloat(s, 64)
		if ms, ok := prof["last_seen_ms"]; ok {
			lastMs, _ := strconv.ParseInt(ms, 10, 64)
			age := now.Sub(time.UnixMilli(lastMs))
			if age > 0 {
				stored *= math.Pow(0.5, age.Hours()/scoreHalfLife.Hours())
			}
		}
	}

	score := storedWeight*stored + freqWeight*freqScore

	v := Verdict{Score: score}
	switch {
	case score < a.th.TLow:
		v.Level, v.Action, v.Reason = LevelLow, ActionPass, "low_score"
	case score < a.th.THigh:
		v.Level, v.Action, v.Reason = LevelMedium, ActionCaptcha, "medium_score"
	default:
		v.Level, v.Action, v.Reason = LevelHigh, ActionBlock, "high_score"
	}

	// A MEDIUM requester holding a valid captcha answer is downgraded. The
	// stored challenge is consumed on any attempt, matching the upstream
	// behavior even though a failed echo burns the challenge.
	if v.Action == ActionCaptcha && in.CaptchaToken != "" {
		storedCode, err := a.rdb.GetDel(ctx, captchaKey(in.UserID)).Result()
		if err != nil && err != redis.Nil {
			return Verdict{}, err
		}
		if err == nil && storedCode != "" && storedCode == in.CaptchaToken {
			v.Level, v.Action, v.Reason = LevelLow, ActionPass, "captcha_verified"
		}
	}

	// Persist the refreshed profile with the 24h TTL.
	pk := profileKey(in.DeviceID)
	if err := a.rdb.HSet(ctx, pk,
		"score", strconv.FormatFloat(score, 'f', 3, 64),
		"last_seen_ms", strconv.FormatInt(now.UnixMilli(), 10),
		"request_count", strconv.FormatInt(count, 10)).Err(); err != nil {
		return Verdict{}, err
	}
	if err := a.rdb.Expire(ctx, pk, profileTTL).Err(); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// IssueChallenge stores a fresh challenge for the user with the 5 minute TTL
// and returns the handle the client must echo back. Challenge rendering and
// delivery belong to the identity service; this only owns the stored state.
func (a *Assessor) IssueChallenge(ctx context.Context, userID, handle string) error {
	return a.rdb.Set(ctx, captchaKey(userID), handle, captchaTTL).Err()
}
