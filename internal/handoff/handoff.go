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

// Package handoff defines the order hand-off record written to the durable
// log after a successful inventory decrement, and its wire codec. A handoff
// exists in the log if and only if inventory was decremented and not yet
// rolled back.
package handoff

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/vmihailenco/msgpack/v5"
)

// SchemaVersion is the current wire schema. The version travels as the first
// byte of every message so consumers can dispatch decoding per record.
const SchemaVersion byte = 1

// Handoff is the record handed from the purchase pipeline to persistence.
type Handoff struct {
	OrderID  string `msgpack:"order_id"`
	UserID   string `msgpack:"user_id"`
	SKU      string `msgpack:"sku"`
	Quantity int64  `msgpack:"qty"`
	// ClientTsMs is the client-observed timestamp in unix milliseconds.
	ClientTsMs int64  `msgpack:"client_ts_ms"`
	Channel    string `msgpack:"channel"`
	TraceID    string `msgpack:"trace_id"`
}

// ErrUnknownSchema is returned for messages with an unsupported version byte.
var ErrUnknownSchema = errors.New("handoff: unknown schema version")

// Encode serializes a handoff as [version byte | msgpack body].
func Encode(h Handoff) ([]byte, error) {
	body, err := msgpack.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("handoff encode: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, SchemaVersion)
	return append(out, body...), nil
}

// Decode parses a wire message produced by Encode.
func Decode(b []byte) (Handoff, error) {
	if len(b) < 2 {
		return Handoff{}, errors.New("handoff: short message")
	}
	if b[0] != SchemaVersion {
		return Handoff{}, fmt.Errorf("%w: %d", ErrUnknownSchema, b[0])
	}
	var h Handoff
	if err := msgpack.Unmarshal(b[1:], &h); err != nil {
		return Handoff{}, fmt.Errorf("handoff decode: %w", err)
	}
	if h.OrderID == "" || h.UserID == "" || h.SKU == "" || h.Quantity <= 0 {
		return Handoff{}, errors.New("handoff: missing required fields")
	}
	return h, nil
}

// Partition maps a user id onto one of n partitions. Keying by user gives
// per-user ordering and spreads load; FNV-1a keeps all producers and tests
// in agreement without extra dependencies.
func Partition(userID string, n int32) int32 {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int32(h.Sum32() % uint32(n))
}
