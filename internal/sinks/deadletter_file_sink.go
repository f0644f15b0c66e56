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

// Package sinks holds local-disk fallbacks for data that must not be lost
// when its primary destination is unavailable.
package sinks

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"flashsale/internal/producer"
)

// DeadLetterFileSink is a buffered JSONL spill for dead letters whose
// publish to the dead-letter topic also failed. It is the end of the line:
// a row written here exists nowhere else but the audit ledger. Safe for
// concurrent use and optimized for append-only workloads.
type DeadLetterFileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// NewDeadLetterFileSink opens (or creates) the file at path in append mode
// with a buffered writer. Call Close() when done.
func NewDeadLetterFileSink(path string) (*DeadLetterFileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s := &DeadLetterFileSink{f: f, w: bufio.NewWriterSize(f, 1<<20 /*1MiB*/), path: path, lastFlush: time.Now()}
	return s, nil
}

// Append writes one dead letter as a JSON line.
func (s *DeadLetterFileSink) Append(dl producer.DeadLetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(&dl); err != nil {
		// best effort: on error, try to flush and retry once
		_ = s.w.Flush()
		_ = enc.Encode(&dl)
	}
	// Flush periodically to bound data loss on crash.
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

// Flush forces buffered data to be written to disk.
func (s *DeadLetterFileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *DeadLetterFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// Path returns the file path the sink writes to.
func (s *DeadLetterFileSink) Path() string { return s.path }
