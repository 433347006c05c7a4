// Copyright 2019 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package diag carries the per-run logging state shared by the components of
// a single read, index or query operation.
package diag

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Run identifies one operation and tracks which warnings it has already
// emitted.  A Run is safe for concurrent use.
type Run struct {
	ID     string
	Logger zerolog.Logger

	mu       sync.Mutex
	warnings map[string]int
}

// NewRun returns a Run with a fresh ID whose logger annotates every message
// with that ID.
func NewRun(logger zerolog.Logger) *Run {
	id := uuid.New().String()
	return &Run{
		ID:       id,
		Logger:   logger.With().Str("run", id).Logger(),
		warnings: make(map[string]int),
	}
}

// Discard returns a Run that does not log anything.
func Discard() *Run {
	return NewRun(zerolog.Nop())
}

// NewLogger returns a console logger writing to w at the named level.  An
// unknown level falls back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(lvl).With().Timestamp().Logger()
}

// WarnOnce returns a warning event the first time it is called with key and
// nil afterwards.  Methods on a nil event do nothing, so the result can be
// used directly: run.WarnOnce("clamp").Msg("...").
func (r *Run) WarnOnce(key string) *zerolog.Event {
	return r.Warn(key, 1)
}

// Warn returns a warning event for the first limit calls with key and nil
// afterwards.
func (r *Run) Warn(key string, limit int) *zerolog.Event {
	r.mu.Lock()
	n := r.warnings[key]
	r.warnings[key] = n + 1
	r.mu.Unlock()
	if n >= limit {
		return nil
	}
	return r.Logger.Warn().Str("warning", key)
}

// Warnings returns the number of times a warning was requested for key,
// including those that were suppressed.
func (r *Run) Warnings(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warnings[key]
}
