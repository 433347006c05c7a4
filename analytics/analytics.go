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

// Package analytics collects per-request events from the API handlers and
// reports them to a structured log along with running totals.
package analytics

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Hit represents a single analytics event (called a 'hit').
type Hit map[string]string

// Event generates a new event typed hit.  The label may be empty and the
// value may be nil but category and action are required.
func Event(category, action, label string, value *int64) Hit {
	hit := Hit{
		"t":  "event",
		"ec": category,
		"ea": action,
	}
	if label != "" {
		hit["el"] = label
	}
	if value != nil {
		hit["ev"] = strconv.FormatInt(*value, 10)
	}
	return hit
}

// key identifies the counter of a hit.
func (hit Hit) key() string {
	return hit["ec"] + "/" + hit["ea"]
}

// Total is the number of hits seen for one category and action, and the sum
// of their values.
type Total struct {
	Category string `json:"category"`
	Action   string `json:"action"`
	Hits     int64  `json:"hits"`
	Sum      int64  `json:"sum"`
}

// Recorder logs the hits of each request and keeps totals across requests.
// It is safe for concurrent use.
type Recorder struct {
	logger zerolog.Logger

	mu     sync.Mutex
	totals map[string]*Total
}

// NewRecorder returns a Recorder that logs to logger.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{logger: logger, totals: make(map[string]*Total)}
}

// Track records the hits of one request.
func (r *Recorder) Track(hits []Hit) {
	if len(hits) == 0 {
		return
	}
	actions := zerolog.Arr()

	r.mu.Lock()
	for _, hit := range hits {
		total, ok := r.totals[hit.key()]
		if !ok {
			total = &Total{Category: hit["ec"], Action: hit["ea"]}
			r.totals[hit.key()] = total
		}
		total.Hits++
		if v, err := strconv.ParseInt(hit["ev"], 10, 64); err == nil {
			total.Sum += v
		}
		actions.Str(hit["ea"])
	}
	r.mu.Unlock()

	r.logger.Debug().Array("events", actions).Msg("request events")
}

// Totals returns the totals so far ordered by category and action.
func (r *Recorder) Totals() []Total {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals := make([]Total, 0, len(r.totals))
	for _, total := range r.totals {
		totals = append(totals, *total)
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Category != totals[j].Category {
			return totals[i].Category < totals[j].Category
		}
		return totals[i].Action < totals[j].Action
	})
	return totals
}

type contextKey int

var (
	hitsKey = contextKey(1)
)

// TrackingHandler returns a new http.Handler which wraps the provided
// handler.  The wrapper prepares the incoming request's context for use with
// the TrackerFromContext function.  When the underlying handler completes,
// the track function is invoked with any hits accumulated during the request.
func TrackingHandler(handler http.Handler, track func([]Hit)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var hits []Hit
		ctx := context.WithValue(req.Context(), hitsKey, &hits)
		handler.ServeHTTP(w, req.WithContext(ctx))
		track(hits)
	})
}

// TrackerFromContext is intended to be used with contexts that are generated
// by handlers returned from the TrackingHandler function.  It returns a
// function that buffers hits to be delivered to the track function provided
// in the original call to the TrackingHandler function.
func TrackerFromContext(ctx context.Context) func(Hit) {
	if hits, ok := ctx.Value(hitsKey).(*[]Hit); ok {
		return func(hit Hit) { *hits = append(*hits, hit) }
	}
	return func(Hit) {}
}
