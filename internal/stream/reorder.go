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

package stream

import (
	"fmt"
	"sort"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/diag"
)

// Sink receives the items emitted by a stage.
type Sink[T any] interface {
	Write(item T) error
	Close() error
}

// Key is a coordinate sort key.  Items without a reference sort after every
// placed item.
type Key struct {
	Reference int32
	Position  int32
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.Reference != other.Reference {
		return uint32(k.Reference) < uint32(other.Reference)
	}
	return k.Position < other.Position
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Reference, k.Position)
}

// RecordKey returns the coordinate key of rec.
func RecordKey(rec *bam.Record) Key {
	return Key{Reference: rec.RefID(), Position: rec.Pos()}
}

// Reorderer restores the coordinate order of items that arrive slightly out
// of order.  Items are buffered until more than window distinct keys are
// held, and the items of the smallest key are then written to the sink.
// Items whose key sorts before one already written are dropped.  A
// Reorderer is not safe for concurrent use.
type Reorderer[T any] struct {
	sink   Sink[T]
	key    func(T) Key
	window int
	run    *diag.Run

	keys    []Key
	pending map[Key][]T

	flushed bool
	last    Key
	dropped int
}

// NewReorderer returns a Reorderer writing to sink that holds up to window
// distinct keys.
func NewReorderer[T any](sink Sink[T], key func(T) Key, window int, run *diag.Run) *Reorderer[T] {
	if window < 1 {
		window = 1
	}
	return &Reorderer[T]{
		sink:    sink,
		key:     key,
		window:  window,
		run:     run,
		pending: make(map[Key][]T),
	}
}

// Write adds item to the buffer, writing out the earliest key if the window
// is exceeded.
func (r *Reorderer[T]) Write(item T) error {
	k := r.key(item)
	if r.flushed && k.Less(r.last) {
		r.dropped++
		r.run.Warn("reorder-dropped", 5).
			Stringer("key", k).
			Stringer("flushed", r.last).
			Int("window", r.window).
			Msg("dropping item too far out of order")
		return nil
	}

	if _, ok := r.pending[k]; !ok {
		i := sort.Search(len(r.keys), func(i int) bool { return !r.keys[i].Less(k) })
		r.keys = append(r.keys, Key{})
		copy(r.keys[i+1:], r.keys[i:])
		r.keys[i] = k
	}
	r.pending[k] = append(r.pending[k], item)

	if len(r.keys) > r.window {
		return r.flush()
	}
	return nil
}

// flush writes out the items of the earliest key.
func (r *Reorderer[T]) flush() error {
	k := r.keys[0]
	r.keys = r.keys[1:]
	items := r.pending[k]
	delete(r.pending, k)
	r.flushed, r.last = true, k
	for _, item := range items {
		if err := r.sink.Write(item); err != nil {
			return err
		}
	}
	return nil
}

// Close writes out every buffered item in order and closes the sink.
func (r *Reorderer[T]) Close() error {
	for len(r.keys) > 0 {
		if err := r.flush(); err != nil {
			r.sink.Close()
			return err
		}
	}
	if r.dropped > 0 {
		r.run.Logger.Warn().Int("count", r.dropped).Msg("items dropped while reordering")
	}
	return r.sink.Close()
}

// Dropped returns the number of items that were discarded because they
// arrived after a later key had been written.
func (r *Reorderer[T]) Dropped() int {
	return r.dropped
}
