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

// Package pipeline connects a record source to a sink through a filter and
// a bounded queue drained by concurrent consumers.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/filter"
	"github.com/googlegenomics/alignstore/internal/stream"
	"golang.org/x/sync/errgroup"
)

const defaultQueueSize = 1024

// Options configure Run.
type Options struct {
	// Consumers is the number of goroutines writing records to the sink.
	Consumers int
	// QueueSize bounds the number of records held between the producer and
	// the consumers.
	QueueSize int
	// Window, when positive, restores coordinate order before the sink
	// using a look-ahead of this many distinct positions.
	Window int
}

// Stats summarises a call to Run.
type Stats struct {
	Filter  filter.Counts
	Written uint64
	Dropped int

	// Invalid counts records skipped by a bam.SkipInvalid in the source
	// chain before reaching the filter.
	Invalid int64
	// DoubleFetched counts records read more than once by a region query
	// in the source chain.
	DoubleFetched int
}

func (s *Stats) String() string {
	return fmt.Sprintf("%s written=%d dropped=%d invalid=%d double-fetched=%d", s.Filter, s.Written, s.Dropped, s.Invalid, s.DoubleFetched)
}

type (
	invalidCounter interface{ Invalid() int64 }
	refetchCounter interface{ DoubleFetched() int }
	wrappedSource  interface{ Unwrap() bam.Source }
)

// addSourceCounts adds the counters of src and every source it wraps.
func (s *Stats) addSourceCounts(src bam.Source) {
	for src != nil {
		if c, ok := src.(invalidCounter); ok {
			s.Invalid += c.Invalid()
		}
		if c, ok := src.(refetchCounter); ok {
			s.DoubleFetched += c.DoubleFetched()
		}
		w, ok := src.(wrappedSource)
		if !ok {
			return
		}
		src = w.Unwrap()
	}
}

// Run reads every record from src, passes those accepted by fp through a
// queue to the consumers and writes them to sink, which is closed before
// Run returns.  The first error stops every goroutine.
func Run(ctx context.Context, run *diag.Run, src bam.Source, fp *filter.Pipeline, opts Options, sink stream.Sink[*bam.Record]) (*Stats, error) {
	if opts.Consumers < 1 {
		opts.Consumers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = defaultQueueSize
	}

	counter := &countingSink{sink: sink}
	var (
		target  stream.Sink[*bam.Record] = counter
		reorder *stream.Reorderer[*bam.Record]
	)
	if opts.Window > 0 {
		reorder = stream.NewReorderer[*bam.Record](counter, stream.RecordKey, opts.Window, run)
		target = reorder
	}
	out := &lockedSink{sink: target}

	queue := stream.NewQueue[*bam.Record](opts.QueueSize)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer queue.SetHasMore(false)
		return produce(ctx, src, fp, queue)
	})
	for i := 0; i < opts.Consumers; i++ {
		g.Go(func() error {
			return consume(ctx, queue, out)
		})
	}

	err := g.Wait()
	queue.Close()
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	stats := &Stats{Filter: fp.Counts(), Written: counter.n}
	if reorder != nil {
		stats.Dropped = reorder.Dropped()
	}
	stats.addSourceCounts(src)
	run.Logger.Debug().Stringer("stats", stats).Int("consumers", opts.Consumers).Msg("pipeline finished")
	return stats, err
}

func produce(ctx context.Context, src bam.Source, fp *filter.Pipeline, queue *stream.Queue[*bam.Record]) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", stream.ErrAborted, err)
		}
		rec, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		ok, err := fp.Accept(rec)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := queue.Push(ctx, rec.Clone(), true); err != nil {
			return err
		}
	}
}

func consume(ctx context.Context, queue *stream.Queue[*bam.Record], sink stream.Sink[*bam.Record]) error {
	for {
		rec, ok, err := queue.Poll(ctx)
		if err != nil || !ok {
			return err
		}
		if err := sink.Write(rec); err != nil {
			return err
		}
	}
}

// lockedSink serialises the writes of several consumers.
type lockedSink struct {
	mu   sync.Mutex
	sink stream.Sink[*bam.Record]
}

func (s *lockedSink) Write(rec *bam.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Write(rec)
}

func (s *lockedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Close()
}

type countingSink struct {
	sink stream.Sink[*bam.Record]
	n    uint64
}

func (s *countingSink) Write(rec *bam.Record) error {
	if err := s.sink.Write(rec); err != nil {
		return err
	}
	s.n++
	return nil
}

func (s *countingSink) Close() error {
	return s.sink.Close()
}

// Collect is a Sink that keeps every record it is given.
type Collect struct {
	Records []*bam.Record
}

// Write appends rec.
func (c *Collect) Write(rec *bam.Record) error {
	c.Records = append(c.Records, rec)
	return nil
}

// Close does nothing.
func (c *Collect) Close() error { return nil }

// Discard is a Sink that drops every record.
type Discard struct{}

// Write does nothing.
func (Discard) Write(*bam.Record) error { return nil }

// Close does nothing.
func (Discard) Close() error { return nil }
