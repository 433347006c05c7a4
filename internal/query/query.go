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

// Package query streams the records of a BAM file that overlap a set of
// regions, using index pointers to skip the data in between.
package query

import (
	"errors"
	"fmt"
	"io"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
)

// Double fetches are logged each time the count reaches a multiple of this.
const doubleFetchLogInterval = 100000

// Iterator returns the records overlapping the regions of a list of index
// pointers.  Each record is returned at most once even when the chunks of
// neighbouring regions overlap.
type Iterator struct {
	r        *bam.Reader
	run      *diag.Run
	pointers []index.Pointer
	next     int

	// The active region and the end of its pointer.
	region genomics.Region
	end    bgzf.Address

	// The start of the last pointer that was seeked to.
	seeked   bool
	position bgzf.Address

	// A record read past the end of the active region, to be considered
	// again for the next region.
	pushback *bam.Record

	// Records on the active reference starting at or before previousStart
	// have already been returned.
	previousStart int64

	delivered bool
	lastRef   int32
	lastStart int64

	doubleFetched int
	exhausted     bool
	closed        bool
}

// Open returns an Iterator over the records of r that overlap ranges.  The
// index x must describe the file read by r.  If the index holds no data for
// ranges, the iterator is empty.
func Open(r *bam.Reader, x *index.Index, ranges *genomics.Ranges, run *diag.Run) (*Iterator, error) {
	pointers, err := x.Lookup(ranges)
	if err != nil && !errors.Is(err, index.ErrNoData) {
		return nil, err
	}
	if err != nil {
		run.Logger.Debug().Str("path", r.Path).Stringer("ranges", ranges).Msg("no data for restriction")
	}
	return New(r, pointers, run)
}

// New returns an Iterator over the records of r inside pointers, which must
// be ordered as returned by index.Lookup.
func New(r *bam.Reader, pointers []index.Pointer, run *diag.Run) (*Iterator, error) {
	it := &Iterator{
		r:             r,
		run:           run,
		pointers:      pointers,
		region:        genomics.Region{ReferenceID: -1},
		previousStart: -1,
	}
	if err := it.advance(); err != nil {
		return nil, err
	}
	return it, nil
}

// Next returns the next record overlapping the regions, or io.EOF once all
// regions have been read.  The record is only valid until the following
// call to Next.
func (it *Iterator) Next() (*bam.Record, error) {
	for !it.exhausted {
		rec, err := it.read()
		if err == io.EOF {
			if err := it.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		ref := rec.RefID()
		if ref > it.region.ReferenceID || rec.Offset() >= it.end {
			it.pushback = rec
			if err := it.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if ref < it.region.ReferenceID {
			continue
		}

		start, end := rec.Extent()
		if int64(end) <= int64(it.region.Start) {
			continue
		}
		if int64(start) <= it.previousStart {
			it.doubleFetched++
			if it.doubleFetched%doubleFetchLogInterval == 0 {
				it.run.Logger.Debug().
					Str("path", it.r.Path).
					Int("count", it.doubleFetched).
					Int32("reference", ref).
					Int32("position", start).
					Int64("skippingTo", it.previousStart).
					Msg("many double-fetched records")
			}
			continue
		}
		if int64(start) >= int64(it.region.Limit()) {
			it.pushback = rec
			if err := it.advance(); err != nil {
				return nil, err
			}
			continue
		}

		it.delivered, it.lastRef, it.lastStart = true, ref, int64(start)
		return rec, nil
	}
	return nil, io.EOF
}

func (it *Iterator) read() (*bam.Record, error) {
	if rec := it.pushback; rec != nil {
		it.pushback = nil
		return rec, nil
	}
	return it.r.Next()
}

// advance activates the next pointer.  The reader is only repositioned when
// the pointer starts somewhere else than the previous one.
func (it *Iterator) advance() error {
	if it.delivered && it.lastRef == it.region.ReferenceID && it.lastStart > it.previousStart {
		it.previousStart = it.lastStart
	}
	if it.next == len(it.pointers) {
		it.exhausted, it.pushback = true, nil
		return it.release()
	}

	p := it.pointers[it.next]
	it.next++
	if !it.seeked || p.Start != it.position {
		it.pushback = nil
		if err := it.r.Seek(p.Start); err != nil {
			return fmt.Errorf("seeking to %s for region %s: %w", p.Start, p.Region, err)
		}
		it.seeked, it.position = true, p.Start
	}
	if p.Region.ReferenceID != it.region.ReferenceID {
		it.previousStart = -1
	}
	it.region, it.end = p.Region, p.End
	return nil
}

func (it *Iterator) release() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.r.Close()
}

// DoubleFetched returns the number of records that were read again because
// the chunks of two regions overlapped, and were skipped.
func (it *Iterator) DoubleFetched() int {
	return it.doubleFetched
}

// Close closes the underlying reader.  It is safe to call Close after Next
// has returned io.EOF.
func (it *Iterator) Close() error {
	it.exhausted, it.pushback = true, nil
	it.run.Logger.Debug().
		Str("path", it.r.Path).
		Int("count", it.doubleFetched).
		Msg("records double-fetched due to overlapping blocks")
	return it.release()
}
