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

package index

import (
	"fmt"
	"io"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/bam"
)

// Builder accumulates index data from records presented in file order.
type Builder struct {
	index *Index

	// The reference and position of the previous placed record.
	lastRef, lastPos int32
	unplaced         bool

	// The chunk being extended and the bin it belongs to.
	bin   uint32
	chunk bgzf.Chunk
	ref   *Reference
}

// NewBuilder returns a Builder for a file with the given number of
// references.
func NewBuilder(references int) *Builder {
	index := &Index{References: make([]*Reference, references)}
	for i := range index.References {
		index.References[i] = newReference()
	}
	return &Builder{index: index, lastRef: -1}
}

// Add adds rec to the index.  Records must be sorted by reference and then
// position, with records lacking a reference at the end.
func (b *Builder) Add(rec *bam.Record) error {
	refID, pos := rec.RefID(), rec.Pos()
	if refID < 0 || pos < 0 {
		b.unplaced = true
		b.index.NoCoordinate++
		return nil
	}
	if b.unplaced || refID < b.lastRef || (refID == b.lastRef && pos < b.lastPos) {
		return fmt.Errorf("%w: %s:%d follows %d:%d at offset %s", ErrUnsorted, rec.Name(), pos, b.lastRef, b.lastPos, rec.Offset())
	}
	if int(refID) >= len(b.index.References) {
		return fmt.Errorf("record %s refers to reference %d, header has %d", rec.Name(), refID, len(b.index.References))
	}

	if refID != b.lastRef {
		b.flush()
		b.ref = b.index.References[refID]
		b.ref.Stats = &Stats{Start: rec.Offset()}
	}
	b.lastRef, b.lastPos = refID, pos

	start, end := rec.Extent()
	bin := uint32(bam.Reg2Bin(int(start), int(end)))
	if b.chunk.End == rec.Offset() && bin == b.bin {
		b.chunk.End = rec.NextOffset()
	} else {
		b.flush()
		b.bin, b.chunk = bin, bgzf.Chunk{Start: rec.Offset(), End: rec.NextOffset()}
	}

	for w := int(start >> linearWindowShift); w <= int((end-1)>>linearWindowShift); w++ {
		for len(b.ref.Linear) <= w {
			b.ref.Linear = append(b.ref.Linear, 0)
		}
		if b.ref.Linear[w] == 0 || rec.Offset() < b.ref.Linear[w] {
			b.ref.Linear[w] = rec.Offset()
		}
	}

	b.ref.Stats.End = rec.NextOffset()
	if rec.Flags()&bam.Unmapped != 0 {
		b.ref.Stats.Unmapped++
	} else {
		b.ref.Stats.Mapped++
	}
	return nil
}

// flush appends the pending chunk to its bin.
func (b *Builder) flush() {
	if b.ref != nil && b.chunk.End != 0 {
		b.ref.Bins[b.bin] = append(b.ref.Bins[b.bin], b.chunk)
	}
	b.chunk = bgzf.Chunk{}
}

// Finish coalesces the accumulated chunks and returns the index.  Empty
// linear index windows take the offset of the next non-empty window.
func (b *Builder) Finish() *Index {
	b.flush()
	for _, ref := range b.index.References {
		ref.coalesce()
		for w := len(ref.Linear) - 2; w >= 0; w-- {
			if ref.Linear[w] == 0 {
				ref.Linear[w] = ref.Linear[w+1]
			}
		}
	}
	return b.index
}

// Build reads every remaining record from r and returns the index.
func Build(r *bam.Reader) (*Index, error) {
	b := NewBuilder(len(r.Header().References))
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return b.Finish(), nil
		}
		if err != nil {
			return nil, err
		}
		if err := b.Add(rec); err != nil {
			return nil, err
		}
	}
}
