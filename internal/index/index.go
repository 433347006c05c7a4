// Copyright 2018 Google Inc.
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

// Package index builds, reads, writes and queries BAI indexes.
package index

import (
	"errors"
	"sort"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/genomics"
)

const (
	baiMagic = "BAI\x01"

	// This ID is used as a virtual bin ID for per reference metadata.
	metadataID = 37450

	// Bins with IDs at or above this are at the finest level and are never
	// pruned with the linear index.
	firstLeafBin = 4681

	// The size of each tiling window from the linear index, as specified in the
	// SAM specification section 5.1.3.
	linearWindowShift = 14

	// The maximum read length as constrained by the size of the level zero bin
	// in the SAM specification, section 5.1.1.
	maximumReadLength = genomics.MaximumCoordinate
)

var (
	// ErrBadMagic is returned when index data does not start with the BAI
	// magic number.
	ErrBadMagic = errors.New("bad index magic")

	// ErrNoData is returned by Lookup when no chunk can hold records for the
	// requested ranges.
	ErrNoData = errors.New("no data for restriction")

	// ErrUnsorted is returned when building an index from records that are
	// not sorted by coordinate.
	ErrUnsorted = errors.New("records are not sorted by coordinate")

	// ErrReferenceCount is returned when an index does not describe the same
	// number of references as the sequence dictionary.
	ErrReferenceCount = errors.New("index reference count does not match the sequence dictionary")
)

// Stats holds the contents of the metadata pseudo-bin of a reference.
type Stats struct {
	// Start and End are the virtual addresses spanning the records of the
	// reference.
	Start, End       bgzf.Address
	Mapped, Unmapped uint64
}

// Reference holds the index data for a single reference sequence.
type Reference struct {
	Bins   map[uint32][]bgzf.Chunk
	Linear []bgzf.Address
	Stats  *Stats
}

func newReference() *Reference {
	return &Reference{Bins: make(map[uint32][]bgzf.Chunk)}
}

// Index is a BAI index.
type Index struct {
	References []*Reference
	// NoCoordinate counts records that have no reference and no position.
	NoCoordinate uint64
}

// coalesce sorts chunks and merges any that overlap, touch or share the
// compressed block holding the end of the previous chunk.
func coalesce(chunks []bgzf.Chunk) []bgzf.Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Start != chunks[j].Start {
			return chunks[i].Start < chunks[j].Start
		}
		return chunks[i].End < chunks[j].End
	})
	merged := chunks[:1]
	for _, next := range chunks[1:] {
		last := &merged[len(merged)-1]
		if next.Start <= last.End || next.Start.BlockOffset() == last.End.BlockOffset() {
			if next.End > last.End {
				last.End = next.End
			}
			continue
		}
		merged = append(merged, next)
	}
	return merged
}

// coalesce merges the chunks of every bin.
func (ref *Reference) coalesce() {
	for id, chunks := range ref.Bins {
		ref.Bins[id] = coalesce(chunks)
	}
}

// sortedBins returns the bin IDs of ref in increasing order.
func (ref *Reference) sortedBins() []uint32 {
	ids := make([]uint32, 0, len(ref.Bins))
	for id := range ref.Bins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// This function is derived from the C examples in the BAM index specification.
func binsForRange(start, end uint32) []uint16 {
	if end == 0 || end > maximumReadLength {
		end = maximumReadLength
	}
	if end <= start {
		return nil
	}
	if start > maximumReadLength {
		return nil
	}

	end--

	bins := []uint16{0}
	for k := uint16(1 + (start >> 26)); k <= uint16(1+(end>>26)); k++ {
		bins = append(bins, k)
	}
	for k := uint16(9 + (start >> 23)); k <= uint16(9+(end>>23)); k++ {
		bins = append(bins, k)
	}
	for k := uint16(73 + (start >> 20)); k <= uint16(73+(end>>20)); k++ {
		bins = append(bins, k)
	}
	for k := uint16(585 + (start >> 17)); k <= uint16(585+(end>>17)); k++ {
		bins = append(bins, k)
	}
	for k := uint16(4681 + (start >> 14)); k <= uint16(4681+(end>>14)); k++ {
		bins = append(bins, k)
	}
	return bins
}
