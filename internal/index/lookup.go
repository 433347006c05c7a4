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
	"sort"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/genomics"
)

// Pointer is the span of a file that may hold the records of one region.
type Pointer struct {
	bgzf.Chunk
	Region genomics.Region
}

// Lookup returns one pointer for each region of ranges that has candidate
// records, ordered by start offset.  Pointers with the same start are
// ordered by reference and then region start.  ErrNoData is returned when no
// region has any candidates.
func (x *Index) Lookup(ranges *genomics.Ranges) ([]Pointer, error) {
	var regions []genomics.Region
	if ranges.All() {
		for i := range x.References {
			regions = append(regions, genomics.Region{ReferenceID: int32(i), End: maximumReadLength})
		}
	} else {
		regions = ranges.Regions()
	}

	var pointers []Pointer
	for _, region := range regions {
		if region.ReferenceID < 0 || int(region.ReferenceID) >= len(x.References) {
			continue
		}
		if chunk, ok := x.References[region.ReferenceID].span(region); ok {
			pointers = append(pointers, Pointer{Chunk: chunk, Region: region})
		}
	}
	if len(pointers) == 0 {
		return nil, ErrNoData
	}

	sort.SliceStable(pointers, func(i, j int) bool {
		a, b := pointers[i], pointers[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Region.ReferenceID != b.Region.ReferenceID {
			return a.Region.ReferenceID < b.Region.ReferenceID
		}
		return a.Region.Start < b.Region.Start
	})
	return pointers, nil
}

// span returns the smallest chunk covering every candidate chunk for region.
func (ref *Reference) span(region genomics.Region) (bgzf.Chunk, bool) {
	var (
		result bgzf.Chunk
		found  bool
		window = int(region.Start >> linearWindowShift)
	)
	for _, id := range binsForRange(region.Start, region.End) {
		for _, chunk := range ref.Bins[uint32(id)] {
			if !ref.mayOverlap(uint32(id), window, chunk) {
				continue
			}
			if !found || chunk.Start < result.Start {
				result.Start = chunk.Start
			}
			if !found || chunk.End > result.End {
				result.End = chunk.End
			}
			found = true
		}
	}
	return result, found
}

// mayOverlap reports whether chunk from bin can hold records overlapping a
// region starting in the given linear index window.
func (ref *Reference) mayOverlap(bin uint32, window int, chunk bgzf.Chunk) bool {
	if bin >= firstLeafBin {
		return true
	}
	return window < len(ref.Linear) && ref.Linear[window] < chunk.End
}

// Chunks returns a set of BGZF chunks covering the header and all mapped
// reads that fall inside the specified region.  The first chunk is always the
// header of the indexed file.
func (x *Index) Chunks(region genomics.Region) []*bgzf.Chunk {
	bins := binsForRange(region.Start, region.End)

	header := &bgzf.Chunk{End: bgzf.LastAddress}
	chunks := []*bgzf.Chunk{header}
	for i, ref := range x.References {
		var firstReadOffset bgzf.Address
		if index := int(region.Start >> linearWindowShift); index < len(ref.Linear) {
			firstReadOffset = ref.Linear[index]
		}
		for _, id := range ref.sortedBins() {
			includeChunks := regionContainsBin(region, int32(i), id, bins)
			for _, chunk := range ref.Bins[id] {
				if header.End > chunk.Start {
					header.End = chunk.Start
				}
				if includeChunks && chunk.End >= firstReadOffset {
					chunk := chunk
					chunks = append(chunks, &chunk)
				}
			}
		}
	}
	return chunks
}

func regionContainsBin(region genomics.Region, referenceID int32, binID uint32, bins []uint16) bool {
	if region.ReferenceID >= 0 && referenceID != region.ReferenceID {
		return false
	}

	if region.Start == 0 && region.End == 0 {
		return true
	}

	for _, id := range bins {
		if uint32(id) == binID {
			return true
		}
	}
	return false
}
