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

	"github.com/googlegenomics/alignstore/bgzf"
)

// Part is the index of one data file in a concatenation.  The first Skip
// bytes of the file, normally its header, are left out of the concatenation
// and the Size bytes that follow them are copied.
type Part struct {
	Index *Index
	Skip  uint64
	Size  uint64
}

// relocation maps offsets of a part to offsets in the concatenation.
type relocation struct {
	skip, bias uint64
}

func (r relocation) move(a bgzf.Address) (bgzf.Address, error) {
	if a.BlockOffset() < r.skip {
		return 0, fmt.Errorf("offset %s lies inside the %d skipped bytes", a, r.skip)
	}
	return a - bgzf.Address(r.skip<<16) + bgzf.Address(r.bias<<16), nil
}

// Merge combines the indexes of data files that are concatenated in order.
// Every offset of a part is moved past the data of the parts before it.  It
// fails if an offset points into the skipped bytes of its part.  The inputs
// are not modified.
func Merge(parts []Part) (*Index, error) {
	merged := &Index{}
	// filled[j][w] records that window w of reference j holds an offset,
	// which may be zero after relocation.
	var filled [][]bool
	var bias uint64
	for i, part := range parts {
		for len(merged.References) < len(part.Index.References) {
			merged.References = append(merged.References, newReference())
			filled = append(filled, nil)
		}
		r := relocation{skip: part.Skip, bias: bias}
		for j, ref := range part.Index.References {
			if err := merged.References[j].add(ref, r, &filled[j]); err != nil {
				return nil, fmt.Errorf("part %d, reference %d: %w", i, j, err)
			}
		}
		merged.NoCoordinate += part.Index.NoCoordinate
		bias += part.Size
	}
	for _, ref := range merged.References {
		ref.coalesce()
	}
	return merged, nil
}

// add appends the data of other to ref, relocated by r.  A zero linear
// offset marks an empty window of other; it is tested before relocation
// because a relocated offset may be zero.  The first part to fill a window
// wins.
func (ref *Reference) add(other *Reference, r relocation, filled *[]bool) error {
	for id, chunks := range other.Bins {
		for _, c := range chunks {
			start, err := r.move(c.Start)
			if err != nil {
				return err
			}
			end, err := r.move(c.End)
			if err != nil {
				return err
			}
			ref.Bins[id] = append(ref.Bins[id], bgzf.Chunk{Start: start, End: end})
		}
	}

	for w, offset := range other.Linear {
		if offset == 0 {
			continue
		}
		moved, err := r.move(offset)
		if err != nil {
			return err
		}
		for len(ref.Linear) <= w {
			ref.Linear = append(ref.Linear, 0)
			*filled = append(*filled, false)
		}
		if !(*filled)[w] {
			ref.Linear[w], (*filled)[w] = moved, true
		}
	}

	if s := other.Stats; s != nil {
		start, err := r.move(s.Start)
		if err != nil {
			return err
		}
		end, err := r.move(s.End)
		if err != nil {
			return err
		}
		if ref.Stats == nil {
			ref.Stats = &Stats{Start: start}
		}
		ref.Stats.End = end
		ref.Stats.Mapped += s.Mapped
		ref.Stats.Unmapped += s.Unmapped
	}
	return nil
}
