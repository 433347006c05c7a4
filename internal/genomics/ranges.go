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

package genomics

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/googlegenomics/alignstore/internal/diag"
)

// Interval is a half open range of positions on one reference.
type Interval struct {
	Start, End uint32
}

// Ranges holds, for each reference, a sorted list of non-overlapping
// intervals.  A Ranges built by Unrestricted matches everything and carries
// no intervals.
type Ranges struct {
	dict       *Dictionary
	all        bool
	references map[int32][]Interval
}

// Unrestricted returns a Ranges that places no restriction on the data.
func Unrestricted(dict *Dictionary) *Ranges {
	return &Ranges{dict: dict, all: true, references: make(map[int32][]Interval)}
}

// NewRanges returns an empty Ranges over dict.
func NewRanges(dict *Dictionary) *Ranges {
	return &Ranges{dict: dict, references: make(map[int32][]Interval)}
}

// FullRanges returns Ranges covering every sequence of non-zero length in
// dict from start to end.
func FullRanges(dict *Dictionary) *Ranges {
	ranges := NewRanges(dict)
	for i, s := range dict.Sequences() {
		if s.Length > 0 {
			ranges.Add(Region{ReferenceID: int32(i), Start: 0, End: s.Length})
		}
	}
	return ranges
}

// ParseRanges resolves each restriction string against dict.  Ends beyond
// the sequence length are clamped with a warning logged to run.
func ParseRanges(dict *Dictionary, restrictions []string, run *diag.Run) (*Ranges, error) {
	ranges := NewRanges(dict)
	for _, input := range restrictions {
		r, err := ParseRestriction(input)
		if err != nil {
			return nil, err
		}
		if err := ranges.addRestriction(r, run); err != nil {
			return nil, err
		}
	}
	return ranges, nil
}

// ReadRegions reads tab or space separated "name start end" lines (0-based,
// half open) from r.  Blank lines and lines starting with '#', "track" or
// "browser" are ignored, as are any columns after the third.
func ReadRegions(r io.Reader, dict *Dictionary, run *diag.Run) (*Ranges, error) {
	ranges := NewRanges(dict)
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "track") || strings.HasPrefix(text, "browser") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 columns, found %d", line, len(fields))
		}
		start, err := strconv.ParseUint(fields[1], 10, 31)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing start: %v", line, err)
		}
		end, err := strconv.ParseUint(fields[2], 10, 31)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing end: %v", line, err)
		}
		if end <= start {
			return nil, fmt.Errorf("line %d: %w: end %d is not after start %d", line, ErrMalformedRestriction, end, start)
		}
		restriction := Restriction{Sequence: fields[0], Start: int64(start), End: int64(end)}
		if err := ranges.addRestriction(restriction, run); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading regions: %v", err)
	}
	return ranges, nil
}

func (r *Ranges) addRestriction(restriction Restriction, run *diag.Run) error {
	region, clamped, err := restriction.Resolve(r.dict)
	if err != nil {
		return err
	}
	if clamped {
		run.WarnOnce("clamped:"+restriction.Sequence).
			Str("restriction", restriction.String()).
			Uint32("length", region.End).
			Msg("region end is beyond the sequence length, clamping")
	}
	r.Add(region)
	return nil
}

// Add adds region, merging it with any intervals it overlaps or touches.
// Regions with a negative reference ID or that are empty are ignored.
func (r *Ranges) Add(region Region) {
	if region.ReferenceID < 0 {
		return
	}
	end := region.Limit()
	if end <= region.Start {
		return
	}
	intervals := append(r.references[region.ReferenceID], Interval{region.Start, end})
	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].Start < intervals[j].Start
	})
	merged := intervals[:1]
	for _, next := range intervals[1:] {
		last := &merged[len(merged)-1]
		if next.Start <= last.End {
			if next.End > last.End {
				last.End = next.End
			}
			continue
		}
		merged = append(merged, next)
	}
	r.references[region.ReferenceID] = merged
}

// All reports whether the ranges place no restriction on the data.
func (r *Ranges) All() bool {
	return r.all
}

// Dictionary returns the dictionary the ranges were resolved against.
func (r *Ranges) Dictionary() *Dictionary {
	return r.dict
}

// References returns the IDs of references with at least one interval, in
// increasing order.
func (r *Ranges) References() []int32 {
	ids := make([]int32, 0, len(r.references))
	for id := range r.references {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Intervals returns the intervals for reference id.
func (r *Ranges) Intervals(id int32) []Interval {
	return r.references[id]
}

// Regions returns every interval as a Region, ordered by reference ID and
// then start.
func (r *Ranges) Regions() []Region {
	var regions []Region
	for _, id := range r.References() {
		for _, iv := range r.references[id] {
			regions = append(regions, Region{ReferenceID: id, Start: iv.Start, End: iv.End})
		}
	}
	return regions
}

// Overlaps reports whether [start, end) on reference overlaps any interval.
// Unrestricted ranges overlap everything.
func (r *Ranges) Overlaps(reference int32, start, end uint32) bool {
	if r.all {
		return true
	}
	intervals := r.references[reference]
	i := sort.Search(len(intervals), func(i int) bool { return intervals[i].End > start })
	return i < len(intervals) && intervals[i].Start < end
}

func (r *Ranges) String() string {
	if r.all {
		return "[all]"
	}
	var parts []string
	for _, region := range r.Regions() {
		name := strconv.Itoa(int(region.ReferenceID))
		if r.dict != nil && int(region.ReferenceID) < r.dict.Len() {
			name = r.dict.Sequence(region.ReferenceID).Name
		}
		parts = append(parts, fmt.Sprintf("%s:%d-%d", name, region.Start+1, region.End))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
