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

// Package genomics contains definitions related to Genomic data.
package genomics

import "fmt"

// MaximumCoordinate is one past the largest position that can be indexed.
const MaximumCoordinate = 1 << 29

// AllMappedReads defines a Region that matches all mapped reads.
var AllMappedReads = Region{ReferenceID: -1}

// Region defines a region of genomic interest.
type Region struct {
	// ReferenceID specifies the reference to match.  If it is negative, any
	// reference matches the region.
	ReferenceID int32
	// Start and End specify the open range (in base pairs) relative to the
	// reference.  If End is zero, it is treated as though it was set to the last
	// possible read position.
	Start, End uint32
}

// Limit returns the effective end of the region.
func (region Region) Limit() uint32 {
	if region.End == 0 {
		return MaximumCoordinate
	}
	return region.End
}

// Overlaps reports whether [start, end) on reference overlaps the region.
func (region Region) Overlaps(reference int32, start, end uint32) bool {
	if region.ReferenceID >= 0 && reference != region.ReferenceID {
		return false
	}
	return start < region.Limit() && end > region.Start
}

func (region Region) String() string {
	return fmt.Sprintf("[region:%d, start:%d, end:%d]", region.ReferenceID, region.Start, region.End)
}
