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

package filter

import "github.com/googlegenomics/alignstore/internal/bam"

const hashMask = 1<<63 - 1

// duplicateDetector keeps the first secondary alignment of each read arm.
// Reads are identified by a 63 bit hash of their name, so two different
// names that collide are treated as the same read.
type duplicateDetector struct {
	seen map[uint64]struct{}
}

func newDuplicateDetector() *duplicateDetector {
	return &duplicateDetector{seen: make(map[uint64]struct{})}
}

func (d *duplicateDetector) accept(rec *bam.Record) bool {
	flags := rec.Flags()
	if flags&bam.Secondary == 0 {
		return true
	}
	key := nameHash(rec.NameBytes()) << 1
	if flags&bam.Paired == 0 || flags&bam.Read1 != 0 {
		key |= 1
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// nameHash is a polynomial rolling hash reduced to 63 bits.
func nameHash(name []byte) uint64 {
	var h uint64
	for _, c := range name {
		h = (h*31 + uint64(c)) & hashMask
	}
	return h
}
