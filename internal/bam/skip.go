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

package bam

import "github.com/googlegenomics/alignstore/internal/diag"

// The number of skipped records that are reported individually.
const invalidWarnings = 5

// Source is a stream of records.
type Source interface {
	Next() (*Record, error)
}

// SkipInvalid passes records through from a Source, dropping records whose
// CIGAR is malformed.  Format errors from the source are returned unchanged.
type SkipInvalid struct {
	src            Source
	run            *diag.Run
	total, invalid int64
}

// NewSkipInvalid returns a SkipInvalid reading from src and warning through
// run.
func NewSkipInvalid(src Source, run *diag.Run) *SkipInvalid {
	return &SkipInvalid{src: src, run: run}
}

// Next returns the next valid record.
func (s *SkipInvalid) Next() (*Record, error) {
	for {
		rec, err := s.src.Next()
		if err != nil {
			return nil, err
		}
		s.total++
		if err := rec.ValidateCigar(); err != nil {
			s.invalid++
			s.run.Warn("invalid-record", invalidWarnings).
				Str("read", rec.Name()).
				Int64("record", rec.Ordinal()).
				Stringer("offset", rec.Offset()).
				Err(err).
				Msg("skipping invalid record")
			continue
		}
		return rec, nil
	}
}

// Total returns the number of records read from the source.
func (s *SkipInvalid) Total() int64 {
	return s.total
}

// Invalid returns the number of records that were skipped.
func (s *SkipInvalid) Invalid() int64 {
	return s.invalid
}

// Unwrap returns the source records are read from.
func (s *SkipInvalid) Unwrap() Source {
	return s.src
}
