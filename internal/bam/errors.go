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

import (
	"errors"
	"fmt"

	"github.com/googlegenomics/alignstore/bgzf"
)

var (
	// ErrTruncated is returned when a record ends before its declared length.
	ErrTruncated = errors.New("truncated record")

	// ErrLengthMismatch is returned when the declared field lengths of a
	// record do not fit inside its total length.
	ErrLengthMismatch = errors.New("declared field lengths exceed record length")

	// ErrAttributeType is returned for an attribute with an unknown type.
	ErrAttributeType = errors.New("invalid attribute type")

	// ErrUnterminatedString is returned for a Z or H attribute that runs
	// past the end of the record.
	ErrUnterminatedString = errors.New("unterminated string attribute")

	// ErrInvalidCigar is returned by Record.ValidateCigar.
	ErrInvalidCigar = errors.New("invalid CIGAR")
)

// FormatError describes malformed BAM data together with enough context to
// locate it.
type FormatError struct {
	Path   string
	Record int64
	Offset bgzf.Address
	Err    error
}

func (e *FormatError) Error() string {
	path := e.Path
	if path == "" {
		path = "<stream>"
	}
	return fmt.Sprintf("%s: record %d at offset %s: %v", path, e.Record, e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
