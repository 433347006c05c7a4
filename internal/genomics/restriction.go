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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Missing marks an absent restriction coordinate.
const Missing = -1

var (
	// ErrMalformedRestriction is returned for restriction strings that
	// cannot be parsed.
	ErrMalformedRestriction = errors.New("malformed range in restriction")

	// ErrOutOfRange is returned when a restriction starts beyond the end of
	// its sequence.
	ErrOutOfRange = errors.New("restriction start out of range")

	// ErrUnknownSequence is returned when a restriction names a sequence
	// that is not in the dictionary.
	ErrUnknownSequence = errors.New("sequence not found in the sequence dictionary")
)

// Restriction is a parsed region string using 0-based, half open
// coordinates.  Start and End are Missing when not given.
type Restriction struct {
	Sequence   string
	Start, End int64
}

// ParseRestriction parses a region string of the form "name",
// "name:start", "name:start-end", "name:start+length" or "name:pos~padding".
// Positions are 1-based and inclusive, and may contain thousands separators.
func ParseRestriction(input string) (Restriction, error) {
	malformed := fmt.Errorf("%w: %q", ErrMalformedRestriction, input)
	if input == "" {
		return Restriction{}, malformed
	}
	colon := strings.LastIndexByte(input, ':')
	if colon < 0 {
		return Restriction{Sequence: input, Start: Missing, End: Missing}, nil
	}

	r := Restriction{Sequence: input[:colon], End: Missing}
	span := input[colon+1:]
	operator := strings.IndexAny(span, "-+~")
	if operator < 0 {
		first, err := parsePosition(span)
		if err != nil {
			return Restriction{}, malformed
		}
		r.Start = first - 1
	} else {
		first, err := parsePosition(span[:operator])
		if err != nil {
			return Restriction{}, malformed
		}
		second, err := parsePosition(span[operator+1:])
		if err != nil {
			return Restriction{}, malformed
		}
		switch span[operator] {
		case '+':
			r.Start, r.End = first-1, first-1+second
		case '~':
			r.Start, r.End = first-1-second, first-1+second
			if r.Start < 0 {
				r.Start = 0
			}
		default:
			r.Start, r.End = first-1, second
		}
	}
	if r.Start < 0 || (r.End != Missing && r.End < r.Start+1) {
		return Restriction{}, malformed
	}
	return r, nil
}

func parsePosition(s string) (int64, error) {
	s = strings.Replace(s, ",", "", -1)
	if s == "" {
		return 0, errors.New("empty position")
	}
	v, err := strconv.ParseUint(s, 10, 31)
	return int64(v), err
}

// String formats r in the syntax accepted by ParseRestriction.
func (r Restriction) String() string {
	switch {
	case r.Start == Missing:
		return r.Sequence
	case r.End == Missing:
		return fmt.Sprintf("%s:%d", r.Sequence, r.Start+1)
	default:
		return fmt.Sprintf("%s:%d-%d", r.Sequence, r.Start+1, r.End)
	}
}

// Resolve validates r against dict and returns the concrete region it
// describes.  Missing coordinates cover the whole sequence.  An end beyond
// the sequence is clamped, which is reported through clamped.
func (r Restriction) Resolve(dict *Dictionary) (region Region, clamped bool, err error) {
	id, ok := dict.ID(r.Sequence)
	if !ok {
		return Region{}, false, fmt.Errorf("%w: %q", ErrUnknownSequence, r.Sequence)
	}
	length := int64(dict.Sequence(id).Length)
	if length == 0 {
		length = MaximumCoordinate
	}

	start, end := r.Start, r.End
	if start == Missing {
		start = 0
	}
	if start >= length {
		return Region{}, false, fmt.Errorf("%w: %s starts after the end of %q (length %d)", ErrOutOfRange, r, r.Sequence, length)
	}
	if end == Missing {
		end = length
	} else if end > length {
		end, clamped = length, true
	}
	return Region{ReferenceID: id, Start: uint32(start), End: uint32(end)}, clamped, nil
}
