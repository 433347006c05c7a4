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

// Package filter decides which alignment records are passed on to
// consumers.
package filter

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/googlegenomics/alignstore/internal/bam"
)

// DefaultSeed is the subsampling seed used when none is configured.
const DefaultSeed = 42

var (
	// ErrConflictingFlags is returned by NewParams when a flag is both
	// required to be set and required to be unset.
	ErrConflictingFlags = errors.New("conflicting flag criteria that no record can meet")

	// ErrInvalidCeiling is returned when a score ceiling cannot be parsed.
	ErrInvalidCeiling = errors.New("invalid ceiling")
)

// Ceiling is an upper bound that is either an absolute value or a
// percentage of the read length.
type Ceiling struct {
	Value   int
	Percent bool
}

// ParseCeiling parses "12" or "10%".
func ParseCeiling(s string) (*Ceiling, error) {
	c := &Ceiling{}
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "%") {
		c.Percent = true
		s = strings.TrimSuffix(s, "%")
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || (c.Percent && v > 100) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCeiling, s)
	}
	c.Value = v
	return c, nil
}

// Limit returns the ceiling for a read of the given length.
func (c *Ceiling) Limit(readLength int) int {
	if c.Percent {
		return c.Value * readLength / 100
	}
	return c.Value
}

func (c *Ceiling) String() string {
	if c.Percent {
		return fmt.Sprintf("%d%%", c.Value)
	}
	return strconv.Itoa(c.Value)
}

// Options describes the filtering to apply.  A negative MinMapQ or
// MaxAlignmentCount and a zero SubsampleFraction disable the corresponding
// stage.
type Options struct {
	MinMapQ           int
	MaxAlignmentCount int
	MaxMatedScore     *Ceiling
	MaxUnmatedScore   *Ceiling

	RequireSet   bam.Flags
	RequireUnset bam.Flags

	ExcludeDuplicates     bool
	ExcludeMated          bool
	ExcludeUnmated        bool
	ExcludeUnmapped       bool
	ExcludeUnplaced       bool
	ExcludeVariantInvalid bool

	// FindDuplicates removes repeated secondary alignments of the same read,
	// independently of the duplicate flag.
	FindDuplicates bool

	SubsampleFraction float64
	SubsampleSeed     int64

	// Invert reverses the outcome of the flag and attribute criteria.
	Invert bool
}

// DefaultOptions returns Options that accept every record.
func DefaultOptions() Options {
	return Options{MinMapQ: -1, MaxAlignmentCount: -1, SubsampleSeed: DefaultSeed}
}

// Params is a validated, read-only filter configuration.
type Params struct {
	options      Options
	requireSet   bam.Flags
	requireUnset bam.Flags
	seed         int64
}

// NewParams validates o and returns the resulting Params.  The exclusion
// options are folded into the required-unset mask before it is checked
// against the required-set mask.
func NewParams(o Options) (*Params, error) {
	unset := o.RequireUnset
	if o.ExcludeDuplicates {
		unset |= bam.Duplicate
	}
	if o.ExcludeMated {
		unset |= bam.ProperPair
	}
	if o.ExcludeUnmapped {
		unset |= bam.Unmapped
	}
	if bad := unset & o.RequireSet; bad != 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrConflictingFlags, uint16(bad))
	}
	if o.SubsampleFraction < 0 || o.SubsampleFraction > 1 {
		return nil, fmt.Errorf("subsample fraction %v is not between 0 and 1", o.SubsampleFraction)
	}
	return &Params{
		options:      o,
		requireSet:   o.RequireSet,
		requireUnset: unset,
		// The configured seed is passed through the generator once so that
		// nearby seeds give unrelated streams.
		seed: rand.New(rand.NewSource(o.SubsampleSeed)).Int63(),
	}, nil
}

// Options returns the options p was created from.
func (p *Params) Options() Options {
	return p.options
}

// RequireSet returns the flags every accepted record must have set.
func (p *Params) RequireSet() bam.Flags {
	return p.requireSet
}

// RequireUnset returns the flags every accepted record must have unset,
// including those implied by the exclusion options.
func (p *Params) RequireUnset() bam.Flags {
	return p.requireUnset
}

// Seed returns the scrambled subsampling seed.
func (p *Params) Seed() int64 {
	return p.seed
}

// Filtering reports whether p can reject any record.
func (p *Params) Filtering() bool {
	o := p.options
	return o.MinMapQ >= 0 ||
		o.MaxAlignmentCount >= 0 ||
		o.MaxMatedScore != nil ||
		o.MaxUnmatedScore != nil ||
		p.requireSet != 0 ||
		p.requireUnset != 0 ||
		o.ExcludeUnmated ||
		o.ExcludeUnplaced ||
		o.ExcludeVariantInvalid ||
		o.FindDuplicates ||
		o.SubsampleFraction > 0 ||
		o.Invert
}
