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

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/bam/bamtest"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeader = bamtest.Header(genomics.Sequence{Name: "chr1", Length: 100000})

// decode encodes fields and returns the decoded records.
func decode(t *testing.T, fields ...bam.Fields) []*bam.Record {
	t.Helper()
	data, err := bamtest.Write(testHeader, 0xff00, fields)
	require.NoError(t, err)
	r, err := bam.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	var records []*bam.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records
		}
		require.NoError(t, err)
		records = append(records, rec.Clone())
	}
}

func record(flags bam.Flags, mapq uint8, attributes ...bam.Attribute) bam.Fields {
	f := bamtest.Mapped("read", 0, 100, 50)
	f.Flags, f.MapQ, f.Attributes = flags, mapq, attributes
	return f
}

func TestParseCeiling(t *testing.T) {
	testCases := []struct {
		input string
		want  Ceiling
		limit int
	}{
		{"12", Ceiling{12, false}, 12},
		{"10%", Ceiling{10, true}, 15},
		{" 0 ", Ceiling{0, false}, 0},
		{"100%", Ceiling{100, true}, 150},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseCeiling(tc.input)
			if err != nil {
				t.Fatalf("ParseCeiling(%q): %v", tc.input, err)
			}
			if *got != tc.want {
				t.Errorf("ParseCeiling(%q): got %+v, want %+v", tc.input, *got, tc.want)
			}
			if got, want := got.Limit(150), tc.limit; got != want {
				t.Errorf("Limit(150): got %d, want %d", got, want)
			}
		})
	}

	for _, input := range []string{"", "x", "-1", "101%", "5.5"} {
		if _, err := ParseCeiling(input); !errors.Is(err, ErrInvalidCeiling) {
			t.Errorf("ParseCeiling(%q): got %v, want %v", input, err, ErrInvalidCeiling)
		}
	}
}

func TestNewParams(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(*Options)
		want  error
	}{
		{"defaults", func(*Options) {}, nil},
		{"exclude duplicates and require duplicates", func(o *Options) {
			o.ExcludeDuplicates, o.RequireSet = true, bam.Duplicate
		}, ErrConflictingFlags},
		{"exclude mated and require proper pairs", func(o *Options) {
			o.ExcludeMated, o.RequireSet = true, bam.ProperPair|bam.Paired
		}, ErrConflictingFlags},
		{"exclude unmapped and require unmapped", func(o *Options) {
			o.ExcludeUnmapped, o.RequireSet = true, bam.Unmapped
		}, ErrConflictingFlags},
		{"overlapping masks", func(o *Options) {
			o.RequireSet, o.RequireUnset = bam.Paired|bam.Read1, bam.Read1
		}, ErrConflictingFlags},
		{"disjoint masks", func(o *Options) {
			o.RequireSet, o.RequireUnset, o.ExcludeDuplicates = bam.Paired, bam.Secondary, true
		}, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultOptions()
			tc.setup(&o)
			_, err := NewParams(o)
			if tc.want == nil && err != nil {
				t.Fatalf("NewParams(): %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("NewParams(): got %v, want %v", err, tc.want)
			}
		})
	}

	o := DefaultOptions()
	o.SubsampleFraction = 1.5
	if _, err := NewParams(o); err == nil {
		t.Error("NewParams() with fraction 1.5: unexpected success")
	}

	o = DefaultOptions()
	o.ExcludeDuplicates, o.ExcludeMated, o.ExcludeUnmapped = true, true, true
	p, err := NewParams(o)
	require.NoError(t, err)
	assert.Equal(t, bam.Duplicate|bam.ProperPair|bam.Unmapped, p.RequireUnset())
	assert.True(t, p.Filtering())

	p, err = NewParams(DefaultOptions())
	require.NoError(t, err)
	assert.False(t, p.Filtering())
}

func TestPipeline_Criteria(t *testing.T) {
	score := func(s string) *Ceiling {
		c, err := ParseCeiling(s)
		require.NoError(t, err)
		return c
	}
	testCases := []struct {
		name   string
		setup  func(*Options)
		record bam.Fields
		stage  Stage
	}{
		{"accept all", func(*Options) {}, record(0, 0), numStages},
		{"required flag missing", func(o *Options) { o.RequireSet = bam.Paired }, record(0, 60), StageFlags},
		{"required flag present", func(o *Options) { o.RequireSet = bam.Paired }, record(bam.Paired, 60), numStages},
		{"duplicate excluded", func(o *Options) { o.ExcludeDuplicates = true }, record(bam.Duplicate, 60), StageFlags},
		{"unmated excluded", func(o *Options) { o.ExcludeUnmated = true }, record(bam.Paired, 60), StageFlags},
		{"mated kept", func(o *Options) { o.ExcludeUnmated = true }, record(bam.Paired|bam.ProperPair, 60), numStages},
		{"low mapq", func(o *Options) { o.MinMapQ = 20 }, record(0, 19), StageMapQ},
		{"mapq at floor", func(o *Options) { o.MinMapQ = 20 }, record(0, 20), numStages},
		{"too many alignments", func(o *Options) { o.MaxAlignmentCount = 2 },
			record(0, 60, bam.Attribute{Tag: "NH", Value: 3}), StageAlignmentCount},
		{"alignment count from IH", func(o *Options) { o.MaxAlignmentCount = 2 },
			record(0, 60, bam.Attribute{Tag: "IH", Value: uint8(5)}), StageAlignmentCount},
		{"alignment count allowed", func(o *Options) { o.MaxAlignmentCount = 2 },
			record(0, 60, bam.Attribute{Tag: "NH", Value: 2}), numStages},
		{"missing alignment count", func(o *Options) { o.MaxAlignmentCount = 0 }, record(0, 60), numStages},
		{"variant invalid", func(o *Options) { o.ExcludeVariantInvalid = true },
			record(0, 60, bam.Attribute{Tag: "NH", Value: 0}), StageVariantInvalid},
		{"unmated score", func(o *Options) { o.MaxUnmatedScore = score("10") },
			record(0, 60, bam.Attribute{Tag: "AS", Value: 11}), StageScore},
		{"unmated ceiling ignores mated", func(o *Options) { o.MaxUnmatedScore = score("10") },
			record(bam.Paired|bam.ProperPair, 60, bam.Attribute{Tag: "AS", Value: 11}), numStages},
		{"mated percentage score", func(o *Options) { o.MaxMatedScore = score("10%") },
			record(bam.Paired|bam.ProperPair, 60, bam.Attribute{Tag: "AS", Value: 6}), StageScore},
		{"mated percentage score allowed", func(o *Options) { o.MaxMatedScore = score("10%") },
			record(bam.Paired|bam.ProperPair, 60, bam.Attribute{Tag: "AS", Value: 5}), numStages},
		{"unplaced", func(o *Options) { o.ExcludeUnplaced = true },
			bam.Fields{Name: "u", RefID: -1, Pos: -1, MateRefID: -1, MatePos: -1, Flags: bam.Unmapped}, StagePlacement},
		{"inverted rejection", func(o *Options) { o.Invert, o.MinMapQ = true, 20 }, record(0, 30), StageInverted},
		{"inverted acceptance", func(o *Options) { o.Invert, o.MinMapQ = true, 20 }, record(0, 10), numStages},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultOptions()
			tc.setup(&o)
			params, err := NewParams(o)
			require.NoError(t, err)
			p := NewPipeline(params)

			got, err := p.Accept(decode(t, tc.record)[0])
			require.NoError(t, err)
			if want := tc.stage == numStages; got != want {
				t.Errorf("Accept(): got %v, want %v", got, want)
			}
			counts := p.Counts()
			assert.Equal(t, uint64(1), counts.Seen)
			if tc.stage == numStages {
				assert.Equal(t, uint64(1), counts.Accepted)
			} else {
				assert.Equal(t, uint64(1), counts.Rejected[tc.stage], "rejections: %s", counts)
			}
		})
	}
}

func TestPipeline_Duplicates(t *testing.T) {
	o := DefaultOptions()
	o.FindDuplicates = true
	params, err := NewParams(o)
	require.NoError(t, err)
	p := NewPipeline(params)

	paired := bam.Paired | bam.Secondary
	named := func(name string, flags bam.Flags) bam.Fields {
		f := record(flags, 60)
		f.Name = name
		return f
	}
	records := decode(t,
		named("r1", bam.Paired|bam.Read1),
		named("r1", paired|bam.Read1),
		named("r1", paired|bam.Read1),
		named("r1", paired|bam.Read2),
		named("r2", paired|bam.Read1),
		named("r1", bam.Paired|bam.Read1),
		named("single", bam.Secondary),
		named("single", bam.Secondary),
	)
	want := []bool{true, true, false, true, true, true, true, false}
	for i, rec := range records {
		got, err := p.Accept(rec)
		require.NoError(t, err)
		if got != want[i] {
			t.Errorf("Accept(record %d: %s %d): got %v, want %v", i, rec.Name(), rec.Flags(), got, want[i])
		}
	}
	assert.Equal(t, uint64(2), p.Counts().Rejected[StageDuplicate])
}

func TestPipeline_Subsample(t *testing.T) {
	const (
		n        = 20000
		fraction = 0.3
	)
	rec := decode(t, record(0, 60))[0]

	run := func(seed int64) []bool {
		o := DefaultOptions()
		o.SubsampleFraction, o.SubsampleSeed = fraction, seed
		params, err := NewParams(o)
		require.NoError(t, err)
		p := NewPipeline(params)
		decisions := make([]bool, n)
		for i := range decisions {
			decisions[i], err = p.Accept(rec)
			require.NoError(t, err)
		}
		counts := p.Counts()
		assert.Equal(t, uint64(n), counts.Accepted+counts.Rejected[StageSubsample])
		return decisions
	}

	first, second := run(DefaultSeed), run(DefaultSeed)
	assert.Equal(t, first, second, "same seed should retain the same records")

	var kept int
	for _, ok := range first {
		if ok {
			kept++
		}
	}
	if got := float64(kept) / n; math.Abs(got-fraction) > 0.02 {
		t.Errorf("retained fraction: got %.3f, want %.3f", got, fraction)
	}

	assert.NotEqual(t, first, run(DefaultSeed+1), "different seeds should retain different records")
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "mapq", StageMapQ.String())
	assert.Equal(t, "subsample", StageSubsample.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
}
