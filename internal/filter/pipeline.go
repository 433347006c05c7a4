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
	"fmt"
	"math/rand"
	"strings"

	"github.com/googlegenomics/alignstore/internal/bam"
)

// Stage identifies the step of a Pipeline that rejected a record.
type Stage int

// The stages of a Pipeline, in the order they are applied.
const (
	StageFlags Stage = iota
	StageMapQ
	StageAlignmentCount
	StageScore
	StagePlacement
	StageVariantInvalid
	StageInverted
	StageDuplicate
	StageSubsample
	numStages
)

var stageNames = [numStages]string{
	"flags", "mapq", "alignment-count", "score", "placement",
	"variant-invalid", "inverted", "duplicate", "subsample",
}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Counts reports how many records a Pipeline has seen, accepted and
// rejected at each stage.
type Counts struct {
	Seen     uint64
	Accepted uint64
	Rejected [numStages]uint64
}

func (c Counts) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "seen=%d accepted=%d", c.Seen, c.Accepted)
	for s, n := range c.Rejected {
		if n != 0 {
			fmt.Fprintf(&b, " %s=%d", Stage(s), n)
		}
	}
	return b.String()
}

// Pipeline applies Params to a stream of records.  The flag and attribute
// criteria are combined with a logical AND, inverted when requested, and
// followed by duplicate removal and subsampling.  A Pipeline is not safe
// for concurrent use.
type Pipeline struct {
	params     *Params
	duplicates *duplicateDetector
	random     *rand.Rand
	counts     Counts
}

// NewPipeline returns a Pipeline for p.  Pipelines created from the same
// Params make the same subsampling decisions for the same records.
func NewPipeline(p *Params) *Pipeline {
	pipeline := &Pipeline{params: p}
	if p.options.FindDuplicates {
		pipeline.duplicates = newDuplicateDetector()
	}
	if p.options.SubsampleFraction > 0 {
		pipeline.random = rand.New(rand.NewSource(p.seed))
	}
	return pipeline
}

// Accept reports whether rec passes every stage.  An error is returned if
// an attribute needed by a stage cannot be decoded.
func (p *Pipeline) Accept(rec *bam.Record) (bool, error) {
	p.counts.Seen++
	stage, err := p.check(rec)
	if err != nil {
		return false, err
	}
	if p.params.options.Invert {
		if stage == numStages {
			stage = StageInverted
		} else {
			stage = numStages
		}
	}
	if stage == numStages && p.duplicates != nil && !p.duplicates.accept(rec) {
		stage = StageDuplicate
	}
	if p.random != nil {
		// One value is drawn for every record that reaches this stage, so
		// the outcome only depends on the seed and the arrival order.
		if stage == numStages && p.random.Float64() >= p.params.options.SubsampleFraction {
			stage = StageSubsample
		}
	}
	if stage != numStages {
		p.counts.Rejected[stage]++
		return false, nil
	}
	p.counts.Accepted++
	return true, nil
}

// check returns the first criteria stage that rejects rec, or numStages.
func (p *Pipeline) check(rec *bam.Record) (Stage, error) {
	o := &p.params.options
	flags := rec.Flags()
	if flags&p.params.requireUnset != 0 || flags&p.params.requireSet != p.params.requireSet {
		return StageFlags, nil
	}
	if o.ExcludeUnmated && flags&bam.Unmapped == 0 && flags&bam.ProperPair == 0 {
		return StageFlags, nil
	}
	if o.MinMapQ >= 0 && int(rec.MapQ()) < o.MinMapQ {
		return StageMapQ, nil
	}
	if o.MaxAlignmentCount >= 0 || o.ExcludeVariantInvalid {
		count, ok, err := alignmentCount(rec)
		if err != nil {
			return 0, err
		}
		if ok && o.MaxAlignmentCount >= 0 && count > int64(o.MaxAlignmentCount) {
			return StageAlignmentCount, nil
		}
		if ok && o.ExcludeVariantInvalid && count == 0 {
			return StageVariantInvalid, nil
		}
	}
	if ceiling := p.scoreCeiling(flags); ceiling != nil {
		score, ok, err := rec.IntAttribute("AS")
		if err != nil {
			return 0, err
		}
		if ok && score > int64(ceiling.Limit(rec.ReadLength())) {
			return StageScore, nil
		}
	}
	if o.ExcludeUnplaced && (rec.RefID() < 0 || rec.Pos() < 0) {
		return StagePlacement, nil
	}
	return numStages, nil
}

func (p *Pipeline) scoreCeiling(flags bam.Flags) *Ceiling {
	if flags&bam.ProperPair != 0 {
		return p.params.options.MaxMatedScore
	}
	return p.params.options.MaxUnmatedScore
}

// alignmentCount returns the NH attribute, or IH when NH is absent.
func alignmentCount(rec *bam.Record) (int64, bool, error) {
	count, ok, err := rec.IntAttribute("NH")
	if err != nil || ok {
		return count, ok, err
	}
	return rec.IntAttribute("IH")
}

// Counts returns the counts accumulated so far.
func (p *Pipeline) Counts() Counts {
	return p.counts
}
