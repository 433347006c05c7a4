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

// Package config turns configuration files and command line flags into
// filter parameters, region restrictions and pipeline options.
package config

import (
	"fmt"
	"os"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/filter"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/pipeline"
	"github.com/spf13/pflag"
)

// Config holds the settings of a read operation.
type Config struct {
	MinMapQ           int
	MaxAlignmentCount int
	MaxMatedScore     string
	MaxUnmatedScore   string

	RequireSet   uint16
	RequireUnset uint16

	ExcludeDuplicates     bool
	ExcludeMated          bool
	ExcludeUnmated        bool
	ExcludeUnmapped       bool
	ExcludeUnplaced       bool
	ExcludeVariantInvalid bool
	FindDuplicates        bool
	Invert                bool

	SubsampleFraction float64
	SubsampleSeed     int64

	Regions     []string
	RegionsFile string

	Consumers int
	QueueSize int
	Window    int

	LogLevel string
}

// Default returns a Config that reads every record.
func Default() Config {
	return Config{
		MinMapQ:           -1,
		MaxAlignmentCount: -1,
		SubsampleSeed:     filter.DefaultSeed,
		Consumers:         1,
		QueueSize:         1024,
		LogLevel:          "info",
	}
}

// RegisterFlags adds a flag for every filter, region and pipeline setting to
// fs, using the current values of c as defaults.  The log level is left to
// the caller.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.MinMapQ, "min-mapq", c.MinMapQ, "reject records with a mapping quality below this (-1 disables)")
	fs.IntVar(&c.MaxAlignmentCount, "max-hits", c.MaxAlignmentCount, "reject records with more alignments than this (-1 disables)")
	fs.StringVar(&c.MaxMatedScore, "max-as-mated", c.MaxMatedScore, "maximum alignment score of mated records, as a value or percentage of read length")
	fs.StringVar(&c.MaxUnmatedScore, "max-as-unmated", c.MaxUnmatedScore, "maximum alignment score of unmated records, as a value or percentage of read length")
	fs.Uint16Var(&c.RequireSet, "require-set", c.RequireSet, "flags that must be set")
	fs.Uint16Var(&c.RequireUnset, "require-unset", c.RequireUnset, "flags that must not be set")
	fs.BoolVar(&c.ExcludeDuplicates, "exclude-duplicates", c.ExcludeDuplicates, "reject records flagged as duplicates")
	fs.BoolVar(&c.ExcludeMated, "exclude-mated", c.ExcludeMated, "reject records mapped in proper pairs")
	fs.BoolVar(&c.ExcludeUnmated, "exclude-unmated", c.ExcludeUnmated, "reject mapped records that are not in proper pairs")
	fs.BoolVar(&c.ExcludeUnmapped, "exclude-unmapped", c.ExcludeUnmapped, "reject unmapped records")
	fs.BoolVar(&c.ExcludeUnplaced, "exclude-unplaced", c.ExcludeUnplaced, "reject records without a position")
	fs.BoolVar(&c.ExcludeVariantInvalid, "exclude-invalid", c.ExcludeVariantInvalid, "reject records with an alignment count of zero")
	fs.BoolVar(&c.FindDuplicates, "find-duplicates", c.FindDuplicates, "reject repeated secondary alignments of a read")
	fs.BoolVar(&c.Invert, "invert", c.Invert, "invert the flag and attribute criteria")
	fs.Float64Var(&c.SubsampleFraction, "subsample", c.SubsampleFraction, "fraction of records to keep (0 disables)")
	fs.Int64Var(&c.SubsampleSeed, "seed", c.SubsampleSeed, "subsampling seed")
	fs.StringArrayVarP(&c.Regions, "region", "r", c.Regions, "restrict to a region such as chr1:100-200 (repeatable)")
	fs.StringVar(&c.RegionsFile, "regions", c.RegionsFile, "restrict to the regions listed in a BED file")
	fs.IntVar(&c.Consumers, "consumers", c.Consumers, "number of consumer goroutines")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "number of records buffered between reading and writing")
	fs.IntVar(&c.Window, "window", c.Window, "positions held to restore coordinate order (0 disables)")
}

// Changed returns the names of the flags of fs that were set explicitly.
func Changed(fs *pflag.FlagSet) map[string]bool {
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	return changed
}

// Load applies the configuration file at path to c, unless path is empty.
// Settings given by flags in changed are left alone.
func (c *Config) Load(path string, changed map[string]bool) error {
	if path == "" {
		return nil
	}
	f, err := LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	return Apply(c, f, changed)
}

// FilterParams returns the validated filter parameters of c.
func (c *Config) FilterParams() (*filter.Params, error) {
	o := filter.Options{
		MinMapQ:               c.MinMapQ,
		MaxAlignmentCount:     c.MaxAlignmentCount,
		RequireSet:            bam.Flags(c.RequireSet),
		RequireUnset:          bam.Flags(c.RequireUnset),
		ExcludeDuplicates:     c.ExcludeDuplicates,
		ExcludeMated:          c.ExcludeMated,
		ExcludeUnmated:        c.ExcludeUnmated,
		ExcludeUnmapped:       c.ExcludeUnmapped,
		ExcludeUnplaced:       c.ExcludeUnplaced,
		ExcludeVariantInvalid: c.ExcludeVariantInvalid,
		FindDuplicates:        c.FindDuplicates,
		SubsampleFraction:     c.SubsampleFraction,
		SubsampleSeed:         c.SubsampleSeed,
		Invert:                c.Invert,
	}
	var err error
	if c.MaxMatedScore != "" {
		if o.MaxMatedScore, err = filter.ParseCeiling(c.MaxMatedScore); err != nil {
			return nil, fmt.Errorf("max-as-mated: %w", err)
		}
	}
	if c.MaxUnmatedScore != "" {
		if o.MaxUnmatedScore, err = filter.ParseCeiling(c.MaxUnmatedScore); err != nil {
			return nil, fmt.Errorf("max-as-unmated: %w", err)
		}
	}
	return filter.NewParams(o)
}

// Restricted reports whether c limits the regions that are read.
func (c *Config) Restricted() bool {
	return len(c.Regions) > 0 || c.RegionsFile != ""
}

// Ranges resolves the region settings of c against dict.  Without any
// region setting, every reference is covered.
func (c *Config) Ranges(dict *genomics.Dictionary, run *diag.Run) (*genomics.Ranges, error) {
	if !c.Restricted() {
		return genomics.Unrestricted(dict), nil
	}
	ranges, err := genomics.ParseRanges(dict, c.Regions, run)
	if err != nil {
		return nil, err
	}
	if c.RegionsFile == "" {
		return ranges, nil
	}

	file, err := os.Open(c.RegionsFile)
	if err != nil {
		return nil, fmt.Errorf("opening regions: %w", err)
	}
	defer file.Close()
	fromFile, err := genomics.ReadRegions(file, dict, run)
	if err != nil {
		return nil, fmt.Errorf("reading regions from %s: %w", c.RegionsFile, err)
	}
	for _, region := range fromFile.Regions() {
		ranges.Add(region)
	}
	return ranges, nil
}

// PipelineOptions returns the queueing settings of c.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{Consumers: c.Consumers, QueueSize: c.QueueSize, Window: c.Window}
}
