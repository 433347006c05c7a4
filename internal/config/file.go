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

package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// File mirrors Config in TOML form.  Unset keys leave the corresponding
// setting unchanged.
type File struct {
	MinMapQ           *int    `toml:"min_mapq"`
	MaxAlignmentCount *int    `toml:"max_hits"`
	MaxMatedScore     string  `toml:"max_as_mated"`
	MaxUnmatedScore   string  `toml:"max_as_unmated"`
	RequireSet        *uint16 `toml:"require_set"`
	RequireUnset      *uint16 `toml:"require_unset"`

	ExcludeDuplicates     *bool `toml:"exclude_duplicates"`
	ExcludeMated          *bool `toml:"exclude_mated"`
	ExcludeUnmated        *bool `toml:"exclude_unmated"`
	ExcludeUnmapped       *bool `toml:"exclude_unmapped"`
	ExcludeUnplaced       *bool `toml:"exclude_unplaced"`
	ExcludeVariantInvalid *bool `toml:"exclude_invalid"`
	FindDuplicates        *bool `toml:"find_duplicates"`
	Invert                *bool `toml:"invert"`

	SubsampleFraction *float64 `toml:"subsample"`
	SubsampleSeed     *int64   `toml:"seed"`

	Regions     []string `toml:"regions"`
	RegionsFile string   `toml:"regions_file"`

	Consumers *int `toml:"consumers"`
	QueueSize *int `toml:"queue_size"`
	Window    *int `toml:"window"`

	LogLevel string `toml:"log_level"`
}

// LoadFile reads and parses the TOML file at path.
func LoadFile(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := toml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f, nil
}

// Apply copies the settings present in f into c, except those whose flag is
// in changed.
func Apply(c *Config, f File, changed map[string]bool) error {
	setValue(changed, "min-mapq", f.MinMapQ, &c.MinMapQ)
	setValue(changed, "max-hits", f.MaxAlignmentCount, &c.MaxAlignmentCount)
	setString(changed, "max-as-mated", f.MaxMatedScore, &c.MaxMatedScore)
	setString(changed, "max-as-unmated", f.MaxUnmatedScore, &c.MaxUnmatedScore)
	setValue(changed, "require-set", f.RequireSet, &c.RequireSet)
	setValue(changed, "require-unset", f.RequireUnset, &c.RequireUnset)

	setValue(changed, "exclude-duplicates", f.ExcludeDuplicates, &c.ExcludeDuplicates)
	setValue(changed, "exclude-mated", f.ExcludeMated, &c.ExcludeMated)
	setValue(changed, "exclude-unmated", f.ExcludeUnmated, &c.ExcludeUnmated)
	setValue(changed, "exclude-unmapped", f.ExcludeUnmapped, &c.ExcludeUnmapped)
	setValue(changed, "exclude-unplaced", f.ExcludeUnplaced, &c.ExcludeUnplaced)
	setValue(changed, "exclude-invalid", f.ExcludeVariantInvalid, &c.ExcludeVariantInvalid)
	setValue(changed, "find-duplicates", f.FindDuplicates, &c.FindDuplicates)
	setValue(changed, "invert", f.Invert, &c.Invert)

	setValue(changed, "subsample", f.SubsampleFraction, &c.SubsampleFraction)
	setValue(changed, "seed", f.SubsampleSeed, &c.SubsampleSeed)

	if len(f.Regions) > 0 && !changed["region"] {
		c.Regions = append([]string(nil), f.Regions...)
	}
	setString(changed, "regions", f.RegionsFile, &c.RegionsFile)

	setValue(changed, "consumers", f.Consumers, &c.Consumers)
	setValue(changed, "queue-size", f.QueueSize, &c.QueueSize)
	setValue(changed, "window", f.Window, &c.Window)
	setString(changed, "log-level", f.LogLevel, &c.LogLevel)

	if c.Consumers < 1 {
		return fmt.Errorf("consumers must be positive, got %d", c.Consumers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	return nil
}

// setValue sets dst from a file value if present and the flag was not set.
func setValue[T any](changed map[string]bool, flag string, value *T, dst *T) {
	if value == nil || changed[flag] {
		return
	}
	*dst = *value
}

// setString sets dst if value is not empty and the flag was not set.
func setString(changed map[string]bool, flag, value string, dst *string) {
	if value == "" || changed[flag] {
		return
	}
	*dst = value
}
