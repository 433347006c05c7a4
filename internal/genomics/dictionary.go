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

// Sequence describes one reference sequence.
type Sequence struct {
	Name   string
	Length uint32
}

// Dictionary maps reference sequence names to their IDs (positions in the
// dictionary).
type Dictionary struct {
	sequences []Sequence
	ids       map[string]int32
}

// NewDictionary returns a Dictionary holding sequences in order.
func NewDictionary(sequences []Sequence) *Dictionary {
	d := &Dictionary{
		sequences: sequences,
		ids:       make(map[string]int32, len(sequences)),
	}
	for i, s := range sequences {
		if _, ok := d.ids[s.Name]; !ok {
			d.ids[s.Name] = int32(i)
		}
	}
	return d
}

// Len returns the number of sequences.
func (d *Dictionary) Len() int {
	return len(d.sequences)
}

// AddAlias makes alias another name for the sequence with the given ID.  An
// alias never replaces the name or alias of another sequence.
func (d *Dictionary) AddAlias(alias string, id int32) {
	if id < 0 || int(id) >= len(d.sequences) {
		return
	}
	if _, ok := d.ids[alias]; !ok {
		d.ids[alias] = id
	}
}

// ID returns the ID of the named sequence, looking up aliases as well as
// names.
func (d *Dictionary) ID(name string) (int32, bool) {
	id, ok := d.ids[name]
	return id, ok
}

// Sequence returns the sequence with the given ID.
func (d *Dictionary) Sequence(id int32) Sequence {
	return d.sequences[id]
}

// Sequences returns all sequences in ID order.
func (d *Dictionary) Sequences() []Sequence {
	return d.sequences
}
