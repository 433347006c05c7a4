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

// Package bamtest builds small BAM containers in memory for tests.
package bamtest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/genomics"
)

// Header returns a header describing sequences.
func Header(sequences ...genomics.Sequence) *bam.Header {
	var text strings.Builder
	text.WriteString("@HD\tVN:1.6\tSO:coordinate\n")
	for _, s := range sequences {
		fmt.Fprintf(&text, "@SQ\tSN:%s\tLN:%d\n", s.Name, s.Length)
	}
	return &bam.Header{Text: text.String(), References: sequences}
}

// Write encodes records into a BAM container using blocks of at most
// blockSize uncompressed bytes.
func Write(header *bam.Header, blockSize int, records []bam.Fields) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bam.NewWriterSize(&buf, header, blockSize)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if err := w.Write(&records[i]); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Mapped returns a mapped, unpaired record aligned with a single match
// operation of length bases.
func Mapped(name string, ref, pos int32, length int) bam.Fields {
	return bam.Fields{
		Name:      name,
		RefID:     ref,
		Pos:       pos,
		MapQ:      60,
		Cigar:     []bam.CigarOp{bam.NewCigarOp('M', length)},
		MateRefID: -1,
		MatePos:   -1,
		Sequence:  strings.Repeat("ACGT", length/4+1)[:length],
		Quality:   bytes.Repeat([]byte{30}, length),
	}
}

// Tiled returns one record of length bases starting every step bases along
// each sequence of header, in coordinate order.
func Tiled(header *bam.Header, step, length int) []bam.Fields {
	var records []bam.Fields
	for id, s := range header.References {
		for pos := 0; pos+length <= int(s.Length); pos += step {
			name := fmt.Sprintf("%s-%d", s.Name, pos)
			records = append(records, Mapped(name, int32(id), int32(pos), length))
		}
	}
	return records
}
