// Copyright 2017 Google Inc.
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

// Package bam provides support for reading and writing BAM files.
package bam

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/binary"
	"github.com/googlegenomics/alignstore/internal/genomics"
)

const (
	bamMagic = "BAM\x01"

	// This is just to prevent arbitrarily long allocations due to malformed
	// data.  No reference name should be longer than this in practice.
	maximumNameLength = 1024

	// Header text longer than this is treated as corrupt.
	maximumHeaderLength = 1 << 28

	// The size of each tiling window from the linear index, as specified in the
	// SAM specification section 5.1.3.
	linearWindowShift = 14
)

// Header holds the SAM header text and the reference dictionary of a BAM
// file.
type Header struct {
	Text       string
	References []genomics.Sequence
}

// Dictionary returns the reference dictionary as a genomics.Dictionary.
// Alternative names listed in the AN tag of the @SQ lines of the header text
// resolve to the same reference.
func (h *Header) Dictionary() *genomics.Dictionary {
	dict := genomics.NewDictionary(h.References)
	for id, names := range alternativeNames(h.Text) {
		for _, name := range names {
			dict.AddAlias(name, id)
		}
	}
	return dict
}

var tagRe = regexp.MustCompile(`\b(SN|AN):(\S+)`)

// alternativeNames returns the AN names of each @SQ line of text, keyed by
// the position of the line among the @SQ lines.
func alternativeNames(text string) map[int32][]string {
	names := make(map[int32][]string)
	var current int32
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(nil, maximumHeaderLength)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "@SQ\t") {
			continue
		}
		for _, tag := range tagRe.FindAllStringSubmatch(line, -1) {
			if tag[1] == "AN" {
				names[current] = append(names[current], strings.Split(tag[2], ",")...)
			}
		}
		current++
	}
	return names
}

// ReadHeader reads the BAM header from the uncompressed stream r.
func ReadHeader(r io.Reader) (*Header, error) {
	if err := binary.ExpectBytes(r, []byte(bamMagic)); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	var length int32
	if err := binary.Read(r, &length); err != nil {
		return nil, fmt.Errorf("reading SAM header length: %w", err)
	}
	if length < 0 || length > maximumHeaderLength {
		return nil, fmt.Errorf("invalid SAM header length (%d bytes)", length)
	}
	text := make([]byte, length)
	if _, err := io.ReadFull(r, text); err != nil {
		return nil, fmt.Errorf("reading SAM header: %w", err)
	}

	var count int32
	if err := binary.Read(r, &count); err != nil {
		return nil, fmt.Errorf("reading references count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid reference count (%d)", count)
	}
	header := &Header{Text: trimNull(text)}
	for i := int32(0); i < count; i++ {
		if err := binary.Read(r, &length); err != nil {
			return nil, fmt.Errorf("reading name length: %w", err)
		}
		// The name length includes a null terminating character.
		if length < 1 || length > maximumNameLength {
			return nil, fmt.Errorf("invalid name length (%d bytes)", length)
		}
		name := make([]byte, length)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("reading name: %w", err)
		}
		var size uint32
		if err := binary.Read(r, &size); err != nil {
			return nil, fmt.Errorf("reading reference length: %w", err)
		}
		header.References = append(header.References, genomics.Sequence{
			Name:   string(name[:length-1]),
			Length: size,
		})
	}
	return header, nil
}

// Write writes the header to the uncompressed stream w.
func (h *Header) Write(w io.Writer) error {
	bw := binary.NewWriter(w)
	bw.Write([]byte(bamMagic), int32(len(h.Text)), []byte(h.Text), int32(len(h.References)))
	for _, ref := range h.References {
		bw.Write(int32(len(ref.Name)+1), []byte(ref.Name), byte(0), ref.Length)
	}
	return bw.Err()
}

func trimNull(text []byte) string {
	for len(text) > 0 && text[len(text)-1] == 0 {
		text = text[:len(text)-1]
	}
	return string(text)
}

// GetReferenceID attempts to determine the ID for the named genomic reference
// by reading BAM header data from bam.
func GetReferenceID(bam io.Reader, reference string) (int32, error) {
	header, err := ReadHeader(bgzf.NewReader(bam))
	if err != nil {
		return 0, err
	}
	if id, ok := header.Dictionary().ID(reference); ok {
		return id, nil
	}
	return 0, fmt.Errorf("no reference named %q found", reference)
}

// Reg2Bin returns the smallest bin containing [beg, end), as given in the SAM
// specification section 5.3.
func Reg2Bin(beg, end int) uint16 {
	end--
	switch {
	case beg>>14 == end>>14:
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	case beg>>17 == end>>17:
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	case beg>>20 == end>>20:
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	case beg>>23 == end>>23:
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	case beg>>26 == end>>26:
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}
