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

// Package bgzf provides support for reading and writing BGZF files.
//
// A BGZF file is a series of independently compressed gzip members, each
// holding at most 64KiB of data.  Positions inside the uncompressed stream are
// described by virtual addresses which combine the offset of a compressed
// block with an offset inside the data of that block.
package bgzf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// LastAddress is the maximum valid BGZF address.
const LastAddress = Address(0xffffffffffffffff)

// MaximumBlockSize is the maximum BGZF block size.
const MaximumBlockSize = 65536

// EOFMarker is the empty block that terminates a well-formed BGZF file.
var EOFMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00,
	0x00, 0xff, 0x06, 0x00, 0x42, 0x43, 0x02, 0x00,
	0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// Address stores a BGZF "virtual address".  The lower 16 bits store the data
// offset inside the uncompressed stream and upper 48 bits store the block
// offset inside the compressed archive set.
type Address uint64

// BlockOffset returns the offset to the start of the compressed block.
func (v Address) BlockOffset() uint64 {
	return uint64(v >> 16)
}

// DataOffset returns the offset to the data in the uncompressed block.
func (v Address) DataOffset() uint16 {
	return uint16(v & 0xffff)
}

// String returns a representation of v that can be parsed with ParseAddress.
func (v Address) String() string {
	return strconv.FormatUint(uint64(v), 16)
}

// ParseAddress attempts to parse input into an Address.
func ParseAddress(input string) (Address, error) {
	v, err := strconv.ParseUint(input, 16, 64)
	return Address(v), err
}

// NewAddress returns a new Address with the provided offsets.
func NewAddress(blockOffset uint64, dataOffset uint16) Address {
	return Address(blockOffset<<16 | uint64(dataOffset))
}

// Chunk specifies a region from Start to End (exclusive) inside a BGZF file.
type Chunk struct {
	Start, End Address
}

// String returns a human readable description of the receiver.
func (v *Chunk) String() string {
	return fmt.Sprintf("[%s-%s]", v.Start, v.End)
}

// Merge attempts to merge any intersecting chunks in input.  Merge will not
// join two chunks if their combined size could exceed sizeLimit.
func Merge(input []*Chunk, sizeLimit uint64) []*Chunk {
	if len(input) == 0 {
		return nil
	}
	sort.Slice(input, func(i, j int) bool {
		return input[i].Start < input[j].Start
	})

	var (
		merged = []*Chunk{input[0]}
		output = merged[0]
	)
	for i := 1; i < len(input); i++ {
		var size uint64
		if input[i].End.BlockOffset() == output.Start.BlockOffset() {
			size = uint64(input[i].End.DataOffset() - output.Start.DataOffset())
		} else {
			// Estimate using the maximum size for the last block.
			size = input[i].End.BlockOffset() - output.Start.BlockOffset() + MaximumBlockSize
		}

		if input[i].Start <= output.End && size <= sizeLimit {
			if output.End < input[i].End {
				output.End = input[i].End
			}
		} else {
			merged = append(merged, input[i])
			output = merged[len(merged)-1]
		}
	}
	return merged
}

// DecodeBlock decodes a single BGZF block from r and returns the uncompressed
// data and the total compressed size of the block (or an error).  Exactly one
// block worth of bytes is consumed from r.
func DecodeBlock(r io.Reader) ([]byte, int, error) {
	var d decoder
	size, err := d.readBlock(r)
	if err == io.EOF {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), d.data...), size, nil
}

// EncodeBlock returns a single BGZF block that encodes the bytes in data.
func EncodeBlock(data []byte) ([]byte, error) {
	if len(data) > MaximumBlockSize {
		return nil, errors.New("data exceeds maximum block size")
	}
	if len(data) == 0 {
		return append([]byte(nil), EOFMarker...), nil
	}

	var (
		e   encoder
		buf bytes.Buffer
	)
	if err := e.writeBlock(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
