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

package bam

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/googlegenomics/alignstore/bgzf"
)

// Fields describes a record to be encoded by Writer.
type Fields struct {
	Name           string
	RefID          int32
	Pos            int32
	MapQ           uint8
	Flags          Flags
	Cigar          []CigarOp
	MateRefID      int32
	MatePos        int32
	TemplateLength int32
	// Sequence holds the bases using the letters "=ACMGRSVTWYHKDBN"; empty
	// or "*" means no sequence.
	Sequence string
	// Quality holds Phred scores (not offset by 33).  A nil slice with a
	// non-empty sequence is encoded as missing qualities.
	Quality    []byte
	Attributes []Attribute
}

// Writer encodes records into a BAM stream.
type Writer struct {
	bgzf *bgzf.Writer
	buf  []byte
}

// NewWriter writes header to w and returns a Writer for the records.
func NewWriter(w io.Writer, header *Header) (*Writer, error) {
	return NewWriterSize(w, header, bgzf.DefaultBlockSize)
}

// NewWriterSize is like NewWriter but limits each BGZF block to blockSize
// bytes of uncompressed data.
func NewWriterSize(w io.Writer, header *Header, blockSize int) (*Writer, error) {
	bw, err := bgzf.NewWriterSize(w, blockSize)
	if err != nil {
		return nil, err
	}
	if err := header.Write(bw); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	return &Writer{bgzf: bw}, nil
}

// Write encodes f as a record.  The bin is computed from the position and
// CIGAR.
func (w *Writer) Write(f *Fields) error {
	seq := f.Sequence
	if seq == "*" {
		seq = ""
	}
	if len(f.Name)+1 > 255 {
		return fmt.Errorf("read name %q too long", f.Name)
	}
	if f.Quality != nil && len(f.Quality) != len(seq) {
		return fmt.Errorf("read %s: %d qualities for %d bases", f.Name, len(f.Quality), len(seq))
	}

	le := binary.LittleEndian
	buf := append(w.buf[:0], 0, 0, 0, 0)
	buf = le.AppendUint32(buf, uint32(f.RefID))
	buf = le.AppendUint32(buf, uint32(f.Pos))
	buf = append(buf, byte(len(f.Name)+1), f.MapQ)
	buf = le.AppendUint16(buf, bin(f, len(seq)))
	buf = le.AppendUint16(buf, uint16(len(f.Cigar)))
	buf = le.AppendUint16(buf, uint16(f.Flags))
	buf = le.AppendUint32(buf, uint32(len(seq)))
	buf = le.AppendUint32(buf, uint32(f.MateRefID))
	buf = le.AppendUint32(buf, uint32(f.MatePos))
	buf = le.AppendUint32(buf, uint32(f.TemplateLength))
	buf = append(append(buf, f.Name...), 0)
	for _, op := range f.Cigar {
		buf = le.AppendUint32(buf, uint32(op))
	}
	for i := 0; i < len(seq); i += 2 {
		b := byte(strings.IndexByte(baseCodes, seq[i])&0xf) << 4
		if i+1 < len(seq) {
			b |= byte(strings.IndexByte(baseCodes, seq[i+1]) & 0xf)
		}
		buf = append(buf, b)
	}
	if f.Quality == nil {
		for range seq {
			buf = append(buf, 0xff)
		}
	} else {
		buf = append(buf, f.Quality...)
	}
	for _, a := range f.Attributes {
		var err error
		if buf, err = appendAttribute(buf, a); err != nil {
			return fmt.Errorf("read %s: %v", f.Name, err)
		}
	}
	le.PutUint32(buf, uint32(len(buf)-4))
	w.buf = buf

	_, err := w.bgzf.Write(buf)
	return err
}

// bin computes the bin of the record described by f, using the same extent
// as Record.Extent.
func bin(f *Fields, length int) uint16 {
	if f.Pos < 0 {
		return Reg2Bin(-1, 0)
	}
	var span int
	if f.Flags&Unmapped == 0 {
		for _, op := range f.Cigar {
			if _, ref := op.consumes(); ref {
				span += op.Len()
			}
		}
	}
	if span == 0 {
		span = length
	}
	if span < 1 {
		span = 1
	}
	return Reg2Bin(int(f.Pos), int(f.Pos)+span)
}

// WriteRecord copies r to the stream unchanged.
func (w *Writer) WriteRecord(r *Record) error {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(r.data)))
	if _, err := w.bgzf.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.bgzf.Write(r.data)
	return err
}

// Offset returns the virtual address at which the next record will start.
func (w *Writer) Offset() bgzf.Address {
	return w.bgzf.Offset()
}

// Flush writes buffered records as a complete BGZF block.
func (w *Writer) Flush() error {
	return w.bgzf.Flush()
}

// Size returns the number of compressed bytes written so far.
func (w *Writer) Size() uint64 {
	return w.bgzf.Size()
}

// Close flushes the stream and writes the BGZF EOF marker.  The underlying
// writer is not closed.
func (w *Writer) Close() error {
	return w.bgzf.Close()
}
