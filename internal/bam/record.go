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
	"strconv"
	"strings"

	"github.com/googlegenomics/alignstore/bgzf"
)

// Offsets of the fixed fields inside a record, excluding the length prefix.
const (
	refIDOffset     = 0
	posOffset       = 4
	nameLenOffset   = 8
	mapQOffset      = 9
	binOffset       = 10
	cigarLenOffset  = 12
	flagOffset      = 14
	seqLenOffset    = 16
	mateRefIDOffset = 20
	matePosOffset   = 24
	tlenOffset      = 28
	nameOffset      = 32
)

// Flags is the bitwise FLAG field of a record.
type Flags uint16

// Flag bits, as defined in the SAM specification section 1.4.
const (
	Paired        Flags = 0x1
	ProperPair    Flags = 0x2
	Unmapped      Flags = 0x4
	MateUnmapped  Flags = 0x8
	Reverse       Flags = 0x10
	MateReverse   Flags = 0x20
	Read1         Flags = 0x40
	Read2         Flags = 0x80
	Secondary     Flags = 0x100
	QCFail        Flags = 0x200
	Duplicate     Flags = 0x400
	Supplementary Flags = 0x800
)

// Record is a view of one alignment record.  A Record returned by
// Reader.Next is only valid until the following call to Next; use Clone to
// keep it longer.
type Record struct {
	data []byte

	// Offsets of the variable length fields inside data.
	cigar, seq, qual, attrs int

	offset, next bgzf.Address
	ordinal      int64
	path         string

	// Start offsets of each attribute, built on first access.
	tags    []int
	scanned bool
	tagErr  error
}

// load points r at data (the record bytes following the length prefix) and
// derives the offsets of the variable length fields.
func (r *Record) load(data []byte) error {
	if len(data) < nameOffset {
		return fmt.Errorf("%w: %d bytes is shorter than the fixed fields", ErrLengthMismatch, len(data))
	}
	r.data = data
	r.tags, r.scanned, r.tagErr = r.tags[:0], false, nil

	nameLen := int(data[nameLenOffset])
	length := r.ReadLength()
	if nameLen < 1 || length < 0 {
		return fmt.Errorf("%w: name length %d, read length %d", ErrLengthMismatch, nameLen, length)
	}
	r.cigar = nameOffset + nameLen
	r.seq = r.cigar + 4*r.NumCigarOps()
	r.qual = r.seq + (length+1)/2
	r.attrs = r.qual + length
	if r.attrs > len(data) {
		return fmt.Errorf("%w: fields need %d bytes, record has %d", ErrLengthMismatch, r.attrs, len(data))
	}
	return nil
}

func (r *Record) int32At(offset int) int32 {
	return int32(binary.LittleEndian.Uint32(r.data[offset:]))
}

// RefID returns the reference ID, or -1 when the record is unplaced.
func (r *Record) RefID() int32 { return r.int32At(refIDOffset) }

// Pos returns the 0-based leftmost position, or -1 when absent.
func (r *Record) Pos() int32 { return r.int32At(posOffset) }

// MapQ returns the mapping quality.
func (r *Record) MapQ() uint8 { return r.data[mapQOffset] }

// Bin returns the bin stored in the record.
func (r *Record) Bin() uint16 { return binary.LittleEndian.Uint16(r.data[binOffset:]) }

// NumCigarOps returns the number of CIGAR operations.
func (r *Record) NumCigarOps() int {
	return int(binary.LittleEndian.Uint16(r.data[cigarLenOffset:]))
}

// Flags returns the FLAG field.
func (r *Record) Flags() Flags { return Flags(binary.LittleEndian.Uint16(r.data[flagOffset:])) }

// ReadLength returns the length of the read sequence.
func (r *Record) ReadLength() int { return int(r.int32At(seqLenOffset)) }

// MateRefID returns the reference ID of the mate.
func (r *Record) MateRefID() int32 { return r.int32At(mateRefIDOffset) }

// MatePos returns the 0-based position of the mate.
func (r *Record) MatePos() int32 { return r.int32At(matePosOffset) }

// TemplateLength returns the observed template length.
func (r *Record) TemplateLength() int32 { return r.int32At(tlenOffset) }

// NameBytes returns the read name without its terminating null.  The slice
// aliases the record buffer.
func (r *Record) NameBytes() []byte {
	return r.data[nameOffset : r.cigar-1]
}

// Name returns the read name.
func (r *Record) Name() string {
	return string(r.NameBytes())
}

// Offset returns the virtual address of the start of the record.
func (r *Record) Offset() bgzf.Address { return r.offset }

// NextOffset returns the virtual address immediately after the record.
func (r *Record) NextOffset() bgzf.Address { return r.next }

// Ordinal returns the 1-based position of the record in its stream.
func (r *Record) Ordinal() int64 { return r.ordinal }

// Raw returns the encoded record without its length prefix.  The slice
// aliases the record buffer.
func (r *Record) Raw() []byte { return r.data }

// Clone returns a copy of r that owns its data.
func (r *Record) Clone() *Record {
	clone := *r
	clone.data = append([]byte(nil), r.data...)
	clone.tags = append([]int(nil), r.tags...)
	return &clone
}

// CigarOp is a single packed CIGAR operation.
type CigarOp uint32

const cigarCodes = "MIDNSHP=X"

// NewCigarOp returns the operation of the given type ("MIDNSHP=X") and length.
func NewCigarOp(op byte, length int) CigarOp {
	return CigarOp(uint32(length)<<4 | uint32(strings.IndexByte(cigarCodes, op)&0xf))
}

// Type returns the operation code, or '?' if it is not valid.
func (c CigarOp) Type() byte {
	if code := int(c & 0xf); code < len(cigarCodes) {
		return cigarCodes[code]
	}
	return '?'
}

// Len returns the length of the operation.
func (c CigarOp) Len() int { return int(c >> 4) }

// consumes reports whether the operation consumes query and reference bases.
func (c CigarOp) consumes() (query, reference bool) {
	switch c.Type() {
	case 'M', '=', 'X':
		return true, true
	case 'I', 'S':
		return true, false
	case 'D', 'N':
		return false, true
	}
	return false, false
}

// CigarOp returns the i'th CIGAR operation.
func (r *Record) CigarOp(i int) CigarOp {
	return CigarOp(binary.LittleEndian.Uint32(r.data[r.cigar+4*i:]))
}

// Cigar returns the CIGAR operations.
func (r *Record) Cigar() []CigarOp {
	ops := make([]CigarOp, r.NumCigarOps())
	for i := range ops {
		ops[i] = r.CigarOp(i)
	}
	return ops
}

// CigarString returns the CIGAR in SAM text form, or "*" if empty.
func (r *Record) CigarString() string {
	n := r.NumCigarOps()
	if n == 0 {
		return "*"
	}
	buf := make([]byte, 0, 4*n)
	for i := 0; i < n; i++ {
		op := r.CigarOp(i)
		buf = strconv.AppendInt(buf, int64(op.Len()), 10)
		buf = append(buf, op.Type())
	}
	return string(buf)
}

// ReferenceLength returns the number of reference bases covered by the
// alignment.
func (r *Record) ReferenceLength() int {
	var length int
	for i, n := 0, r.NumCigarOps(); i < n; i++ {
		op := r.CigarOp(i)
		if _, ref := op.consumes(); ref {
			length += op.Len()
		}
	}
	return length
}

// End returns the 0-based exclusive end of the alignment on the reference.
func (r *Record) End() int32 {
	return r.Pos() + int32(r.ReferenceLength())
}

// Extent returns the half open reference interval used for binning and
// region overlap.  Records without a reference span (unmapped reads placed
// next to their mate, or reads without a CIGAR) cover their read length, and
// always at least one base.
func (r *Record) Extent() (start, end int32) {
	start = r.Pos()
	span := 0
	if r.Flags()&Unmapped == 0 {
		span = r.ReferenceLength()
	}
	if span == 0 {
		span = r.ReadLength()
	}
	if span < 1 {
		span = 1
	}
	return start, start + int32(span)
}

// ValidateCigar checks that every CIGAR operation is known and that the
// operations consume exactly the read length.
func (r *Record) ValidateCigar() error {
	n := r.NumCigarOps()
	if n == 0 {
		return nil
	}
	var query int
	for i := 0; i < n; i++ {
		op := r.CigarOp(i)
		if op.Type() == '?' {
			return fmt.Errorf("%w: unknown operation code %d", ErrInvalidCigar, op&0xf)
		}
		if q, _ := op.consumes(); q {
			query += op.Len()
		}
	}
	if length := r.ReadLength(); length > 0 && query != length {
		return fmt.Errorf("%w: operations consume %d bases, read length is %d", ErrInvalidCigar, query, length)
	}
	return nil
}

const baseCodes = "=ACMGRSVTWYHKDBN"

// Sequence returns the read bases, or "*" if absent.
func (r *Record) Sequence() string {
	length := r.ReadLength()
	if length == 0 {
		return "*"
	}
	buf := make([]byte, length)
	for i := range buf {
		packed := r.data[r.seq+i/2]
		if i%2 == 0 {
			buf[i] = baseCodes[packed>>4]
		} else {
			buf[i] = baseCodes[packed&0xf]
		}
	}
	return string(buf)
}

// Quality returns the base qualities as Phred+33 text, or "*" if absent.
func (r *Record) Quality() string {
	length := r.ReadLength()
	if length == 0 || r.data[r.qual] == 0xff {
		return "*"
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = r.data[r.qual+i] + 33
	}
	return string(buf)
}

// String returns the record in SAM text form, with reference IDs in place
// of names.
func (r *Record) String() string {
	fields := []string{
		r.Name(),
		strconv.Itoa(int(r.Flags())),
		strconv.Itoa(int(r.RefID())),
		strconv.Itoa(int(r.Pos()) + 1),
		strconv.Itoa(int(r.MapQ())),
		r.CigarString(),
		strconv.Itoa(int(r.MateRefID())),
		strconv.Itoa(int(r.MatePos()) + 1),
		strconv.Itoa(int(r.TemplateLength())),
		r.Sequence(),
		r.Quality(),
	}
	return strings.Join(fields, "\t")
}

func (r *Record) formatError(err error) error {
	return &FormatError{Path: r.path, Record: r.ordinal, Offset: r.offset, Err: err}
}
