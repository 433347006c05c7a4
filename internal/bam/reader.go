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
	"errors"
	"fmt"
	"io"

	"github.com/googlegenomics/alignstore/bgzf"
)

// Records longer than this are treated as corrupt.
const maximumRecordLength = 1 << 28

// Reader decodes alignment records from a BAM stream.
type Reader struct {
	// Path is used to annotate format errors.
	Path string

	bgzf   *bgzf.Reader
	header *Header

	buf    []byte
	prefix [4]byte
	rec    Record
	count  int64
}

// NewReader reads the header of the BAM stream in r and returns a Reader
// positioned at the first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bgzf.NewReader(r)
	header, err := ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading BAM header: %w", err)
	}
	return &Reader{bgzf: br, header: header}, nil
}

// NewReaderNoHeader returns a Reader for a stream that does not start with a
// header, such as one positioned at a record by a seek.  The provided header
// describes the references.
func NewReaderNoHeader(r io.Reader, header *Header) *Reader {
	return &Reader{bgzf: bgzf.NewReader(r), header: header}
}

// Header returns the header of the stream.
func (r *Reader) Header() *Header {
	return r.header
}

// Next decodes the next record.  The returned Record is only valid until
// the next call to Next.  Next returns io.EOF when the stream ends cleanly
// between records.
func (r *Reader) Next() (*Record, error) {
	start := r.bgzf.Offset()
	n, err := io.ReadFull(r.bgzf, r.prefix[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	ordinal := r.count + 1
	if err != nil {
		if n > 0 || errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return nil, &FormatError{Path: r.Path, Record: ordinal, Offset: start, Err: err}
	}

	length := int(int32(binary.LittleEndian.Uint32(r.prefix[:])))
	if length < nameOffset || length > maximumRecordLength {
		return nil, &FormatError{Path: r.Path, Record: ordinal, Offset: start,
			Err: fmt.Errorf("%w: invalid record length %d", ErrLengthMismatch, length)}
	}
	if cap(r.buf) < length {
		r.buf = make([]byte, length, 2*length)
	}
	r.buf = r.buf[:length]
	if _, err := io.ReadFull(r.bgzf, r.buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &FormatError{Path: r.Path, Record: ordinal, Offset: start,
			Err: fmt.Errorf("%w: %v", ErrTruncated, err)}
	}

	r.count = ordinal
	r.rec.offset, r.rec.next = start, r.bgzf.Offset()
	r.rec.ordinal, r.rec.path = ordinal, r.Path
	if err := r.rec.load(r.buf); err != nil {
		return nil, r.rec.formatError(err)
	}
	return &r.rec, nil
}

// Offset returns the virtual address of the next record.
func (r *Reader) Offset() bgzf.Address {
	return r.bgzf.Offset()
}

// Seek positions the reader at the record starting at a.
func (r *Reader) Seek(a bgzf.Address) error {
	return r.bgzf.Seek(a)
}

// Count returns the number of records decoded so far.
func (r *Reader) Count() int64 {
	return r.count
}

// Close closes the underlying stream if it implements io.Closer.
func (r *Reader) Close() error {
	return r.bgzf.Close()
}
