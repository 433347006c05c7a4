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

package bgzf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// The fixed gzip member prefix: ID1, ID2, CM, FLG, MTIME, XFL, OS, XLEN.
	headerSize = 12

	// CRC32 and ISIZE.
	trailerSize = 8

	// The extra field must at least hold the BC subfield.
	minimumExtraLength = 6

	// BSIZE is the total block size minus one, so the payload length is
	// BSIZE - XLEN - 19.
	blockOverhead = headerSize + trailerSize - 1

	// The maximum amount of data written into a single block by Writer.
	DefaultBlockSize = 0xff00
)

var (
	// ErrChecksum is returned when the CRC32 of an inflated block does not
	// match the value stored in its trailer.
	ErrChecksum = errors.New("bgzf: block checksum mismatch")

	// ErrInvalidHeader is returned when a block does not start with a valid
	// BGZF member header.
	ErrInvalidHeader = errors.New("bgzf: invalid block header")
)

// decoder reads and inflates blocks, reusing its buffers between calls.
type decoder struct {
	header  [headerSize]byte
	trailer [trailerSize]byte
	extra   []byte
	payload []byte
	data    []byte
	src     bytes.Reader
	inflate io.ReadCloser
}

// readBlock reads a single block from r into d.data and returns the number of
// compressed bytes consumed.  It returns io.EOF only if r is exhausted exactly
// at a block boundary.
func (d *decoder) readBlock(r io.Reader) (int, error) {
	if _, err := io.ReadFull(r, d.header[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("reading block header: %w", truncated(err))
	}
	h := d.header[:]
	if h[0] != 0x1f || h[1] != 0x8b || h[2] != 8 || h[3]&0x04 == 0 {
		return 0, fmt.Errorf("%w: unexpected prefix %x", ErrInvalidHeader, h[:4])
	}

	xlen := int(binary.LittleEndian.Uint16(h[10:]))
	if xlen < minimumExtraLength {
		return 0, fmt.Errorf("%w: extra field too short (%d bytes)", ErrInvalidHeader, xlen)
	}
	d.extra = grow(d.extra, xlen)
	if _, err := io.ReadFull(r, d.extra); err != nil {
		return 0, fmt.Errorf("reading extra field: %w", truncated(err))
	}
	bsize, err := blockSize(d.extra)
	if err != nil {
		return 0, err
	}

	length := bsize - xlen - blockOverhead
	if length < 0 {
		return 0, fmt.Errorf("%w: block size %d smaller than header", ErrInvalidHeader, bsize+1)
	}
	d.payload = grow(d.payload, length)
	if _, err := io.ReadFull(r, d.payload); err != nil {
		return 0, fmt.Errorf("reading compressed data: %w", truncated(err))
	}
	if _, err := io.ReadFull(r, d.trailer[:]); err != nil {
		return 0, fmt.Errorf("reading block trailer: %w", truncated(err))
	}
	crc := binary.LittleEndian.Uint32(d.trailer[0:])
	isize := int(binary.LittleEndian.Uint32(d.trailer[4:]))
	if isize > MaximumBlockSize {
		return 0, fmt.Errorf("%w: uncompressed size %d exceeds maximum", ErrInvalidHeader, isize)
	}

	if err := d.inflateData(isize); err != nil {
		return 0, err
	}
	if got := crc32.ChecksumIEEE(d.data); got != crc {
		return 0, fmt.Errorf("%w: got %08x, want %08x", ErrChecksum, got, crc)
	}
	return bsize + 1, nil
}

func (d *decoder) inflateData(isize int) error {
	d.data = grow(d.data, isize)
	if isize == 0 && len(d.payload) <= 2 {
		return nil
	}

	d.src.Reset(d.payload)
	if d.inflate == nil {
		d.inflate = flate.NewReader(&d.src)
	} else if err := d.inflate.(flate.Resetter).Reset(&d.src, nil); err != nil {
		return fmt.Errorf("resetting inflater: %v", err)
	}
	if _, err := io.ReadFull(d.inflate, d.data); err != nil {
		return fmt.Errorf("inflating block: %v", err)
	}
	var extra [1]byte
	if n, _ := d.inflate.Read(extra[:]); n != 0 {
		return fmt.Errorf("inflating block: more data than declared size %d", isize)
	}
	return nil
}

// truncated reports a short read inside a block as io.ErrUnexpectedEOF and
// passes other source errors through.
func truncated(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// blockSize locates the BC subfield inside extra and returns BSIZE.
func blockSize(extra []byte) (int, error) {
	for len(extra) >= 4 {
		length := int(binary.LittleEndian.Uint16(extra[2:]))
		if 4+length > len(extra) {
			break
		}
		if extra[0] == 'B' && extra[1] == 'C' && length == 2 {
			return int(binary.LittleEndian.Uint16(extra[4:])), nil
		}
		extra = extra[4+length:]
	}
	return 0, fmt.Errorf("%w: missing BC subfield", ErrInvalidHeader)
}

// grow returns a slice of length n, reusing buf when it is large enough and
// otherwise at least doubling its capacity.
func grow(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	size := 2 * cap(buf)
	if size < n {
		size = n
	}
	return make([]byte, n, size)
}

// encoder deflates blocks, reusing its compressor between calls.
type encoder struct {
	level   int
	deflate *flate.Writer
	payload bytes.Buffer
}

func (e *encoder) compress(data []byte, level int) ([]byte, error) {
	e.payload.Reset()
	if e.deflate == nil || e.level != level {
		w, err := flate.NewWriter(&e.payload, level)
		if err != nil {
			return nil, fmt.Errorf("creating compressor: %v", err)
		}
		e.deflate, e.level = w, level
	} else {
		e.deflate.Reset(&e.payload)
	}
	if _, err := e.deflate.Write(data); err != nil {
		return nil, fmt.Errorf("writing compressed data: %v", err)
	}
	if err := e.deflate.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %v", err)
	}
	return e.payload.Bytes(), nil
}

// writeBlock writes data as a single block to w.  Incompressible data that
// would overflow the block size limit is stored instead.
func (e *encoder) writeBlock(w io.Writer, data []byte) error {
	payload, err := e.compress(data, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if len(payload)+headerSize+minimumExtraLength+trailerSize > MaximumBlockSize {
		if payload, err = e.compress(data, flate.NoCompression); err != nil {
			return err
		}
	}
	total := len(payload) + headerSize + minimumExtraLength + trailerSize
	if total > MaximumBlockSize {
		return fmt.Errorf("compressed block too large (%d bytes)", total)
	}

	var header [headerSize + minimumExtraLength]byte
	copy(header[:], []byte{
		0x1f, 0x8b, 0x08, 0x04, // ID1, ID2, CM, FLG
		0x00, 0x00, 0x00, 0x00, // MTIME
		0x00, 0xff, // XFL, OS
		0x06, 0x00, // XLEN
		0x42, 0x43, 0x02, 0x00, // BC subfield, length 2
	})
	binary.LittleEndian.PutUint16(header[16:], uint16(total-1))

	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(trailer[4:], uint32(len(data)))

	for _, part := range [][]byte{header[:], payload, trailer[:]} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}
