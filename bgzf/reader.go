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
	"errors"
	"fmt"
	"io"
)

// ErrNotSeekable is returned by Seek when the underlying source does not
// implement io.Seeker.
var ErrNotSeekable = errors.New("bgzf: source is not seekable")

// Reader decompresses a BGZF stream one block at a time while keeping track
// of the virtual address of the next unread byte.
type Reader struct {
	r   io.Reader
	dec decoder

	// Compressed offsets of the current and the following block.
	block, next uint64

	data []byte
	pos  int

	// Set by Seek until the target block has been loaded.
	pending bool
	skip    int
}

// NewReader returns a Reader that decompresses the BGZF stream in r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read reads decompressed data into p, crossing block boundaries as needed.
// It returns io.EOF once the stream ends cleanly at a block boundary.
func (r *Reader) Read(p []byte) (int, error) {
	var n int
	for n < len(p) {
		if r.pending || r.pos == len(r.data) {
			if err := r.load(); err != nil {
				if err == io.EOF && n > 0 {
					return n, nil
				}
				return n, err
			}
			continue
		}
		copied := copy(p[n:], r.data[r.pos:])
		r.pos += copied
		n += copied
	}
	return n, nil
}

// load reads blocks until one with unread data is found.  Empty blocks (such
// as interior EOF markers in concatenated files) are skipped.
func (r *Reader) load() error {
	for {
		r.block = r.next
		size, err := r.dec.readBlock(r.r)
		if err != nil {
			r.data, r.pos = nil, 0
			if err == io.EOF {
				r.pending = false
				return io.EOF
			}
			return fmt.Errorf("block at offset %d: %w", r.block, err)
		}
		r.next = r.block + uint64(size)
		r.data, r.pos = r.dec.data, 0

		if r.pending {
			r.pending = false
			if r.skip > len(r.data) {
				return fmt.Errorf("seek to %s: data offset beyond block of %d bytes", NewAddress(r.block, uint16(r.skip)), len(r.data))
			}
			r.pos = r.skip
		}
		if r.pos < len(r.data) {
			return nil
		}
	}
}

// Offset returns the virtual address of the next byte that will be returned
// by Read.  When the current block is exhausted this is the start of the next
// block.
func (r *Reader) Offset() Address {
	if r.pending {
		return NewAddress(r.next, uint16(r.skip))
	}
	if r.pos == len(r.data) {
		return NewAddress(r.next, 0)
	}
	return NewAddress(r.block, uint16(r.pos))
}

// Seek positions the reader at the virtual address a.  The target block is
// not read (or checked) until the next call to Read.
func (r *Reader) Seek(a Address) error {
	if a == r.Offset() {
		return nil
	}
	s, ok := r.r.(io.Seeker)
	if !ok {
		return ErrNotSeekable
	}
	if _, err := s.Seek(int64(a.BlockOffset()), io.SeekStart); err != nil {
		return fmt.Errorf("seeking to block %d: %w", a.BlockOffset(), err)
	}
	r.next = a.BlockOffset()
	r.data, r.pos = nil, 0
	r.pending, r.skip = true, int(a.DataOffset())
	return nil
}

// Close closes the underlying source if it implements io.Closer.
func (r *Reader) Close() error {
	r.data = nil
	if c, ok := r.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
