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

// Writer compresses data into BGZF blocks.  Data is buffered until a full
// block is available or Flush is called.
type Writer struct {
	w         io.Writer
	enc       encoder
	blockSize int
	buf       []byte
	written   uint64
	closed    bool
}

// NewWriter returns a Writer that emits blocks of DefaultBlockSize bytes.
func NewWriter(w io.Writer) *Writer {
	bw, _ := NewWriterSize(w, DefaultBlockSize)
	return bw
}

// NewWriterSize returns a Writer that emits blocks holding at most blockSize
// bytes of uncompressed data.
func NewWriterSize(w io.Writer, blockSize int) (*Writer, error) {
	if blockSize <= 0 || blockSize >= MaximumBlockSize {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	return &Writer{
		w:         w,
		blockSize: blockSize,
		buf:       make([]byte, 0, blockSize),
	}, nil
}

// Write buffers p, emitting a block each time the buffer fills up.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("bgzf: write to closed writer")
	}
	var n int
	for len(p) > 0 {
		count := w.blockSize - len(w.buf)
		if count > len(p) {
			count = len(p)
		}
		w.buf = append(w.buf, p[:count]...)
		p, n = p[count:], n+count
		if len(w.buf) == w.blockSize {
			if err := w.Flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush writes any buffered data as a block.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	counter := countingWriter{w: w.w}
	if err := w.enc.writeBlock(&counter, w.buf); err != nil {
		return err
	}
	w.written += uint64(counter.n)
	w.buf = w.buf[:0]
	return nil
}

// Offset returns the virtual address at which the next byte written will be
// found once the stream is decoded.
func (w *Writer) Offset() Address {
	return NewAddress(w.written, uint16(len(w.buf)))
}

// Size returns the number of compressed bytes written so far.
func (w *Writer) Size() uint64 {
	return w.written
}

// Close flushes buffered data and terminates the stream with the EOF marker.
// The underlying writer is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	w.closed = true
	n, err := w.w.Write(EOFMarker)
	w.written += uint64(n)
	return err
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
