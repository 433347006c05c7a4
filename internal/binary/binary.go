// Copyright 2018 Google Inc.
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

// Package binary provides support for operating on binary data.
package binary

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMagic is returned (wrapped) by ExpectBytes when the input does not start
// with the expected bytes.
var ErrMagic = errors.New("wrong magic")

// ExpectBytes reads len(want) bytes from r and checks that they match want.
func ExpectBytes(r io.Reader, want []byte) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("reading magic: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w %q (wanted %q)", ErrMagic, got, want)
	}
	return nil
}

// Read reads a little endian value from r into v using binary.Read.
func Read(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.LittleEndian, v)
}

// Write writes v to w in little endian byte order using binary.Write.
func Write(w io.Writer, v interface{}) error {
	return binary.Write(w, binary.LittleEndian, v)
}

// Writer writes a sequence of little endian values, remembering the first
// error so that callers can check once at the end.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes each of values in order.  Nothing is written after an error.
func (w *Writer) Write(values ...interface{}) {
	for _, v := range values {
		if w.err != nil {
			return
		}
		w.err = Write(w.w, v)
	}
}

// Err returns the first error encountered by w.
func (w *Writer) Err() error {
	return w.err
}
