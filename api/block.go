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

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/googlegenomics/alignstore/bgzf"
)

// blockRequest serves the bytes of a chunk as a self-contained BGZF stream.
// Partial blocks at either end are recompressed and whole blocks between
// them are copied as stored.
type blockRequest struct {
	object ObjectHandle
	chunk  bgzf.Chunk
}

func (req *blockRequest) handle(ctx context.Context) (io.ReadCloser, error) {
	start, end := req.chunk.Start, req.chunk.End
	if end < start {
		return nil, newInvalidInputError("checking chunk", fmt.Errorf("%s ends before it starts", &req.chunk))
	}
	head, tail := int64(start.BlockOffset()), int64(end.BlockOffset())

	if head == tail {
		encoded, _, err := req.slice(ctx, head, int(start.DataOffset()), int(end.DataOffset()))
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(encoded)), nil
	}

	out := &chunkReader{}
	if start.DataOffset() != 0 {
		encoded, length, err := req.slice(ctx, head, int(start.DataOffset()), -1)
		if err != nil {
			return nil, err
		}
		head += int64(length)
		out.parts = append(out.parts, bytes.NewReader(encoded))
	}

	if tail > head {
		body, err := req.object.NewRangeReader(ctx, head, tail-head)
		if err != nil {
			return nil, newStorageError("opening body blocks", err)
		}
		out.parts = append(out.parts, body)
		out.closers = append(out.closers, body)
	}

	if end.DataOffset() != 0 {
		encoded, _, err := req.slice(ctx, tail, 0, int(end.DataOffset()))
		if err != nil {
			out.Close()
			return nil, err
		}
		out.parts = append(out.parts, bytes.NewReader(encoded))
	}

	out.Reader = io.MultiReader(out.parts...)
	return out, nil
}

// slice recompresses bytes [from, to) of the block stored at offset, where a
// negative to keeps the rest of the block.  The compressed size of the
// stored block is returned with the new block.
func (req *blockRequest) slice(ctx context.Context, offset int64, from, to int) ([]byte, int, error) {
	r, err := req.object.NewRangeReader(ctx, offset, bgzf.MaximumBlockSize)
	if err != nil {
		return nil, 0, newStorageError(fmt.Sprintf("opening block at %d", offset), err)
	}
	defer r.Close()

	decoded, length, err := bgzf.DecodeBlock(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding block at %d: %w", offset, err)
	}
	if to < 0 {
		to = len(decoded)
	}
	if from > to || to > len(decoded) {
		return nil, 0, newInvalidInputError("checking chunk", fmt.Errorf("%s: bytes [%d, %d) outside block of %d bytes", &req.chunk, from, to, len(decoded)))
	}

	encoded, err := bgzf.EncodeBlock(decoded[from:to])
	if err != nil {
		return nil, 0, fmt.Errorf("encoding block at %d: %w", offset, err)
	}
	return encoded, length, nil
}

// chunkReader reads the parts of a chunk in order and closes the range
// readers among them.
type chunkReader struct {
	io.Reader

	parts   []io.Reader
	closers []io.Closer
}

func (c *chunkReader) Close() error {
	var err error
	for _, closer := range c.closers {
		err = errors.Join(err, closer.Close())
	}
	return err
}
