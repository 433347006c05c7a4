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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Client is an interface to the storage engine.
type Client interface {
	// NewObjectHandle returns a handle to a specified object in
	// the storage engine.
	NewObjectHandle(bucket, object string) ObjectHandle
}

// ObjectHandle is an interface to the actual storage engine in use.
type ObjectHandle interface {
	// NewRangeReader returns a reader that reads from a specified
	// range. Length of -1 means to capture everything until the
	// end.
	NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error)
}

// FileClient is a Client that serves objects from a local directory.  Each
// bucket is a subdirectory of the root.
type FileClient struct {
	Root string
}

// NewObjectHandle returns a handle to the file holding object in bucket.
func (c FileClient) NewObjectHandle(bucket, object string) ObjectHandle {
	return fileObjectHandle{c.Root, bucket, object}
}

type fileObjectHandle struct {
	root, bucket, object string
}

func (h fileObjectHandle) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if !filepath.IsLocal(h.bucket) || !filepath.IsLocal(h.object) {
		return nil, fmt.Errorf("object %s/%s: %w", h.bucket, h.object, os.ErrNotExist)
	}
	f, err := os.Open(filepath.Join(h.root, h.bucket, h.object))
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if length < 0 {
		return f, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, length), f}, nil
}

// objectReader reads an object sequentially from offset and supports Seek by
// reopening the object at the new position on the next Read.
type objectReader struct {
	ctx    context.Context
	object ObjectHandle
	offset int64
	r      io.ReadCloser
}

func (o *objectReader) Read(p []byte) (int, error) {
	if o.r == nil {
		r, err := o.object.NewRangeReader(o.ctx, o.offset, -1)
		if err != nil {
			return 0, newStorageError("opening data", err)
		}
		o.r = r
	}
	n, err := o.r.Read(p)
	o.offset += int64(n)
	return n, err
}

func (o *objectReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += o.offset
	default:
		return o.offset, fmt.Errorf("unsupported seek whence %d", whence)
	}
	if offset < 0 {
		return o.offset, fmt.Errorf("negative seek offset %d", offset)
	}
	if offset != o.offset {
		if err := o.Close(); err != nil {
			return o.offset, err
		}
		o.offset = offset
	}
	return offset, nil
}

func (o *objectReader) Close() error {
	if o.r == nil {
		return nil
	}
	err := o.r.Close()
	o.r = nil
	return err
}
