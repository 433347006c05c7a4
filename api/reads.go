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

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
)

type readsRequest struct {
	indexObjects   []ObjectHandle
	blockSizeLimit uint64
	region         genomics.Region
}

func (req *readsRequest) handle(ctx context.Context) ([]*bgzf.Chunk, error) {
	x, err := readIndex(ctx, req.indexObjects)
	if err != nil {
		return nil, err
	}
	return bgzf.Merge(x.Chunks(req.region), req.blockSizeLimit), nil
}

// readIndex reads the first of objects that can be opened.
func readIndex(ctx context.Context, objects []ObjectHandle) (*index.Index, error) {
	var err error
	for _, object := range objects {
		r, openErr := object.NewRangeReader(ctx, 0, -1)
		if openErr != nil {
			err = openErr
			continue
		}
		defer r.Close()

		x, err := index.Read(r)
		if err != nil {
			return nil, fmt.Errorf("reading index: %w", err)
		}
		return x, nil
	}
	return nil, newStorageError("opening index", err)
}
