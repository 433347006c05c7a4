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

package index

import (
	"errors"
	"fmt"
	"io"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/binary"
	"github.com/googlegenomics/alignstore/internal/genomics"
)

// Sanity limits for counts read from index data.
const (
	maximumBins      = 1<<15 + 1
	maximumChunks    = 1 << 24
	maximumIntervals = maximumReadLength >> linearWindowShift
)

// Read reads a BAI index from r.
func Read(r io.Reader) (*Index, error) {
	if err := binary.ExpectBytes(r, []byte(baiMagic)); err != nil {
		if errors.Is(err, binary.ErrMagic) {
			return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
		}
		return nil, fmt.Errorf("reading magic: %w", err)
	}

	var references int32
	if err := readValue(r, &references); err != nil {
		return nil, fmt.Errorf("reading reference count: %w", err)
	}
	if references < 0 {
		return nil, fmt.Errorf("invalid reference count (%d references)", references)
	}

	index := &Index{}
	for i := int32(0); i < references; i++ {
		ref, err := readReference(r)
		if err != nil {
			return nil, fmt.Errorf("reference %d: %w", i, err)
		}
		index.References = append(index.References, ref)
	}

	if err := binary.Read(r, &index.NoCoordinate); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading unplaced record count: %w", err)
	}
	return index, nil
}

// readValue is binary.Read for values that must be present.
func readValue(r io.Reader, v interface{}) error {
	if err := binary.Read(r, v); err != io.EOF {
		return err
	}
	return io.ErrUnexpectedEOF
}

func readReference(r io.Reader) (*Reference, error) {
	var binCount int32
	if err := readValue(r, &binCount); err != nil {
		return nil, fmt.Errorf("reading bin count: %w", err)
	}
	if binCount < 0 || binCount > maximumBins {
		return nil, fmt.Errorf("invalid bin count (%d bins)", binCount)
	}

	ref := newReference()
	for j := int32(0); j < binCount; j++ {
		var bin struct {
			ID     uint32
			Chunks int32
		}
		if err := readValue(r, &bin); err != nil {
			return nil, fmt.Errorf("reading bin header: %w", err)
		}
		if bin.Chunks < 0 || bin.Chunks > maximumChunks {
			return nil, fmt.Errorf("invalid chunk count (%d chunks in bin %d)", bin.Chunks, bin.ID)
		}
		chunks := make([]bgzf.Chunk, bin.Chunks)
		if err := readValue(r, chunks); err != nil {
			return nil, fmt.Errorf("reading chunks of bin %d: %w", bin.ID, err)
		}
		if bin.ID == metadataID {
			if len(chunks) != 2 {
				return nil, fmt.Errorf("invalid metadata bin (%d chunks)", len(chunks))
			}
			ref.Stats = &Stats{
				Start:    chunks[0].Start,
				End:      chunks[0].End,
				Mapped:   uint64(chunks[1].Start),
				Unmapped: uint64(chunks[1].End),
			}
			continue
		}
		ref.Bins[bin.ID] = append(ref.Bins[bin.ID], chunks...)
	}

	var intervals int32
	if err := readValue(r, &intervals); err != nil {
		return nil, fmt.Errorf("reading interval count: %w", err)
	}
	if intervals < 0 || intervals > maximumIntervals {
		return nil, fmt.Errorf("invalid interval count (%d intervals)", intervals)
	}
	if intervals > 0 {
		ref.Linear = make([]bgzf.Address, intervals)
		if err := readValue(r, ref.Linear); err != nil {
			return nil, fmt.Errorf("reading offsets: %w", err)
		}
	}
	return ref, nil
}

// ReadWithDictionary reads a BAI index from r and checks that it describes
// the same number of references as dict.
func ReadWithDictionary(r io.Reader, dict *genomics.Dictionary) (*Index, error) {
	index, err := Read(r)
	if err != nil {
		return nil, err
	}
	if got, want := len(index.References), dict.Len(); got != want {
		return nil, fmt.Errorf("%w: index has %d, dictionary has %d", ErrReferenceCount, got, want)
	}
	return index, nil
}

// Write writes the index to w in BAI format.  Bins are written in increasing
// order with the metadata bin last.
func (x *Index) Write(w io.Writer) error {
	bw := binary.NewWriter(w)
	bw.Write([]byte(baiMagic), int32(len(x.References)))
	for _, ref := range x.References {
		bins := ref.sortedBins()
		count := len(bins)
		if ref.Stats != nil {
			count++
		}
		bw.Write(int32(count))
		for _, id := range bins {
			bw.Write(id, int32(len(ref.Bins[id])), ref.Bins[id])
		}
		if s := ref.Stats; s != nil {
			bw.Write(uint32(metadataID), int32(2), s.Start, s.End, s.Mapped, s.Unmapped)
		}
		bw.Write(int32(len(ref.Linear)), ref.Linear)
	}
	bw.Write(x.NoCoordinate)
	return bw.Err()
}
