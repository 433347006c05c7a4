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

// Package merge concatenates indexed BAM files that share a sequence
// dictionary and merges their indexes without re-reading the records.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
)

// ErrDictionaryMismatch is returned when the inputs do not share a sequence
// dictionary.
var ErrDictionaryMismatch = errors.New("sequence dictionaries differ")

// input is one file to concatenate.  Bytes [start, end) of the file are
// copied to the output.
type input struct {
	path       string
	file       *os.File
	dict       *genomics.Dictionary
	index      *index.Index
	start, end int64
}

// Files writes the concatenation of inputs to output and its index to
// output+".bai", and returns the index.  The header of the first input is
// kept.  Each input is indexed from path+".bai" when present and built
// otherwise.
func Files(ctx context.Context, run *diag.Run, output string, inputs []string) (*index.Index, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no inputs")
	}

	for _, path := range inputs {
		if path == output {
			return nil, fmt.Errorf("output %s is also an input", output)
		}
	}

	var opened []*input
	defer func() {
		for _, in := range opened {
			in.file.Close()
		}
	}()
	for i, path := range inputs {
		in, err := open(path, i == 0, i == len(inputs)-1, run)
		if err != nil {
			return nil, err
		}
		opened = append(opened, in)
		if first := opened[0]; !sameSequences(first.dict, in.dict) {
			return nil, fmt.Errorf("%w: %s and %s", ErrDictionaryMismatch, first.path, path)
		}
	}

	parts := make([]index.Part, len(opened))
	var result *index.Index
	err := replace(output, func(out io.Writer) error {
		for i, in := range opened {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := io.Copy(out, io.NewSectionReader(in.file, in.start, in.end-in.start))
			if err != nil {
				return fmt.Errorf("copying %s: %w", in.path, err)
			}
			parts[i] = index.Part{Index: in.index, Skip: uint64(in.start), Size: uint64(n)}
			run.Logger.Debug().Str("path", in.path).Int64("bytes", n).Msg("appended input")
		}
		return nil
	}, func() error {
		merged, err := index.Merge(parts)
		if err != nil {
			return err
		}
		result = merged
		return replace(output+".bai", merged.Write, nil)
	})
	if err != nil {
		return nil, err
	}
	run.Logger.Info().Str("output", output).Int("inputs", len(inputs)).Msg("merged")
	return result, nil
}

// replace writes path through a temporary file in the same directory.  When
// both write and then (if not nil) succeed the temporary file is renamed to
// path; otherwise it is removed and path is left untouched.
func replace(path string, write func(io.Writer) error, then func() error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if err := write(f); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if then != nil {
		if err := then(); err != nil {
			return err
		}
	}
	return os.Rename(f.Name(), path)
}

func open(path string, first, last bool, run *diag.Run) (*input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	in := &input{path: path, file: f}
	if err := in.load(first, last, run); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return in, nil
}

func (in *input) load(first, last bool, run *diag.Run) error {
	info, err := in.file.Stat()
	if err != nil {
		return err
	}
	in.end = info.Size()

	r, err := bam.NewReader(io.NewSectionReader(in.file, 0, in.end))
	if err != nil {
		return err
	}
	r.Path = in.path
	in.dict = r.Header().Dictionary()
	headerEnd := r.Offset()
	if headerEnd.DataOffset() != 0 {
		return fmt.Errorf("header does not end at a block boundary (%s)", headerEnd)
	}
	if !first {
		in.start = int64(headerEnd.BlockOffset())
	}

	if !last {
		tail := make([]byte, len(bgzf.EOFMarker))
		if in.end >= int64(len(tail)) {
			if _, err := in.file.ReadAt(tail, in.end-int64(len(tail))); err != nil {
				return fmt.Errorf("reading end of file: %w", err)
			}
			if bytes.Equal(tail, bgzf.EOFMarker) {
				in.end -= int64(len(tail))
			}
		}
	}

	in.index, err = loadIndex(in.path, in.dict, r, run)
	return err
}

// loadIndex reads the index next to path, or builds one from r.
func loadIndex(path string, dict *genomics.Dictionary, r *bam.Reader, run *diag.Run) (*index.Index, error) {
	f, err := os.Open(path + ".bai")
	if errors.Is(err, os.ErrNotExist) {
		run.Logger.Info().Str("path", path).Msg("no index found, building one")
		return index.Build(r)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return index.ReadWithDictionary(f, dict)
}

func sameSequences(a, b *genomics.Dictionary) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i, s := range a.Sequences() {
		if b.Sequences()[i] != s {
			return false
		}
	}
	return true
}
