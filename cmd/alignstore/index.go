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

package main

import (
	"fmt"
	"os"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/index"
	"github.com/googlegenomics/alignstore/internal/merge"
	"github.com/spf13/cobra"
)

func newIndexCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "index <file.bam>",
		Short: "Build the BAI index of a coordinate-sorted BAM file",
		Example: `  alignstore index sample.bam
  alignstore index sample.bam -o sample.bai`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if output == "" {
				output = path + ".bai"
			}
			x, err := buildIndex(path)
			if err != nil {
				return err
			}
			if err := writeIndex(output, x); err != nil {
				return err
			}
			a.run.Logger.Info().
				Str("path", path).
				Str("index", output).
				Int("references", len(x.References)).
				Uint64("unplaced", x.NoCoordinate).
				Msg("indexed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "index file (default <file.bam>.bai)")
	return cmd
}

func newMergeCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "merge -o <out.bam> <in.bam>...",
		Short: "Concatenate BAM files sharing a sequence dictionary and merge their indexes",
		Long: `Concatenate BAM files sharing a sequence dictionary and merge their indexes.

The inputs must be given in coordinate order, so that every record of one
input sorts before the records of the next.  The index of each input is read
from <in.bam>.bai or built when missing.  The merged index is written to
<out.bam>.bai.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("an output file is required (-o)")
			}
			_, err := merge.Files(cmd.Context(), a.run, output, args)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output BAM file")
	return cmd
}

func buildIndex(path string) (*index.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := bam.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Path = path
	x, err := index.Build(r)
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", path, err)
	}
	return x, nil
}

func writeIndex(path string, x *index.Index) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := x.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
