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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/filter"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
	"github.com/googlegenomics/alignstore/internal/pipeline"
	"github.com/googlegenomics/alignstore/internal/query"
	"github.com/googlegenomics/alignstore/internal/stream"
	"github.com/spf13/cobra"
)

func newViewCommand(a *app) *cobra.Command {
	var header bool
	cmd := &cobra.Command{
		Use:   "view <file.bam>",
		Short: "Print the records of a BAM file that pass the filters as text",
		Example: `  alignstore view sample.bam -r chr20:1,000,000-1,100,000
  alignstore view sample.bam --regions targets.bed --min-mapq 20 --exclude-duplicates
  alignstore view sample.bam --subsample 0.1 --seed 7 --consumers 4 --window 1000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := bufio.NewWriter(cmd.OutOrStdout())
			stats, err := a.read(cmd, args[0], func(h *bam.Header) stream.Sink[*bam.Record] {
				if header {
					io.WriteString(out, h.Text)
				}
				return &textSink{w: out, dict: h.Dictionary()}
			})
			if err != nil {
				return err
			}
			a.run.Logger.Info().Stringer("stats", stats).Msg("done")
			return nil
		},
	}
	a.cfg.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVarP(&header, "header", "H", false, "print the header text before the records")
	return cmd
}

func newCountCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count <file.bam>",
		Short: "Count the records of a BAM file seen and rejected at each filter stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.read(cmd, args[0], func(*bam.Header) stream.Sink[*bam.Record] {
				return pipeline.Discard{}
			})
			if err != nil {
				return err
			}
			printCounts(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	a.cfg.RegisterFlags(cmd.Flags())
	return cmd
}

// read runs the records of path selected by the configuration through the
// filter pipeline into the sink returned by newSink.
func (a *app) read(cmd *cobra.Command, path string, newSink func(*bam.Header) stream.Sink[*bam.Record]) (*pipeline.Stats, error) {
	params, err := a.cfg.FilterParams()
	if err != nil {
		return nil, err
	}

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
	defer r.Close()

	var src bam.Source = r
	if a.cfg.Restricted() {
		dict := r.Header().Dictionary()
		ranges, err := a.cfg.Ranges(dict, a.run)
		if err != nil {
			return nil, err
		}
		x, err := a.loadIndex(path, dict)
		if err != nil {
			return nil, err
		}
		it, err := query.Open(r, x, ranges, a.run)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		src = it
	}
	skip := bam.NewSkipInvalid(src, a.run)

	stats, err := pipeline.Run(cmd.Context(), a.run, skip, filter.NewPipeline(params), a.cfg.PipelineOptions(), newSink(r.Header()))
	if err != nil {
		return nil, err
	}
	if stats.Invalid > 0 {
		a.run.Logger.Warn().Int64("invalid", stats.Invalid).Int64("total", skip.Total()).Msg("skipped invalid records")
	}
	return stats, nil
}

// loadIndex reads the index of path, building it in memory when there is
// no index file.
func (a *app) loadIndex(path string, dict *genomics.Dictionary) (*index.Index, error) {
	f, err := os.Open(path + ".bai")
	if errors.Is(err, os.ErrNotExist) {
		a.run.WarnOnce("no-index").Str("path", path).Msg("no index file, building one in memory")
		return buildIndex(path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	x, err := index.ReadWithDictionary(f, dict)
	if err != nil {
		return nil, fmt.Errorf("%s.bai: %w", path, err)
	}
	return x, nil
}

// textSink writes records as SAM text lines.
type textSink struct {
	w    *bufio.Writer
	dict *genomics.Dictionary
}

func (s *textSink) Write(rec *bam.Record) error {
	_, err := s.w.WriteString(formatRecord(rec, s.dict) + "\n")
	return err
}

func (s *textSink) Close() error {
	return s.w.Flush()
}

func referenceName(dict *genomics.Dictionary, id int32) string {
	if id < 0 || int(id) >= dict.Len() {
		return "*"
	}
	return dict.Sequence(id).Name
}

// formatRecord returns the SAM text form of rec without optional fields.
func formatRecord(rec *bam.Record, dict *genomics.Dictionary) string {
	mateRef := referenceName(dict, rec.MateRefID())
	if rec.MateRefID() >= 0 && rec.MateRefID() == rec.RefID() {
		mateRef = "="
	}
	return strings.Join([]string{
		rec.Name(),
		strconv.Itoa(int(rec.Flags())),
		referenceName(dict, rec.RefID()),
		strconv.Itoa(int(rec.Pos()) + 1),
		strconv.Itoa(int(rec.MapQ())),
		rec.CigarString(),
		mateRef,
		strconv.Itoa(int(rec.MatePos()) + 1),
		strconv.Itoa(int(rec.TemplateLength())),
		rec.Sequence(),
		rec.Quality(),
	}, "\t")
}

func printCounts(w io.Writer, stats *pipeline.Stats) {
	c := stats.Filter
	fmt.Fprintf(w, "%-24s %12d\n", "invalid", stats.Invalid)
	fmt.Fprintf(w, "%-24s %12d\n", "seen", c.Seen)
	for s, n := range c.Rejected {
		fmt.Fprintf(w, "%-24s %12d\n", "rejected "+filter.Stage(s).String(), n)
	}
	fmt.Fprintf(w, "%-24s %12d\n", "accepted", c.Accepted)
	fmt.Fprintf(w, "%-24s %12d\n", "written", stats.Written)
	fmt.Fprintf(w, "%-24s %12d\n", "double-fetched", stats.DoubleFetched)
}
