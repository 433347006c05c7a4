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

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/filter"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
	"github.com/googlegenomics/alignstore/internal/pipeline"
	"github.com/googlegenomics/alignstore/internal/query"
)

// parseFilter builds filter parameters from the query parameters minMapQ,
// requireSet, requireUnset, excludeDuplicates, excludeUnmapped, subsample
// and seed.
func parseFilter(query url.Values) (*filter.Params, error) {
	o := filter.DefaultOptions()
	if v := query.Get("minMapQ"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("parsing minMapQ: %w", err)
		}
		o.MinMapQ = int(n)
	}
	for _, flag := range []struct {
		name string
		dst  *bam.Flags
	}{
		{"requireSet", &o.RequireSet},
		{"requireUnset", &o.RequireUnset},
	} {
		if v := query.Get(flag.name); v != "" {
			n, err := strconv.ParseUint(v, 0, 16)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", flag.name, err)
			}
			*flag.dst = bam.Flags(n)
		}
	}
	for _, flag := range []struct {
		name string
		dst  *bool
	}{
		{"excludeDuplicates", &o.ExcludeDuplicates},
		{"excludeUnmapped", &o.ExcludeUnmapped},
	} {
		if v := query.Get(flag.name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", flag.name, err)
			}
			*flag.dst = b
		}
	}
	if v := query.Get("subsample"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing subsample: %w", err)
		}
		o.SubsampleFraction = f
	}
	if v := query.Get("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing seed: %w", err)
		}
		o.SubsampleSeed = n
	}
	return filter.NewParams(o)
}

// parseRanges returns the ranges named by the query.  The htsget parameters
// referenceName, start and end select a single zero-based region; region
// may be repeated with restrictions such as chr1:100-200.  Without either,
// every placed record is selected.
func parseRanges(query url.Values, dict *genomics.Dictionary, run *diag.Run) (*genomics.Ranges, error) {
	name := query.Get("referenceName")
	if name == "" && (query.Get("start") != "" || query.Get("end") != "") {
		return nil, errMissingReferenceName
	}
	if name == "" && len(query["region"]) == 0 {
		return genomics.Unrestricted(dict), nil
	}

	ranges, err := genomics.ParseRanges(dict, query["region"], run)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return ranges, nil
	}

	id, ok := dict.ID(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", genomics.ErrUnknownSequence, name)
	}
	region := genomics.Region{ReferenceID: id, End: dict.Sequence(id).Length}
	if v := query.Get("start"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing start: %w", err)
		}
		region.Start = uint32(n)
	}
	if v := query.Get("end"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing end: %w", err)
		}
		region.End = uint32(n)
	}
	if region.End != 0 && region.Start > region.End {
		return nil, newInvalidRangeError(fmt.Errorf("%s: start > end", region))
	}
	ranges.Add(region)
	return ranges, nil
}

type recordsRequest struct {
	name         string
	data         ObjectHandle
	indexObjects []ObjectHandle
	query        url.Values
	params       *filter.Params
	run          *diag.Run

	// Set once the response status has been written.
	started bool
}

func (req *recordsRequest) handle(ctx context.Context, w http.ResponseWriter) (*pipeline.Stats, error) {
	source := &objectReader{ctx: ctx, object: req.data}
	r, err := bam.NewReader(source)
	if err != nil {
		source.Close()
		return nil, newStorageError("reading header", err)
	}
	defer r.Close()
	r.Path = req.name

	dict := r.Header().Dictionary()
	ranges, err := parseRanges(req.query, dict, req.run)
	if err != nil {
		return nil, newInvalidInputError("parsing region", err)
	}

	x, err := readIndex(ctx, req.indexObjects)
	if err != nil {
		return nil, err
	}
	if got, want := len(x.References), dict.Len(); got != want {
		return nil, fmt.Errorf("%w: index has %d, dictionary has %d", index.ErrReferenceCount, got, want)
	}

	it, err := query.Open(r, x, ranges, req.run)
	if err != nil {
		return nil, fmt.Errorf("opening iterator: %w", err)
	}
	defer it.Close()

	w.Header().Add("Content-type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	req.started = true

	sink := &jsonSink{w: bufio.NewWriter(w), dict: dict}
	return pipeline.Run(ctx, req.run, it, filter.NewPipeline(req.params), pipeline.Options{Consumers: 1}, sink)
}

// Record is the JSON form of an alignment record.  Positions are 1-based.
type Record struct {
	Name           string                 `json:"name"`
	Flags          uint16                 `json:"flag"`
	Reference      string                 `json:"referenceName,omitempty"`
	Position       int32                  `json:"position,omitempty"`
	MapQ           uint8                  `json:"mappingQuality"`
	Cigar          string                 `json:"cigar,omitempty"`
	MateReference  string                 `json:"mateReferenceName,omitempty"`
	MatePosition   int32                  `json:"matePosition,omitempty"`
	TemplateLength int32                  `json:"templateLength"`
	Sequence       string                 `json:"sequence,omitempty"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
}

func newRecord(rec *bam.Record, dict *genomics.Dictionary) (*Record, error) {
	out := &Record{
		Name:           rec.Name(),
		Flags:          uint16(rec.Flags()),
		MapQ:           rec.MapQ(),
		TemplateLength: rec.TemplateLength(),
		Sequence:       rec.Sequence(),
	}
	if rec.NumCigarOps() > 0 {
		out.Cigar = rec.CigarString()
	}
	if id := rec.RefID(); id >= 0 && int(id) < dict.Len() {
		out.Reference = dict.Sequence(id).Name
		out.Position = rec.Pos() + 1
	}
	if id := rec.MateRefID(); id >= 0 && int(id) < dict.Len() {
		out.MateReference = dict.Sequence(id).Name
		out.MatePosition = rec.MatePos() + 1
	}
	attributes, err := rec.Attributes()
	if err != nil {
		return nil, err
	}
	if len(attributes) > 0 {
		out.Attributes = make(map[string]interface{}, len(attributes))
		for _, a := range attributes {
			if c, ok := a.Value.(bam.Char); ok {
				out.Attributes[a.Tag] = string(rune(c))
				continue
			}
			out.Attributes[a.Tag] = a.Value
		}
	}
	return out, nil
}

// jsonSink writes records as newline-delimited JSON.
type jsonSink struct {
	w    *bufio.Writer
	dict *genomics.Dictionary
}

func (s *jsonSink) Write(rec *bam.Record) error {
	out, err := newRecord(rec, s.dict)
	if err != nil {
		return err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", out.Name, err)
	}
	s.w.Write(b)
	return s.w.WriteByte('\n')
}

func (s *jsonSink) Close() error {
	return s.w.Flush()
}
