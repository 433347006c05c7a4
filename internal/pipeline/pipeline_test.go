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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/bam/bamtest"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/filter"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeader = bamtest.Header(
	genomics.Sequence{Name: "A", Length: 10000},
	genomics.Sequence{Name: "B", Length: 20000},
)

// testReader returns a reader over tiled records where every third record
// has a low mapping quality.
func testReader(t *testing.T) (*bam.Reader, int) {
	t.Helper()
	records := bamtest.Tiled(testHeader, 10, 50)
	for i := range records {
		if i%3 == 0 {
			records[i].MapQ = 5
		}
	}
	data, err := bamtest.Write(testHeader, 1000, records)
	require.NoError(t, err)
	r, err := bam.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	return r, len(records)
}

func newFilter(t *testing.T, minMapQ int) *filter.Pipeline {
	t.Helper()
	o := filter.DefaultOptions()
	o.MinMapQ = minMapQ
	params, err := filter.NewParams(o)
	require.NoError(t, err)
	return filter.NewPipeline(params)
}

func TestRun_SingleConsumer(t *testing.T) {
	r, total := testReader(t)
	sink := &Collect{}
	stats, err := Run(context.Background(), diag.Discard(), r, newFilter(t, 30), Options{QueueSize: 4}, sink)
	require.NoError(t, err)

	want := total - (total+2)/3
	assert.Len(t, sink.Records, want)
	assert.Equal(t, uint64(want), stats.Written)
	assert.Equal(t, uint64(total), stats.Filter.Seen)
	assert.Equal(t, uint64((total+2)/3), stats.Filter.Rejected[filter.StageMapQ])
	assert.Equal(t, 0, stats.Dropped)
	for i := 1; i < len(sink.Records); i++ {
		if stream.RecordKey(sink.Records[i]).Less(stream.RecordKey(sink.Records[i-1])) {
			t.Fatalf("record %d (%s) out of order", i, sink.Records[i].Name())
		}
	}
}

func TestRun_ConcurrentConsumersReordered(t *testing.T) {
	r, total := testReader(t)
	sink := &Collect{}
	stats, err := Run(context.Background(), diag.Discard(), r, newFilter(t, -1), Options{Consumers: 4, QueueSize: 8, Window: 64}, sink)
	require.NoError(t, err)

	assert.Equal(t, uint64(total), stats.Filter.Accepted)
	assert.Equal(t, uint64(total), stats.Written+uint64(stats.Dropped))
	assert.Len(t, sink.Records, int(stats.Written))
	for i := 1; i < len(sink.Records); i++ {
		if stream.RecordKey(sink.Records[i]).Less(stream.RecordKey(sink.Records[i-1])) {
			t.Fatalf("record %d (%s) out of order", i, sink.Records[i].Name())
		}
	}
}

type failingSink struct {
	writes int
	closed bool
}

var errSink = errors.New("sink failed")

func (s *failingSink) Write(*bam.Record) error {
	s.writes++
	if s.writes == 10 {
		return errSink
	}
	return nil
}

func (s *failingSink) Close() error {
	s.closed = true
	return nil
}

func TestRun_SinkFailure(t *testing.T) {
	r, _ := testReader(t)
	sink := &failingSink{}
	_, err := Run(context.Background(), diag.Discard(), r, newFilter(t, -1), Options{Consumers: 2, QueueSize: 2}, sink)
	if !errors.Is(err, errSink) {
		t.Errorf("Run(): got %v, want %v", err, errSink)
	}
	assert.True(t, sink.closed, "sink should be closed after a failure")
}

func TestRun_Cancelled(t *testing.T) {
	r, _ := testReader(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, diag.Discard(), r, newFilter(t, -1), Options{}, Discard{})
	if !errors.Is(err, stream.ErrAborted) {
		t.Errorf("Run(): got %v, want %v", err, stream.ErrAborted)
	}
}

// refetchingSource reports a fixed double-fetch count.
type refetchingSource struct {
	bam.Source
	refetched int
}

func (s *refetchingSource) DoubleFetched() int { return s.refetched }

func TestRun_SourceCounts(t *testing.T) {
	var records []bam.Fields
	for i := 0; i < 12; i++ {
		f := bamtest.Mapped(fmt.Sprintf("r%d", i), 0, int32(10*i), 4)
		if i%4 == 0 {
			f.Cigar = []bam.CigarOp{bam.NewCigarOp('M', 5)}
		}
		records = append(records, f)
	}
	data, err := bamtest.Write(testHeader, 1000, records)
	require.NoError(t, err)

	tests := []struct {
		name              string
		wrap              func(bam.Source) bam.Source
		wantInvalid       int64
		wantDoubleFetched int
		wantSeen          uint64
	}{
		{
			name:     "plain reader",
			wrap:     func(src bam.Source) bam.Source { return src },
			wantSeen: 12,
		},
		{
			name: "skip invalid",
			wrap: func(src bam.Source) bam.Source {
				return bam.NewSkipInvalid(src, diag.Discard())
			},
			wantInvalid: 3,
			wantSeen:    9,
		},
		{
			name: "skip invalid over query",
			wrap: func(src bam.Source) bam.Source {
				return bam.NewSkipInvalid(&refetchingSource{Source: src, refetched: 7}, diag.Discard())
			},
			wantInvalid:       3,
			wantDoubleFetched: 7,
			wantSeen:          9,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := bam.NewReader(bytes.NewReader(data))
			require.NoError(t, err)
			stats, err := Run(context.Background(), diag.Discard(), tc.wrap(r), newFilter(t, -1), Options{}, Discard{})
			require.NoError(t, err)
			assert.Equal(t, tc.wantInvalid, stats.Invalid)
			assert.Equal(t, tc.wantDoubleFetched, stats.DoubleFetched)
			assert.Equal(t, tc.wantSeen, stats.Filter.Seen)
			assert.Equal(t, tc.wantSeen, stats.Written)
		})
	}
}
