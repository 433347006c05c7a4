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

package stream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	key  Key
	name string
}

type collector struct {
	items  []string
	closed bool
	err    error
}

func (c *collector) Write(i item) error {
	c.items = append(c.items, i.name)
	return c.err
}

func (c *collector) Close() error {
	c.closed = true
	return nil
}

func itemKey(i item) Key { return i.key }

func at(ref, pos int32, name string) item {
	return item{Key{ref, pos}, name}
}

func TestReorderer(t *testing.T) {
	var logs bytes.Buffer
	sink := &collector{}
	r := NewReorderer[item](sink, itemKey, 2, diag.NewRun(zerolog.New(&logs)))

	for _, i := range []item{
		at(0, 10, "a"), at(0, 5, "b"), at(0, 7, "c"), at(0, 20, "d"),
		at(0, 15, "e"), at(0, 3, "late"), at(0, 25, "f"),
	} {
		require.NoError(t, r.Write(i))
	}
	assert.Equal(t, []string{"b", "c", "a", "e"}, sink.items)
	assert.False(t, sink.closed)

	require.NoError(t, r.Close())
	assert.Equal(t, []string{"b", "c", "a", "e", "d", "f"}, sink.items)
	assert.True(t, sink.closed)
	assert.Equal(t, 1, r.Dropped())
	assert.Contains(t, logs.String(), "dropping item too far out of order")
}

func TestReorderer_SameKey(t *testing.T) {
	sink := &collector{}
	r := NewReorderer[item](sink, itemKey, 1, diag.Discard())
	for _, i := range []item{
		at(0, 5, "a"), at(0, 5, "b"), at(0, 4, "c"), at(1, 0, "d"), at(0, 5, "e"), at(-1, -1, "unplaced"), at(1, 1, "f"),
	} {
		require.NoError(t, r.Write(i))
	}
	require.NoError(t, r.Close())

	// "c" is earlier than "a" and "b" but arrives while they are still held.
	// "e" arrives after key 0:5 was written, which is not earlier than it.
	assert.Equal(t, []string{"c", "a", "b", "e", "d", "f", "unplaced"}, sink.items)
	assert.Equal(t, 0, r.Dropped())
}

func TestReorderer_SinkError(t *testing.T) {
	failure := errors.New("sink failed")
	sink := &collector{err: failure}
	r := NewReorderer[item](sink, itemKey, 1, diag.Discard())
	require.NoError(t, r.Write(at(0, 1, "a")))
	if err := r.Write(at(0, 2, "b")); err != failure {
		t.Errorf("Write(): got %v, want %v", err, failure)
	}
}

func TestKey_Less(t *testing.T) {
	testCases := []struct {
		a, b Key
		want bool
	}{
		{Key{0, 1}, Key{0, 2}, true},
		{Key{0, 2}, Key{0, 1}, false},
		{Key{0, 5}, Key{1, 0}, true},
		{Key{1, 0}, Key{-1, -1}, true},
		{Key{-1, -1}, Key{1, 0}, false},
		{Key{0, 1}, Key{0, 1}, false},
	}
	for _, tc := range testCases {
		if got := tc.a.Less(tc.b); got != tc.want {
			t.Errorf("%s.Less(%s): got %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
