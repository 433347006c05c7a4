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

package bam

import (
	"bytes"
	"testing"

	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/genomics"
)

func encodedHeader(t *testing.T, h *Header) []byte {
	t.Helper()
	var raw bytes.Buffer
	if err := h.Write(&raw); err != nil {
		t.Fatalf("Header.Write() failed: %v", err)
	}
	block, err := bgzf.EncodeBlock(raw.Bytes())
	if err != nil {
		t.Fatalf("EncodeBlock() failed: %v", err)
	}
	return block
}

func TestGetReferenceID_Success(t *testing.T) {
	var references []genomics.Sequence
	for _, name := range []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10",
		"11", "12", "13", "14", "15", "16", "17", "18", "19", "20", "GL000249.1"} {
		references = append(references, genomics.Sequence{Name: name, Length: 1000})
	}
	input := encodedHeader(t, &Header{Text: "@HD\tVN:1.6\n", References: references})

	testCases := []struct {
		name string
		id   int32
	}{
		{"1", 0},
		{"20", 19},
		{"GL000249.1", 20},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if id, err := GetReferenceID(bytes.NewReader(input), tc.name); err != nil {
				t.Fatalf("GetReferenceID() returned error: %v", err)
			} else if id != tc.id {
				t.Fatalf("Wrong reference ID: got %d, want %d", id, tc.id)
			}
		})
	}
}

func TestHeader_DictionaryAliases(t *testing.T) {
	h := &Header{
		Text: "@HD\tVN:1.6\n" +
			"@SQ\tSN:r0\tLN:100\tAN:r0a0\n" +
			"@CO\tAN:comment\n" +
			"@SQ\tSN:r1\tLN:100\tAN:r1a0,r1a1\tM5:0123\n" +
			"@SQ\tSN:r2\tLN:100\tAN:r0\n",
		References: []genomics.Sequence{{Name: "r0", Length: 100}, {Name: "r1", Length: 100}, {Name: "r2", Length: 100}},
	}
	dict := h.Dictionary()

	want := map[string]int32{"r0": 0, "r0a0": 0, "r1": 1, "r1a0": 1, "r1a1": 1, "r2": 2}
	for name, id := range want {
		if got, ok := dict.ID(name); !ok || got != id {
			t.Errorf("ID(%q): got %d, %v, want %d", name, got, ok, id)
		}
	}
	if _, ok := dict.ID("comment"); ok {
		t.Error(`ID("comment"): an AN tag outside an @SQ line was used`)
	}

	input := encodedHeader(t, h)
	if id, err := GetReferenceID(bytes.NewReader(input), "r1a1"); err != nil || id != 1 {
		t.Errorf("GetReferenceID(r1a1): got %d, %v, want 1", id, err)
	}
}

func TestGetReferenceID_Errors(t *testing.T) {
	testCases := []struct {
		name      string
		reference string
		data      []byte
	}{
		{"zero-length", "", nil},
		{"wrong magic", "T", []byte{
			'B', 'A', 'M', 2,
			0, 0, 0, 0,
			1, 0, 0, 0,
			1, 0, 0, 0,
			'T', 0,
			0, 0, 0, 0,
		}},
		{"truncated before header length", "", []byte{'B', 'A', 'M', 1}},
		{"truncated header", "", []byte{'B', 'A', 'M', 1, 1, 0, 0, 0}},
		{"truncated before reference count", "",
			[]byte{'B', 'A', 'M', 1, 0, 0, 0, 0},
		},
		{"invalid name length", "X", []byte{
			'B', 'A', 'M', 1,
			0, 0, 0, 0,
			1, 0, 0, 0,
			0, 0, 1, 0,
			'A', 0,
			0, 0, 0, 0,
		}},
		{"truncated name", "X", []byte{
			'B', 'A', 'M', 1,
			0, 0, 0, 0,
			1, 0, 0, 0,
			2, 0, 0, 0,
			'A',
		}},
		{"truncated reference list", "X", []byte{
			'B', 'A', 'M', 1,
			0, 0, 0, 0,
			2, 0, 0, 0,
			1, 0, 0, 0,
			'A',
			0, 0, 0, 0,
		}},
		{"missing reference", "X", []byte{
			'B', 'A', 'M', 1,
			0, 0, 0, 0,
			1, 0, 0, 0,
			2, 0, 0, 0,
			'A', 0,
			0, 0, 0, 0,
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			block, err := bgzf.EncodeBlock(tc.data)
			if err != nil {
				t.Fatalf("EncodeBlock() failed: %v", err)
			}

			r := bytes.NewReader(block)
			if _, err := GetReferenceID(r, tc.reference); err == nil {
				t.Fatalf("GetReferenceID(): expected error, not success")
			} else {
				t.Logf("error: %v", err)
			}
		})
	}
}

func TestReg2Bin(t *testing.T) {
	testCases := []struct {
		name     string
		beg, end int
		want     uint16
	}{
		{"unplaced", -1, 0, 4680},
		{"first leaf", 0, 1, 4681},
		{"last base of first leaf", 16383, 16384, 4681},
		{"second leaf", 16384, 16385, 4682},
		{"straddles leaves", 16000, 17000, 585},
		{"level two", 0, 1 << 20, 73},
		{"level one", 0, 1 << 23, 9},
		{"whole range", 0, 1 << 29, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Reg2Bin(tc.beg, tc.end); got != tc.want {
				t.Errorf("Reg2Bin(%d, %d): got %d, want %d", tc.beg, tc.end, got, tc.want)
			}
		})
	}
}
