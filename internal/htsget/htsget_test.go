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

package htsget

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/googlegenomics/alignstore/api"
	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/bam/bamtest"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	header := bamtest.Header(genomics.Sequence{Name: "A", Length: 1000}, genomics.Sequence{Name: "B", Length: 2000})
	data, err := bamtest.Write(header, 500, bamtest.Tiled(header, 100, 150))
	require.NoError(t, err)
	r, err := bam.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	x, err := index.Build(r)
	require.NoError(t, err)
	var encoded bytes.Buffer
	require.NoError(t, x.Write(&encoded))

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "bucket"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bucket", "sample.bam"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bucket", "sample.bam.bai"), encoded.Bytes(), 0o644))

	storage := api.FileClient{Root: root}
	server := api.NewServer(func(*http.Request) (api.Client, http.Header, error) {
		return storage, nil, nil
	}, 1<<20, zerolog.Nop())
	mux := http.NewServeMux()
	server.Export(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_Fetch(t *testing.T) {
	ts := testServer(t)
	client := &Client{HTTP: ts.Client(), Run: diag.Discard()}

	var out bytes.Buffer
	n, err := client.Fetch(context.Background(), ts.URL+"/reads/bucket/sample.bam", Query{ReferenceName: "B", Start: "500", End: "700"}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(out.Len()), n)
	assert.True(t, bytes.HasSuffix(out.Bytes(), bgzf.EOFMarker))

	r, err := bam.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	seen := make(map[string]bool)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen[rec.Name()] = true
	}
	for _, name := range []string{"B-400", "B-500", "B-600"} {
		assert.True(t, seen[name], name)
	}
	assert.False(t, seen["A-0"])
}

func TestClient_Errors(t *testing.T) {
	ts := testServer(t)
	client := &Client{HTTP: ts.Client(), Run: diag.Discard()}

	testCases := []struct {
		name   string
		target string
		query  Query
		want   Error
	}{
		{"missing object", "/reads/bucket/missing.bam", Query{}, Error{Status: http.StatusNotFound, Name: "NotFound"}},
		{"unknown reference", "/reads/bucket/sample.bam", Query{ReferenceName: "Z"}, Error{Status: http.StatusBadRequest, Name: "InvalidInput"}},
		{"wrong path", "/unknown", Query{}, Error{Status: http.StatusNotFound}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Fetch(context.Background(), ts.URL+tc.target, tc.query, io.Discard)
			var got *Error
			require.True(t, errors.As(err, &got), "got %v", err)
			assert.Equal(t, tc.want.Status, got.Status)
			assert.Equal(t, tc.want.Name, got.Name)
		})
	}
}

func TestFetchBlob_DataURLs(t *testing.T) {
	client := &Client{Run: diag.Discard()}
	testCases := []struct {
		url  string
		want string
	}{
		{"data:;base64,aGVsbG8=", "hello"},
		{"data:text/plain,a,b", "a,b"},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			r, err := client.fetchBlob(context.Background(), tc.url, nil)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}

	for _, url := range []string{"data:no-comma", "data:;base64,***"} {
		if _, err := client.fetchBlob(context.Background(), url, nil); err == nil {
			t.Errorf("fetchBlob(%q): unexpected success", url)
		}
	}
}

func TestAddParameter(t *testing.T) {
	testCases := []struct {
		input, name, value, want string
	}{
		{"http://h/reads/a/b", "referenceName", "chr1", "http://h/reads/a/b?referenceName=chr1"},
		{"http://h/reads/a/b?format=BAM", "start", "10", "http://h/reads/a/b?format=BAM&start=10"},
		{"http://h/reads/a/b", "end", "", "http://h/reads/a/b"},
	}
	for _, tc := range testCases {
		if got := addParameter(tc.input, tc.name, tc.value); got != tc.want {
			t.Errorf("addParameter(%q, %q, %q): got %q, want %q", tc.input, tc.name, tc.value, got, tc.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	testCases := []struct {
		n    int64
		want string
	}{
		{10, "10 bytes"},
		{5 << 10, "5 KB"},
		{3 << 20, "3 MB"},
		{2 << 30, "2 GB"},
	}
	for _, tc := range testCases {
		if got := humanSize(tc.n); got != tc.want {
			t.Errorf("humanSize(%d): got %q, want %q", tc.n, got, tc.want)
		}
	}
}
