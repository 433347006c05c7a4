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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/googlegenomics/alignstore/analytics"
	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/bam/bamtest"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirectory(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "data")
	require.NoError(t, os.Mkdir(dir, 0o755))

	header := bamtest.Header(genomics.Sequence{Name: "A", Length: 1000})
	data, err := bamtest.Write(header, 500, bamtest.Tiled(header, 100, 150))
	require.NoError(t, err)
	r, err := bam.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	x, err := index.Build(r)
	require.NoError(t, err)
	var encoded bytes.Buffer
	require.NoError(t, x.Write(&encoded))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.bam"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.bam.bai"), encoded.Bytes(), 0o644))
	return root
}

func get(t *testing.T, handler http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", url, nil))
	return w
}

func TestHandler(t *testing.T) {
	o := options{blockSize: 1 << 20, directory: testDirectory(t), trackUsage: true}
	handler, recorder := newHandler(o, zerolog.Nop())
	require.NotNil(t, recorder)

	if w := get(t, handler, "/reads/data/sample.bam?referenceName=A&start=100&end=200"); w.Code != http.StatusOK {
		t.Fatalf("reads: got status %d: %s", w.Code, w.Body)
	}
	if w := get(t, handler, "/records/data/sample.bam?referenceName=A&start=100&end=200"); w.Code != http.StatusOK {
		t.Fatalf("records: got status %d: %s", w.Code, w.Body)
	}
	if w := get(t, handler, "/reads/data/missing.bam"); w.Code != http.StatusNotFound {
		t.Errorf("missing object: got status %d, want %d", w.Code, http.StatusNotFound)
	}

	w := get(t, handler, "/debug/analytics")
	require.Equal(t, http.StatusOK, w.Code)
	var totals []analytics.Total
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &totals))
	assert.Contains(t, totals, analytics.Total{Category: "Reads", Action: "Reads Request Received", Hits: 2})
	assert.Contains(t, totals, analytics.Total{Category: "Records", Action: "Records Request Received", Hits: 1})
}

func TestHandler_Whitelist(t *testing.T) {
	o := options{blockSize: 1 << 20, directory: testDirectory(t), buckets: []string{"other"}}
	handler, recorder := newHandler(o, zerolog.Nop())
	assert.Nil(t, recorder)

	if w := get(t, handler, "/reads/data/sample.bam"); w.Code != http.StatusForbidden {
		t.Errorf("got status %d, want %d", w.Code, http.StatusForbidden)
	}
	if w := get(t, handler, "/debug/analytics"); w.Code != http.StatusNotFound {
		t.Errorf("analytics without tracking: got status %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestOptions_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		opts    options
		wantErr bool
	}{
		{"plain", options{}, false},
		{"secure", options{secure: true, httpsCert: "cert.pem", httpsKey: "key.pem"}, false},
		{"secure without key", options{secure: true, httpsCert: "cert.pem"}, true},
		{"secure directory", options{secure: true, httpsCert: "cert.pem", httpsKey: "key.pem", directory: "/data"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.opts.validate(); (err != nil) != tc.wantErr {
				t.Errorf("validate(): got %v, want error %v", err, tc.wantErr)
			}
		})
	}
}
