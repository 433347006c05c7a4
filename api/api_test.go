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

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/googlegenomics/alignstore/analytics"
	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/bam/bamtest"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/googlegenomics/alignstore/internal/index"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const (
	testBlockSizeLimit = 32 * 1024 // Small block size for small test data.
)

var testHeader = bamtest.Header(
	genomics.Sequence{Name: "A", Length: 1000},
	genomics.Sequence{Name: "B", Length: 2000},
	genomics.Sequence{Name: "C", Length: 1500},
)

// testStorage writes a bucket named testdata under a temporary directory
// holding sample.bam with a full-name index, short.bam with a short-name
// index and noindex.bam without any index.
func testStorage(t *testing.T) FileClient {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "testdata")
	require.NoError(t, os.Mkdir(dir, 0o755))

	data, err := bamtest.Write(testHeader, 1000, bamtest.Tiled(testHeader, 100, 150))
	require.NoError(t, err)
	r, err := bam.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	x, err := index.Build(r)
	require.NoError(t, err)
	var encoded bytes.Buffer
	require.NoError(t, x.Write(&encoded))

	files := map[string][]byte{
		"sample.bam":     data,
		"sample.bam.bai": encoded.Bytes(),
		"short.bam":      data,
		"short.bai":      encoded.Bytes(),
		"noindex.bam":    data,
	}
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), contents, 0o644))
	}
	return FileClient{Root: root}
}

func newTestServer(client Client, buckets ...string) *Server {
	newStorageClient := func(*http.Request) (Client, http.Header, error) {
		return client, nil, nil
	}
	server := NewServer(newStorageClient, testBlockSizeLimit, zerolog.Nop())
	server.Whitelist(buckets)
	return server
}

func testQuery(t *testing.T, server *Server, url string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", url, nil)

	mux := http.NewServeMux()
	server.Export(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	return w.Result()
}

func expectError(t *testing.T, name string, code int, resp *http.Response) {
	t.Helper()
	if got, want := resp.StatusCode, code; got != want {
		t.Errorf("Wrong status code: got %v, want %v", got, want)
	}
	body := make(map[string]interface{})
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Errorf("Failed to parse response: %v", err)
	}
	if got, want := body["error"], name; got != want {
		t.Errorf("Wrong 'error' field value: got %v, want %v", got, want)
	}
}

func TestInvalidInputs(t *testing.T) {
	server := newTestServer(testStorage(t))
	testCases := []struct{ name, url string }{
		{"no readset ID or parameters", "/reads/"},
		{"missing readset ID", "/reads/?format=BAM"},
		{"invalid ID (no object)", "/reads/bucket?format=BAM"},
		{"invalid ID (trailing slash, no object)", "/reads/bucket/?format=BAM"},
		{"start without reference", "/reads/testdata/sample.bam?start=10"},
		{"unknown reference", "/reads/testdata/sample.bam?referenceName=Z"},
		{"records without object", "/records/testdata"},
		{"bad block query", "/block/testdata/sample.bam?not-base64"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, "InvalidInput", http.StatusBadRequest, testQuery(t, server, tc.url))
		})
	}
}

func TestInvalidRange(t *testing.T) {
	server := newTestServer(testStorage(t))
	expectError(t, "InvalidRange", http.StatusBadRequest,
		testQuery(t, server, "/reads/testdata/sample.bam?referenceName=A&start=500&end=100"))
}

func TestUnsupportedFormats(t *testing.T) {
	server := newTestServer(testStorage(t))
	testCases := []struct{ name, url string }{
		{"unknown format", "/reads/bucket/object?format=XYZ"},
		{"cram format", "/reads/bucket/object?format=CRAM"},
		{"lowercase bam", "/reads/bucket/object?format=bam"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, "UnsupportedFormat", http.StatusBadRequest, testQuery(t, server, tc.url))
		})
	}
}

func TestMissingObject(t *testing.T) {
	server := newTestServer(testStorage(t))
	for _, url := range []string{"/reads/foo/bar", "/records/foo/bar", "/reads/testdata/sample.bam.missing"} {
		expectError(t, "NotFound", http.StatusNotFound, testQuery(t, server, url))
	}
}

func TestFileClient_OutsideRoot(t *testing.T) {
	storage := testStorage(t)
	for _, id := range [][2]string{{"..", "testdata/sample.bam"}, {"testdata", "../testdata/sample.bam"}, {"testdata", "/etc/passwd"}} {
		_, err := storage.NewObjectHandle(id[0], id[1]).NewRangeReader(context.Background(), 0, -1)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("NewRangeReader(%s/%s): got %v, want a not-exist error", id[0], id[1], err)
		}
	}

	r, err := storage.NewObjectHandle("testdata", "sample.bam").NewRangeReader(context.Background(), 2, 10)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, data, 10)
}

func TestWhitelist(t *testing.T) {
	server := newTestServer(testStorage(t), "other")
	for _, url := range []string{"/reads/testdata/sample.bam", "/records/testdata/sample.bam"} {
		expectError(t, "PermissionDenied", http.StatusForbidden, testQuery(t, server, url))
	}

	server.Whitelist([]string{"testdata"})
	if got, want := testQuery(t, server, "/reads/testdata/sample.bam").StatusCode, http.StatusOK; got != want {
		t.Errorf("Wrong status code: got %v, want %v", got, want)
	}
}

// fetchTicket requests a ticket from url and returns the concatenation of the
// data behind every URL of the ticket.
func fetchTicket(t *testing.T, server *Server, url string) []byte {
	t.Helper()
	resp := testQuery(t, server, url)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		HTSGet struct {
			Format string `json:"format"`
			URLs   []struct {
				URL string `json:"url"`
			} `json:"urls"`
		} `json:"htsget"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "BAM", body.HTSGet.Format)

	urls := body.HTSGet.URLs
	require.NotEmpty(t, urls)
	require.Equal(t, eofMarkerDataURL, urls[len(urls)-1].URL)

	var data bytes.Buffer
	for _, url := range urls[:len(urls)-1] {
		resp := testQuery(t, server, url.URL)
		require.Equal(t, http.StatusOK, resp.StatusCode, url.URL)
		_, err := io.Copy(&data, resp.Body)
		require.NoError(t, err)
	}
	data.Write(bgzf.EOFMarker)
	return data.Bytes()
}

// overlapping returns the sorted, distinct names of records in data that
// overlap region.
func overlapping(t *testing.T, data []byte, region genomics.Region) []string {
	t.Helper()
	r, err := bam.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	seen := make(map[string]bool)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		start, end := rec.Extent()
		if region.Overlaps(rec.RefID(), uint32(start), uint32(end)) {
			seen[rec.Name()] = true
		}
	}
	var names []string
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestSimpleRead(t *testing.T) {
	storage := testStorage(t)
	server := newTestServer(storage)
	original, err := os.ReadFile(filepath.Join(storage.Root, "testdata", "sample.bam"))
	require.NoError(t, err)

	testCases := []struct {
		url    string
		region genomics.Region
	}{
		{"/reads/testdata/sample.bam?format=BAM&referenceName=B&start=500&end=700", genomics.Region{ReferenceID: 1, Start: 500, End: 700}},
		{"/reads/testdata/sample.bam?referenceName=C&start=1200", genomics.Region{ReferenceID: 2, Start: 1200}},
		{"/reads/testdata/sample.bam?referenceName=A", genomics.Region{ReferenceID: 0}},
		{"/reads/testdata/sample.bam", genomics.AllMappedReads},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			got := overlapping(t, fetchTicket(t, server, tc.url), tc.region)
			want := overlapping(t, original, tc.region)
			require.NotEmpty(t, want)
			assert.Equal(t, want, got)
		})
	}
}

func TestShortNameIndexFile(t *testing.T) {
	server := newTestServer(testStorage(t))
	resp := testQuery(t, server, "/reads/testdata/short.bam")
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Errorf("Wrong status code: got %v, want %v", got, want)
	}
}

func TestNoIndexFiles(t *testing.T) {
	server := newTestServer(testStorage(t))
	for _, url := range []string{"/reads/testdata/noindex.bam", "/records/testdata/noindex.bam"} {
		if resp := testQuery(t, server, url); resp.StatusCode == http.StatusOK {
			t.Errorf("%s: read succeeded with missing index file", url)
		}
	}
}

// readRecords returns the names of the records streamed from url.
func readRecords(t *testing.T, server *Server, url string) []string {
	t.Helper()
	resp := testQuery(t, server, url)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-type"))

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		names = append(names, rec.Name)
	}
	require.NoError(t, scanner.Err())
	return names
}

func TestRecords(t *testing.T) {
	server := newTestServer(testStorage(t))
	testCases := []struct {
		name string
		url  string
		want []string
	}{
		{"htsget region", "/records/testdata/sample.bam?referenceName=B&start=500&end=700", []string{"B-400", "B-500", "B-600"}},
		{"restriction", "/records/testdata/sample.bam?region=B:501-700", []string{"B-400", "B-500", "B-600"}},
		{"two restrictions", "/records/testdata/sample.bam?region=C:1-50&region=A:901-950", []string{"A-800", "C-0"}},
		{"short index", "/records/testdata/short.bam?region=A:1-1", []string{"A-0"}},
		{"mapping quality", "/records/testdata/sample.bam?region=B:501-700&minMapQ=61", nil},
		{"flags", "/records/testdata/sample.bam?region=B:501-700&requireSet=0x1", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, readRecords(t, server, tc.url))
		})
	}
}

func TestRecords_Everything(t *testing.T) {
	server := newTestServer(testStorage(t))
	names := readRecords(t, server, "/records/testdata/sample.bam")
	assert.Len(t, names, len(bamtest.Tiled(testHeader, 100, 150)))

	sampled := readRecords(t, server, "/records/testdata/sample.bam?subsample=0.5&seed=3")
	assert.Less(t, len(sampled), len(names))
	assert.Equal(t, sampled, readRecords(t, server, "/records/testdata/sample.bam?subsample=0.5&seed=3"))
}

func TestRecords_Fields(t *testing.T) {
	server := newTestServer(testStorage(t))
	resp := testQuery(t, server, "/records/testdata/sample.bam?region=A:1-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	want := bamtest.Mapped("A-0", 0, 0, 150)
	assert.Equal(t, "A-0", got.Name)
	assert.Equal(t, "A", got.Reference)
	assert.Equal(t, int32(1), got.Position)
	assert.Equal(t, "150M", got.Cigar)
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.Equal(t, uint8(60), got.MapQ)
	assert.Empty(t, got.MateReference)
}

func TestRecords_InvalidFilter(t *testing.T) {
	server := newTestServer(testStorage(t))
	testCases := []struct{ name, url string }{
		{"conflicting flags", "/records/testdata/sample.bam?requireSet=0x4&excludeUnmapped=true"},
		{"mapping quality", "/records/testdata/sample.bam?minMapQ=high"},
		{"fraction", "/records/testdata/sample.bam?subsample=2"},
		{"seed", "/records/testdata/sample.bam?seed=x"},
		{"restriction", "/records/testdata/sample.bam?region=Z:1-10"},
		{"reversed", "/records/testdata/sample.bam?referenceName=A&start=500&end=100"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := testQuery(t, server, tc.url)
			if got, want := resp.StatusCode, http.StatusBadRequest; got != want {
				t.Errorf("Wrong status code: got %v, want %v", got, want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := analytics.NewRecorder(zerolog.Nop())
	router := gin.New()
	newTestServer(testStorage(t)).Register(router)

	handler := analytics.TrackingHandler(router, recorder.Track)
	for _, url := range []string{"/reads/testdata/sample.bam?referenceName=A", "/records/testdata/sample.bam?region=A:1-1"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", url, nil))
		if got, want := w.Code, http.StatusOK; got != want {
			t.Errorf("%s: wrong status code: got %v, want %v", url, got, want)
		}
	}

	totals := make(map[string]int64)
	for _, total := range recorder.Totals() {
		totals[total.Action] = total.Hits
	}
	assert.Equal(t, int64(1), totals["Reads Response Sent"])
	assert.Equal(t, int64(1), totals["Records Request Received"])
}

func TestObjectReader_Seek(t *testing.T) {
	storage := testStorage(t)
	r := &objectReader{ctx: context.Background(), object: storage.NewObjectHandle("testdata", "sample.bam")}
	defer r.Close()

	head := make([]byte, 4)
	_, err := io.ReadFull(r, head)
	require.NoError(t, err)

	pos, err := r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	again := make([]byte, 4)
	_, err = io.ReadFull(r, again)
	require.NoError(t, err)
	assert.Equal(t, head, again)

	pos, err = r.Seek(-2, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	_, err = r.Seek(0, io.SeekEnd)
	assert.Error(t, err)
	_, err = r.Seek(-10, io.SeekStart)
	assert.Error(t, err)
}

// This test ensures that the undocumented error handling behaviour of the GCS
// storage client does not change.
func TestGoogleAPIInternalErrors(t *testing.T) {
	testCases := []struct {
		name       string
		transport  http.RoundTripper
		statusCode int
	}{
		{"unauthorized", fixedStatus(http.StatusUnauthorized), http.StatusUnauthorized},
		{"forbidden", fixedStatus(http.StatusForbidden), http.StatusForbidden},
		{"not found", fixedStatus(http.StatusNotFound), http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			gcs, err := storage.NewClient(ctx, option.WithHTTPClient(&http.Client{Transport: tc.transport}))
			if err != nil {
				t.Fatalf("Failed to create storage client: %v", err)
			}
			resp := testQuery(t, newTestServer(GCSClient{gcs}), "/reads/testdata/sample.bam")
			if got, want := resp.StatusCode, tc.statusCode; got != want {
				t.Errorf("Wrong status code: got %v, want %v", got, want)
			}
		})
	}
}

type fixedStatus int

func (code fixedStatus) RoundTrip(*http.Request) (*http.Response, error) {
	return &http.Response{
		Status:     http.StatusText(int(code)),
		StatusCode: int(code),
		Body:       http.NoBody,
	}, nil
}
