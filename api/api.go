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

// Package api implements an htsget style retrieval API for indexed BAM
// containers, plus an endpoint that streams filtered records as JSON.
//
// The ticket format follows htsget v1.0.0 as defined at:
// http://samtools.github.io/hts-specs/htsget.html.
package api

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/googlegenomics/alignstore/analytics"
	"github.com/googlegenomics/alignstore/bgzf"
	"github.com/googlegenomics/alignstore/internal/bam"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/googlegenomics/alignstore/internal/genomics"
	"github.com/rs/zerolog"
)

const (
	readsPath   = "/reads/"
	blockPath   = "/block/"
	recordsPath = "/records/"

	eofMarkerDataURL = "data:;base64,H4sIBAAAAAAA/wYAQkMCABsAAwAAAAAAAAAAAA=="
)

var (
	errInvalidOrUnspecifiedID = errors.New("invalid or unspecified ID")
	errMissingReferenceName   = errors.New("no reference name specified")
	errMissingOrInvalidToken  = errors.New("missing or invalid token")
)

// NewStorageClientFunc is the type of function that constructs the appropriate
// storage.Client to satisfy the incoming request. Any headers that caused this
// particular client to be created are returned to allow block requests to be
// generated correctly.
type NewStorageClientFunc func(*http.Request) (Client, http.Header, error)

// Server provides an htsget protocol server.  Must be created with NewServer.
type Server struct {
	newStorageClient NewStorageClientFunc
	blockSizeLimit   uint64
	whitelist        map[string]bool
	logger           zerolog.Logger
}

// NewServer returns a new Server configured to use newStorageClient and
// blockSizeLimit. The server will call storageClientFunc on each request to
// determine which storage client to use.  Each request is logged to logger
// under its own run ID.
func NewServer(newStorageClient NewStorageClientFunc, blockSizeLimit uint64, logger zerolog.Logger) *Server {
	return &Server{newStorageClient, blockSizeLimit, make(map[string]bool), logger}
}

// Whitelist adds buckets to the set of buckets which the server is allowed to
// access. If Whitelist is never called for a given Server then reads from any
// bucket are allowed.
func (server *Server) Whitelist(buckets []string) {
	for _, bucket := range buckets {
		server.whitelist[bucket] = true
	}
}

// Export registers the API endpoints with mux.  Blocks returned from the
// ticket endpoint will generally not exceed blockSizeLimit bytes, though
// chunks that already exceed this size will not be split.
func (server *Server) Export(mux *http.ServeMux) {
	mux.Handle(readsPath, forwardOrigin(server.serveReads))
	mux.Handle(blockPath, forwardOrigin(server.serveBlocks))
	mux.Handle(recordsPath, forwardOrigin(server.serveRecords))
}

// Register registers the API endpoints with a gin router.
func (server *Server) Register(router gin.IRoutes) {
	router.GET(readsPath+"*id", gin.WrapH(forwardOrigin(server.serveReads)))
	router.GET(blockPath+"*id", gin.WrapH(forwardOrigin(server.serveBlocks)))
	router.GET(recordsPath+"*id", gin.WrapH(forwardOrigin(server.serveRecords)))
}

func (server *Server) newRun(req *http.Request) *diag.Run {
	run := diag.NewRun(server.logger)
	run.Logger = run.Logger.With().Str("path", req.URL.Path).Logger()
	return run
}

func (server *Server) serveReads(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	run := server.newRun(req)

	track := analytics.TrackerFromContext(ctx)
	track(analytics.Event("Reads", "Reads Request Received", "", nil))

	query := req.URL.Query()
	if err := parseFormat(query.Get("format")); err != nil {
		writeError(w, newUnsupportedFormatError(err))
		return
	}

	bucket, object, err := parseID(req.URL.Path[len(readsPath):])
	if err != nil {
		writeError(w, newInvalidInputError("parsing readset ID", err))
		return
	}

	if err := server.checkWhitelist(bucket); err != nil {
		writeError(w, newPermissionDeniedError("checking whitelist", err))
		return
	}

	storage, headers, err := server.newStorageClient(req)
	if err != nil {
		writeError(w, newStorageError("creating client", err))
		return
	}

	data, err := storage.NewObjectHandle(bucket, object).NewRangeReader(ctx, 0, int64(server.blockSizeLimit))
	if err != nil {
		writeError(w, newStorageError("opening data", err))
		return
	}
	defer data.Close()

	region, err := parseRegion(query, data)
	if err != nil {
		writeError(w, newInvalidInputError("parsing region", err))
		return
	}

	if region.End > 0 && region.Start > region.End {
		writeError(w, newInvalidRangeError(fmt.Errorf("%s: start > end", region)))
		return
	}

	request := &readsRequest{
		indexObjects:   indexObjects(storage, bucket, object),
		blockSizeLimit: server.blockSizeLimit,
		region:         region,
	}

	chunks, err := request.handle(ctx)
	if err != nil {
		track(analytics.Event("Reads", "Reads Internal Error", "", nil))
		run.Logger.Error().Err(err).Msg("building ticket")
		writeError(w, err)
		return
	}

	var base string
	if req.Host != "" {
		if req.TLS != nil {
			base = "https://"
		} else {
			base = "http://"
		}
		base += req.Host
	}
	base += strings.Replace(req.URL.Path, readsPath, blockPath, 1)

	var urls []map[string]interface{}
	for _, chunk := range chunks {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(chunk); err != nil {
			writeError(w, fmt.Errorf("encoding chunk: %w", err))
			return
		}

		url := map[string]interface{}{
			"url": fmt.Sprintf("%s?%s", base, base64.URLEncoding.EncodeToString(buf.Bytes())),
		}
		if len(headers) > 0 {
			// htsget does not support multiple values for a single header.
			flattened := make(map[string]string)
			for k, v := range headers {
				flattened[k] = v[0]
			}
			url["headers"] = flattened
		}
		urls = append(urls, url)
	}
	urls = append(urls, map[string]interface{}{"url": eofMarkerDataURL})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"htsget": map[string]interface{}{
			"format": "BAM",
			"urls":   urls,
		}})

	run.Logger.Debug().Stringer("region", region).Int("urls", len(urls)).Msg("ticket sent")
	count := int64(len(urls))
	track(analytics.Event("Reads", "Reads Response URL Count", "", &count))
	track(analytics.Event("Reads", "Reads Response Sent", "", nil))
}

func (server *Server) serveBlocks(w http.ResponseWriter, req *http.Request) {
	run := server.newRun(req)

	bucket, object, err := parseID(req.URL.Path[len(blockPath):])
	if err != nil {
		writeError(w, newInvalidInputError("parsing readset ID", err))
		return
	}

	if err := server.checkWhitelist(bucket); err != nil {
		writeError(w, newPermissionDeniedError("checking whitelist", err))
		return
	}

	var chunk bgzf.Chunk
	if err := decodeRawQuery(req.URL.RawQuery, &chunk); err != nil {
		writeError(w, newInvalidInputError("decoding raw query", err))
		return
	}

	storage, _, err := server.newStorageClient(req)
	if err != nil {
		writeError(w, newStorageError("creating client", err))
		return
	}

	request := &blockRequest{
		object: storage.NewObjectHandle(bucket, object),
		chunk:  chunk,
	}

	response, err := request.handle(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer response.Close()

	w.Header().Add("Content-type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, response); err != nil {
		run.Logger.Warn().Err(err).Stringer("chunk", &chunk).Msg("failed to copy response")
	}
}

func (server *Server) serveRecords(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	run := server.newRun(req)

	track := analytics.TrackerFromContext(ctx)
	track(analytics.Event("Records", "Records Request Received", "", nil))

	bucket, object, err := parseID(req.URL.Path[len(recordsPath):])
	if err != nil {
		writeError(w, newInvalidInputError("parsing readset ID", err))
		return
	}

	if err := server.checkWhitelist(bucket); err != nil {
		writeError(w, newPermissionDeniedError("checking whitelist", err))
		return
	}

	query := req.URL.Query()
	params, err := parseFilter(query)
	if err != nil {
		writeError(w, newInvalidInputError("parsing filter", err))
		return
	}

	storage, _, err := server.newStorageClient(req)
	if err != nil {
		writeError(w, newStorageError("creating client", err))
		return
	}

	request := &recordsRequest{
		name:         bucket + "/" + object,
		data:         storage.NewObjectHandle(bucket, object),
		indexObjects: indexObjects(storage, bucket, object),
		query:        query,
		params:       params,
		run:          run,
	}
	stats, err := request.handle(ctx, w)
	if err != nil {
		track(analytics.Event("Records", "Records Internal Error", "", nil))
		run.Logger.Error().Err(err).Msg("streaming records")
		if !request.started {
			writeError(w, err)
		}
		return
	}

	run.Logger.Info().Stringer("stats", stats).Msg("records sent")
	count := int64(stats.Written)
	track(analytics.Event("Records", "Records Response Count", "", &count))
}

func indexObjects(storage Client, bucket, object string) []ObjectHandle {
	return []ObjectHandle{
		storage.NewObjectHandle(bucket, object+".bai"),
		storage.NewObjectHandle(bucket, strings.TrimSuffix(object, ".bam")+".bai"),
	}
}

func (server *Server) checkWhitelist(bucket string) error {
	if len(server.whitelist) == 0 || server.whitelist[bucket] {
		return nil
	}
	return fmt.Errorf("access to bucket %s is not allowed", bucket)
}

func decodeRawQuery(rawQuery string, v interface{}) error {
	b, err := base64.URLEncoding.DecodeString(rawQuery)
	if err != nil {
		return fmt.Errorf("base64: %w", err)
	}

	if err := gob.NewDecoder(bytes.NewBuffer(b)).Decode(v); err != nil {
		return fmt.Errorf("gob: %w", err)
	}

	return nil
}

// parseID parses path and returns a bucket and object, or an error.
func parseID(path string) (string, string, error) {
	path = strings.TrimPrefix(path, "/")
	if parts := strings.SplitN(path, "/", 2); len(parts) == 2 {
		if parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], nil
		}
	}
	return "", "", errInvalidOrUnspecifiedID
}

func parseFormat(format string) error {
	if format != "" && format != "BAM" {
		return fmt.Errorf("unsupported format %q", format)
	}
	return nil
}

func parseRegion(query url.Values, data io.Reader) (genomics.Region, error) {
	var (
		name  = query.Get("referenceName")
		start = query.Get("start")
		end   = query.Get("end")
	)
	if name == "" && start == "" && end == "" {
		return genomics.AllMappedReads, nil
	}
	if name == "" {
		return genomics.Region{}, errMissingReferenceName
	}

	id, err := bam.GetReferenceID(data, name)
	if err != nil {
		return genomics.Region{}, fmt.Errorf("resolving reference %q: %w", name, err)
	}

	region := genomics.Region{ReferenceID: id}

	if start != "" {
		n, err := strconv.ParseUint(start, 10, 32)
		if err != nil {
			return genomics.Region{}, fmt.Errorf("parsing start: %w", err)
		}
		region.Start = uint32(n)
	}

	if end != "" {
		n, err := strconv.ParseUint(end, 10, 32)
		if err != nil {
			return genomics.Region{}, fmt.Errorf("parsing end: %w", err)
		}
		region.End = uint32(n)
	}

	return region, nil
}

// apiError is used to capture errors that have been defined in the API.
type apiError struct {
	name  string
	code  int
	cause error
}

func (err *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %v", err.name, err.code, err.cause)
}

func (err *apiError) Unwrap() error {
	return err.cause
}

func newAPIError(name string, code int, context string, err error) error {
	return &apiError{name, code, fmt.Errorf("%s: %w", context, err)}
}

func newInvalidAuthenticationError(context string, err error) error {
	return newAPIError("InvalidAuthentication", http.StatusUnauthorized, context, err)
}

func newInvalidInputError(context string, err error) error {
	return newAPIError("InvalidInput", http.StatusBadRequest, context, err)
}

func newInvalidRangeError(err error) error {
	return &apiError{"InvalidRange", http.StatusBadRequest, err}
}

func newPermissionDeniedError(context string, err error) error {
	return newAPIError("PermissionDenied", http.StatusForbidden, context, err)
}

func newUnsupportedFormatError(err error) error {
	return &apiError{"UnsupportedFormat", http.StatusBadRequest, err}
}

func newNotFoundError(context string, err error) error {
	return newAPIError("NotFound", http.StatusNotFound, context, err)
}

// writeError writes either a JSON object or bare HTTP error describing err to
// w.  A JSON object is written only when the error has a name and code defined
// by the htsget specification.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.code, map[string]interface{}{
			"error":   apiErr.name,
			"message": fmt.Sprintf("%s: %v", http.StatusText(apiErr.code), apiErr.cause),
		})
		return
	}

	writeHTTPError(w, http.StatusInternalServerError, err)
}

func writeHTTPError(w http.ResponseWriter, code int, err error) {
	http.Error(w, fmt.Sprintf("%s: %v", http.StatusText(code), err), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Add("Content-type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type forwardOrigin func(w http.ResponseWriter, req *http.Request)

func (f forwardOrigin) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if origin := req.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	f(w, req)
}
