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

// Package htsget fetches data described by htsget tickets.
package htsget

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/googlegenomics/alignstore/internal/diag"
)

// Ticket is the response of an htsget reads request.
type Ticket struct {
	Container struct {
		Format string `json:"format"`
		URLs   []URL  `json:"urls"`
	} `json:"htsget"`
}

// URL is one piece of the data described by a ticket.
type URL struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Query selects the data requested from a server.
type Query struct {
	ReferenceName string
	Start, End    string
}

// Client fetches tickets and the data they describe.
type Client struct {
	// HTTP is used for every request.  If nil, http.DefaultClient is used.
	HTTP *http.Client
	Run  *diag.Run
}

func (c *Client) http() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Ticket requests the ticket for target restricted by q.
func (c *Client) Ticket(ctx context.Context, target string, q Query) (*Ticket, error) {
	target = addParameter(target, "referenceName", q.ReferenceName)
	target = addParameter(target, "start", q.Start)
	target = addParameter(target, "end", q.End)

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting ticket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}

	var ticket Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return nil, fmt.Errorf("decoding ticket: %w", err)
	}
	return &ticket, nil
}

// Fetch requests the ticket for target and copies the data of each of its
// URLs to w in order.  It returns the number of bytes written.
func (c *Client) Fetch(ctx context.Context, target string, q Query, w io.Writer) (int64, error) {
	ticket, err := c.Ticket(ctx, target, q)
	if err != nil {
		return 0, err
	}
	c.Run.Logger.Info().Str("target", target).Int("urls", len(ticket.Container.URLs)).Msg("received ticket")

	var total int64
	for i, blob := range ticket.Container.URLs {
		n, err := c.copyBlob(ctx, blob, w)
		total += n
		if err != nil {
			return total, fmt.Errorf("blob %d: %w", i, err)
		}
		c.Run.Logger.Debug().Int("blob", i).Str("size", humanSize(n)).Msg("wrote blob")
	}
	return total, nil
}

func (c *Client) copyBlob(ctx context.Context, blob URL, w io.Writer) (int64, error) {
	r, err := c.fetchBlob(ctx, blob.URL, blob.Headers)
	if err != nil {
		return 0, fmt.Errorf("fetching data: %w", err)
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("copying data: %w", err)
	}
	return n, nil
}

func addParameter(input, name, value string) string {
	if value == "" {
		return input
	}
	values := url.Values{}
	values.Set(name, value)
	if strings.Contains(input, "?") {
		return input + "&" + values.Encode()
	}
	return input + "?" + values.Encode()
}

func humanSize(n int64) string {
	kb := n / 1024
	mb := kb / 1024
	gb := mb / 1024
	if gb > 1 {
		return fmt.Sprintf("%d GB", gb)
	}
	if mb > 1 {
		return fmt.Sprintf("%d MB", mb)
	}
	if kb > 1 {
		return fmt.Sprintf("%d KB", kb)
	}
	return fmt.Sprintf("%d bytes", n)
}

func (c *Client) fetchBlob(ctx context.Context, target string, headers map[string]string) (io.ReadCloser, error) {
	if v := strings.TrimPrefix(target, "data:"); v != target {
		parts := strings.SplitN(v, ",", 2)
		if len(parts) != 2 {
			return nil, errors.New("malformed data URL")
		}

		if strings.Contains(parts[0], ";base64") {
			output, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				return nil, fmt.Errorf("decoding base64 data: %w", err)
			}
			return io.NopCloser(bytes.NewReader(output)), nil
		}
		return io.NopCloser(strings.NewReader(parts[1])), nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}
	return resp.Body, nil
}

// Error is an error reported by an htsget server.
type Error struct {
	Status  int
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("unexpected response status: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Status, e.Message)
}

func errorFromResponse(resp *http.Response) error {
	var body struct {
		Name    string `json:"error"`
		Message string `json:"message"`
	}
	e := &Error{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		e.Name, e.Message = body.Name, body.Message
	}
	return e
}
