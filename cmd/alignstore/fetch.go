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
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/googlegenomics/alignstore/internal/htsget"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const scope = "https://www.googleapis.com/auth/devstorage.read_only"

func newFetchCommand(a *app) *cobra.Command {
	var (
		output    string
		anonymous bool
		q         htsget.Query
	)
	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Download the data of htsget tickets as a single BAM stream",
		Long: `Download the data of htsget tickets as a single BAM stream.

Requests carry Google application default credentials unless --anonymous is
set.  For compatibility with other tools, a certificate authority bundle
named by CURL_CA_BUNDLE is trusted in addition to the system pool.`,
		Example: `  alignstore fetch https://htsget.example.com/reads/bucket/sample.bam -r chr20 -o chr20.bam`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("opening output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			client, err := a.httpClient(cmd.Context(), anonymous)
			if err != nil {
				return err
			}
			fetcher := &htsget.Client{HTTP: client, Run: a.run}
			for _, target := range args {
				n, err := fetcher.Fetch(cmd.Context(), target, q, w)
				if err != nil {
					return fmt.Errorf("fetching %s: %w", target, err)
				}
				a.run.Logger.Info().Str("target", target).Int64("bytes", n).Msg("fetched")
			}
			if f, ok := w.(io.Closer); ok && output != "" {
				return f.Close()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default standard output)")
	cmd.Flags().StringVarP(&q.ReferenceName, "reference", "r", "", "reference name")
	cmd.Flags().StringVar(&q.Start, "start", "", "zero-based start position")
	cmd.Flags().StringVar(&q.End, "end", "", "zero-based exclusive end position")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "send requests without credentials")
	return cmd
}

// httpClient returns the client used for every request of a fetch.
func (a *app) httpClient(ctx context.Context, anonymous bool) (*http.Client, error) {
	base := http.DefaultClient
	if bundle := os.Getenv("CURL_CA_BUNDLE"); bundle != "" {
		pem, err := os.ReadFile(bundle)
		if err != nil {
			return nil, fmt.Errorf("reading CA override file %q: %w", bundle, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("initializing system certificate pool: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in bundle %q", bundle)
		}
		base = &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}}
		a.run.Logger.Info().Str("bundle", bundle).Msg("using CA override bundle")
	}
	if anonymous {
		return base, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client, err := google.DefaultClient(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("creating authenticated client: %w", err)
	}
	return client, nil
}
