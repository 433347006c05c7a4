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

// This binary provides an htsget server that backs onto BAM files in GCS or
// in a local directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/googlegenomics/alignstore/analytics"
	"github.com/googlegenomics/alignstore/api"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	port      int
	blockSize uint64

	secure    bool
	httpsCert string
	httpsKey  string

	buckets   []string
	directory string

	// Enable or disable usage tracking.  When enabled, the events of each
	// request are logged at debug level and totals are served from
	// /debug/analytics.  Nothing is sent off the host.
	trackUsage bool
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := options{
		port:      80,
		blockSize: 1024 * 1024 * 1024,
		logLevel:  "info",
	}
	cmd := &cobra.Command{
		Use:           "alignstore-server",
		Short:         "Serve BAM files over the htsget protocol",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, diag.NewLogger(cmd.ErrOrStderr(), opts.logLevel))
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.port, "port", opts.port, "HTTP service port")
	flags.Uint64Var(&opts.blockSize, "block-size", opts.blockSize, "block size soft limit")
	flags.BoolVar(&opts.secure, "secure", false, "serve in HTTPS-only mode and forward client bearer tokens")
	flags.StringVar(&opts.httpsCert, "https-cert", "", "HTTPS certificate file")
	flags.StringVar(&opts.httpsKey, "https-key", "", "HTTPS key file")
	flags.StringSliceVar(&opts.buckets, "buckets", nil, "if set, restricts reads to a comma-separated list of buckets")
	flags.StringVar(&opts.directory, "directory", "", "serve buckets from subdirectories of this directory instead of GCS")
	flags.BoolVar(&opts.trackUsage, "track-usage", false, "keep per-request usage totals")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
	return cmd
}

func (o options) validate() error {
	if o.secure && (o.httpsCert == "" || o.httpsKey == "") {
		return errors.New("both --https-cert and --https-key are required in secure mode")
	}
	if o.secure && o.directory != "" {
		return errors.New("--secure forwards bearer tokens to GCS and cannot be used with --directory")
	}
	return nil
}

func (o options) storageClient() api.NewStorageClientFunc {
	switch {
	case o.directory != "":
		client := api.FileClient{Root: o.directory}
		return func(*http.Request) (api.Client, http.Header, error) {
			return client, nil, nil
		}
	case o.secure:
		return api.NewClientFromBearerToken
	}
	return api.NewPublicClient
}

// newHandler returns the handler serving the htsget endpoints.  The recorder
// is nil unless usage tracking is enabled.
func newHandler(o options, logger zerolog.Logger) (http.Handler, *analytics.Recorder) {
	server := api.NewServer(o.storageClient(), o.blockSize, logger)
	if len(o.buckets) > 0 {
		server.Whitelist(o.buckets)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	server.Register(router)

	if !o.trackUsage {
		return router, nil
	}
	recorder := analytics.NewRecorder(logger)
	router.GET("/debug/analytics", func(c *gin.Context) {
		c.JSON(http.StatusOK, recorder.Totals())
	})
	return analytics.TrackingHandler(router, recorder.Track), recorder
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func serve(ctx context.Context, o options, logger zerolog.Logger) error {
	if err := o.validate(); err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	handler, recorder := newHandler(o, logger)
	if recorder != nil {
		logger.Info().Msg("usage tracking enabled")
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", o.port), Handler: handler}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("address", srv.Addr).Bool("secure", o.secure).Msg("serving")
		var err error
		if o.secure {
			err = srv.ListenAndServeTLS(o.httpsCert, o.httpsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "alignstore-server:", err)
		os.Exit(1)
	}
}
