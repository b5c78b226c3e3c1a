// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Command violationindexer indexes pages of the NYC parking violations
// dataset into Elasticsearch.
//
// Connection settings are read from the environment: DATASET_ID, APP_TOKEN,
// ES_HOST, ES_USERNAME, ES_PASSWORD and INDEX_NAME are required.
//
//	violationindexer --page_size 1000 --num_pages 10
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/spf13/pflag"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-violationindexer"
	"github.com/elastic/go-violationindexer/internal/config"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	settings, err := config.Load("violationindexer", args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "violationindexer: %v\n", err)
		return exitUsage
	}

	logger, err := newLogger(settings)
	if err != nil {
		fmt.Fprintf(stderr, "violationindexer: %v\n", err)
		return exitUsage
	}
	defer logger.Sync()

	client, err := newElasticsearchClient(settings)
	if err != nil {
		logger.Error("error creating Elasticsearch client", zap.Error(err))
		return exitUsage
	}
	fetcher, err := violationindexer.NewFetcher(settings.FetcherConfig())
	if err != nil {
		logger.Error("error creating dataset fetcher", zap.Error(err))
		return exitUsage
	}

	cfg := settings.IndexerConfig()
	cfg.Logger = logger
	if os.Getenv("ELASTIC_APM_SERVER_URL") != "" {
		tracer := apm.DefaultTracer()
		defer func() {
			tracer.Flush(nil)
			tracer.Close()
		}()
		cfg.Tracer = tracer
	}

	indexer, err := violationindexer.New(client, fetcher, cfg)
	if err != nil {
		logger.Error("error creating indexer", zap.Error(err))
		return exitUsage
	}
	logger.Info("starting",
		zap.String("dataset", settings.DatasetID),
		zap.String("index", settings.IndexName),
		zap.Int("page_size", settings.PageSize),
		zap.Int("num_pages", settings.NumPages),
	)
	if _, err := indexer.Run(ctx); err != nil {
		logger.Error("run failed", zap.Error(err))
		return exitFailed
	}
	return exitOK
}

func newLogger(s *config.Settings) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if s.LogDevelopment {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	return cfg.Build()
}

func newElasticsearchClient(s *config.Settings) (*elasticsearch.Client, error) {
	retryBackoff := backoff.NewExponentialBackOff()
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{s.ESHost},
		Username:  s.ESUsername,
		Password:  s.ESPassword,
		Transport: apmelasticsearch.WrapRoundTripper(http.DefaultTransport),

		// Retry on 429 TooManyRequests statuses
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			if i == 1 {
				retryBackoff.Reset()
			}
			return retryBackoff.NextBackOff()
		},
		MaxRetries:   s.ESMaxRetries,
		DisableRetry: s.ESMaxRetries <= 0,
	})
}
