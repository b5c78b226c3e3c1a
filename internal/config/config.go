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

// Package config loads the violationindexer command settings from the
// environment and the command line.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"

	"github.com/elastic/go-violationindexer"
)

// Settings holds the command configuration. Connection settings come from
// the environment, run settings from flags.
type Settings struct {
	DatasetID  string `envconfig:"DATASET_ID" required:"true"`
	AppToken   string `envconfig:"APP_TOKEN" required:"true"`
	ESHost     string `envconfig:"ES_HOST" required:"true"`
	ESUsername string `envconfig:"ES_USERNAME" required:"true"`
	ESPassword string `envconfig:"ES_PASSWORD" required:"true"`
	IndexName  string `envconfig:"INDEX_NAME" required:"true"`

	SocrataURL       string        `envconfig:"SOCRATA_URL" default:"https://data.cityofnewyork.us"`
	SocrataTimeout   time.Duration `envconfig:"SOCRATA_TIMEOUT" default:"30s"`
	IssueDateFormat  string        `envconfig:"ISSUE_DATE_FORMAT" default:"mm/dd/yyyy"`
	DocumentType     string        `envconfig:"BULK_DOCUMENT_TYPE" default:"_doc"`
	NumberOfShards   int           `envconfig:"ES_NUMBER_OF_SHARDS" default:"1"`
	NumberOfReplicas int           `envconfig:"ES_NUMBER_OF_REPLICAS" default:"1"`
	ESMaxRetries     int           `envconfig:"ES_MAX_RETRIES" default:"5"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment   bool          `envconfig:"LOG_DEVELOPMENT"`

	PageSize         int           `ignored:"true"`
	NumPages         int           `ignored:"true"`
	Prefetch         bool          `ignored:"true"`
	CompressionLevel int           `ignored:"true"`
	FlushTimeout     time.Duration `ignored:"true"`
	Pipeline         string        `ignored:"true"`
}

// Load parses args as command line flags and reads the environment.
// It returns pflag.ErrHelp when help was requested.
func Load(name string, args []string) (*Settings, error) {
	s := &Settings{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.IntVar(&s.PageSize, "page_size", 0, "how many rows to get per page (required)")
	fs.IntVar(&s.NumPages, "num_pages", 0, "how many pages to get in total (required)")
	fs.BoolVar(&s.Prefetch, "prefetch", false, "fetch the next page while indexing the current one")
	fs.IntVar(&s.CompressionLevel, "compression_level", 0, "gzip level of bulk requests, -1 to 9 (0 disables compression)")
	fs.DurationVar(&s.FlushTimeout, "flush_timeout", 0, "timeout of each bulk request (0 disables the timeout)")
	fs.StringVar(&s.Pipeline, "pipeline", "", "ingest pipeline applied to indexed documents")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for _, required := range []string{"page_size", "num_pages"} {
		if !fs.Changed(required) {
			return nil, fmt.Errorf("required flag --%s not set", required)
		}
	}
	if s.PageSize <= 0 {
		return nil, fmt.Errorf("--page_size must be positive, got %d", s.PageSize)
	}
	if s.NumPages <= 0 {
		return nil, fmt.Errorf("--num_pages must be positive, got %d", s.NumPages)
	}
	if s.NumPages > math.MaxInt/s.PageSize {
		return nil, fmt.Errorf("--page_size * --num_pages overflows the record offset: %d*%d", s.PageSize, s.NumPages)
	}

	if err := envconfig.Process("", s); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if s.NumberOfShards <= 0 {
		return nil, errors.New("ES_NUMBER_OF_SHARDS must be positive")
	}
	if s.NumberOfReplicas < 0 {
		return nil, errors.New("ES_NUMBER_OF_REPLICAS must not be negative")
	}
	return s, nil
}

// IndexerConfig returns the violationindexer.Config described by s. The
// observability fields are left for the caller to fill.
func (s *Settings) IndexerConfig() violationindexer.Config {
	replicas := s.NumberOfReplicas
	if replicas == 0 {
		// A zero value means "use the default" to violationindexer.
		replicas = -1
	}
	return violationindexer.Config{
		Index:            s.IndexName,
		DocumentType:     s.DocumentType,
		PageSize:         s.PageSize,
		NumPages:         s.NumPages,
		Prefetch:         s.Prefetch,
		CompressionLevel: s.CompressionLevel,
		FlushTimeout:     s.FlushTimeout,
		Pipeline:         s.Pipeline,
		Mapping: violationindexer.MappingConfig{
			NumberOfShards:   s.NumberOfShards,
			NumberOfReplicas: replicas,
			IssueDateFormat:  s.IssueDateFormat,
		},
	}
}

// FetcherConfig returns the violationindexer.FetcherConfig described by s.
func (s *Settings) FetcherConfig() violationindexer.FetcherConfig {
	return violationindexer.FetcherConfig{
		BaseURL:   s.SocrataURL,
		DatasetID: s.DatasetID,
		AppToken:  s.AppToken,
		Timeout:   s.SocrataTimeout,
	}
}
