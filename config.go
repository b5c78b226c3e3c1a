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

package violationindexer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultIssueDateFormat is the date format used for the issue_date
	// field mapping.
	DefaultIssueDateFormat = "mm/dd/yyyy"

	// LegacyDocumentType is the mapping type emitted in bulk action lines
	// by Elasticsearch clusters older than 8.0.
	LegacyDocumentType = "_doc"
)

// Config holds configuration for Indexer.
type Config struct {
	// Logger holds an optional Logger to use for logging page progress,
	// dropped rows and bulk failures.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing pages. Each
	// page is traced as a transaction.
	//
	// If Tracer is nil, pages will not be traced with Elastic APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. It is only used
	// when Tracer is nil.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record indexer metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// Index holds the destination index name. It is required.
	Index string

	// DocumentType holds the optional mapping type written as "_type" in
	// every bulk action line. Elasticsearch 8 rejects the field, so it is
	// omitted when empty.
	DocumentType string

	// PageSize holds the number of records requested per page. It is
	// required and must be positive.
	PageSize int

	// NumPages holds the number of pages to fetch. It is required and must
	// be positive.
	NumPages int

	// Prefetch enables fetching the next page while the current page is
	// being indexed.
	Prefetch bool

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// FlushTimeout holds the timeout for each bulk request.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Mapping configures the index created by EnsureIndex.
	Mapping MappingConfig
}

// MappingConfig holds the settings of the provisioned index.
type MappingConfig struct {
	// NumberOfShards defaults to 1.
	NumberOfShards int

	// NumberOfReplicas defaults to 1. Use a negative value for zero replicas.
	NumberOfReplicas int

	// IssueDateFormat holds the date format of the issue_date field.
	//
	// If empty, DefaultIssueDateFormat is used.
	IssueDateFormat string
}

// DefaultConfig returns cfg with zero values replaced by their defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Mapping.NumberOfShards <= 0 {
		cfg.Mapping.NumberOfShards = 1
	}
	if cfg.Mapping.NumberOfReplicas == 0 {
		cfg.Mapping.NumberOfReplicas = 1
	}
	if cfg.Mapping.NumberOfReplicas < 0 {
		cfg.Mapping.NumberOfReplicas = 0
	}
	if cfg.Mapping.IssueDateFormat == "" {
		cfg.Mapping.IssueDateFormat = DefaultIssueDateFormat
	}
	return cfg
}

// Validate returns an error if cfg cannot be used to run an Indexer.
func (cfg Config) Validate() error {
	if cfg.Index == "" {
		return errMissingIndex
	}
	if cfg.PageSize <= 0 {
		return fmt.Errorf("expected positive PageSize, got %d", cfg.PageSize)
	}
	if cfg.NumPages <= 0 {
		return fmt.Errorf("expected positive NumPages, got %d", cfg.NumPages)
	}
	if cfg.NumPages > math.MaxInt/cfg.PageSize {
		return fmt.Errorf(
			"PageSize*NumPages overflows the record offset: %d*%d",
			cfg.PageSize, cfg.NumPages,
		)
	}
	if cfg.CompressionLevel < gzip.DefaultCompression || cfg.CompressionLevel > gzip.BestCompression {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return nil
}

var errMissingIndex = errors.New("missing index name")
