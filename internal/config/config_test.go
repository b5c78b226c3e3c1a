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

package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-violationindexer"
	"github.com/elastic/go-violationindexer/internal/config"
)

var requiredEnv = map[string]string{
	"DATASET_ID":  "nc67-uf89",
	"APP_TOKEN":   "secret-token",
	"ES_HOST":     "http://localhost:9200",
	"ES_USERNAME": "elastic",
	"ES_PASSWORD": "changeme",
	"INDEX_NAME":  "parking1",
}

func setRequiredEnv(t *testing.T) {
	for k, v := range requiredEnv {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	s, err := config.Load("violationindexer", []string{"--page_size", "1000", "--num_pages", "10"})
	require.NoError(t, err)

	assert.Equal(t, &config.Settings{
		DatasetID:        "nc67-uf89",
		AppToken:         "secret-token",
		ESHost:           "http://localhost:9200",
		ESUsername:       "elastic",
		ESPassword:       "changeme",
		IndexName:        "parking1",
		SocrataURL:       "https://data.cityofnewyork.us",
		SocrataTimeout:   30 * time.Second,
		IssueDateFormat:  "mm/dd/yyyy",
		DocumentType:     "_doc",
		NumberOfShards:   1,
		NumberOfReplicas: 1,
		ESMaxRetries:     5,
		LogLevel:         "info",
		PageSize:         1000,
		NumPages:         10,
	}, s)
}

func TestLoadFlags(t *testing.T) {
	setRequiredEnv(t)
	s, err := config.Load("violationindexer", []string{
		"--page_size=50",
		"--num_pages=2",
		"--prefetch",
		"--compression_level=-1",
		"--flush_timeout=10s",
		"--pipeline=violations",
	})
	require.NoError(t, err)
	assert.Equal(t, 50, s.PageSize)
	assert.Equal(t, 2, s.NumPages)
	assert.True(t, s.Prefetch)
	assert.Equal(t, -1, s.CompressionLevel)
	assert.Equal(t, 10*time.Second, s.FlushTimeout)
	assert.Equal(t, "violations", s.Pipeline)
}

func TestLoadMissingFlag(t *testing.T) {
	setRequiredEnv(t)
	for _, tc := range []struct {
		args   []string
		errMsg string
	}{
		{args: []string{"--page_size", "1000"}, errMsg: "required flag --num_pages not set"},
		{args: []string{"--num_pages", "10"}, errMsg: "required flag --page_size not set"},
		{args: nil, errMsg: "required flag --page_size not set"},
		{args: []string{"--page_size", "0", "--num_pages", "10"}, errMsg: "--page_size must be positive, got 0"},
		{args: []string{"--page_size", "10", "--num_pages", "-1"}, errMsg: "--num_pages must be positive, got -1"},
		{
			args:   []string{"--page_size", "4611686018427387904", "--num_pages", "3"},
			errMsg: "--page_size * --num_pages overflows the record offset: 4611686018427387904*3",
		},
	} {
		_, err := config.Load("violationindexer", tc.args)
		assert.EqualError(t, err, tc.errMsg)
	}

	_, err := config.Load("violationindexer", []string{"--page_size", "ten"})
	assert.Error(t, err)

	_, err = config.Load("violationindexer", []string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestLoadMissingEnv(t *testing.T) {
	for missing := range requiredEnv {
		t.Run(missing, func(t *testing.T) {
			setRequiredEnv(t)
			// t.Setenv restores the variable on cleanup
			os.Unsetenv(missing)
			_, err := config.Load("violationindexer", []string{"--page_size", "1", "--num_pages", "1"})
			require.Error(t, err)
			assert.ErrorContains(t, err, missing)
		})
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	for _, tc := range []struct {
		key, value string
		errMsg     string
	}{
		{key: "ES_NUMBER_OF_SHARDS", value: "0", errMsg: "ES_NUMBER_OF_SHARDS must be positive"},
		{key: "ES_NUMBER_OF_REPLICAS", value: "-1", errMsg: "ES_NUMBER_OF_REPLICAS must not be negative"},
		{key: "SOCRATA_TIMEOUT", value: "soon", errMsg: "SOCRATA_TIMEOUT"},
		{key: "ES_MAX_RETRIES", value: "many", errMsg: "ES_MAX_RETRIES"},
	} {
		t.Run(tc.key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := config.Load("violationindexer", []string{"--page_size", "1", "--num_pages", "1"})
			assert.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestSettingsIndexerConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ES_NUMBER_OF_REPLICAS", "0")
	t.Setenv("BULK_DOCUMENT_TYPE", "")
	s, err := config.Load("violationindexer", []string{"--page_size", "1000", "--num_pages", "3"})
	require.NoError(t, err)

	cfg := s.IndexerConfig()
	assert.Equal(t, "parking1", cfg.Index)
	assert.Empty(t, cfg.DocumentType)
	assert.Equal(t, 1000, cfg.PageSize)
	assert.Equal(t, 3, cfg.NumPages)
	assert.NoError(t, cfg.Validate())

	mapping := violationindexer.DefaultConfig(cfg).Mapping
	assert.Equal(t, violationindexer.MappingConfig{
		NumberOfShards:   1,
		NumberOfReplicas: 0,
		IssueDateFormat:  "mm/dd/yyyy",
	}, mapping)

	assert.Equal(t, violationindexer.FetcherConfig{
		BaseURL:   "https://data.cityofnewyork.us",
		DatasetID: "nc67-uf89",
		AppToken:  "secret-token",
		Timeout:   30 * time.Second,
	}, s.FetcherConfig())
}
