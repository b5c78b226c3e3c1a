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

package violationindexer_test

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-violationindexer"
	"github.com/elastic/go-violationindexer/violationindexertest"
)

func TestIndexerIntegration(t *testing.T) {
	switch strings.ToLower(os.Getenv("INTEGRATION_TESTS")) {
	case "1", "true":
	default:
		t.Skip("Skipping integration test, export INTEGRATION_TESTS=1 to run")
	}

	config := elasticsearch.Config{}
	config.Username = "admin"
	config.Password = "changeme"
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)

	const N = 25
	records := make([]map[string]any, N)
	for i := range records {
		records[i] = violationindexertest.Record(strconv.Itoa(4000000000 + i))
	}
	srv := violationindexertest.NewMockSocrataServer(t, records)
	fetcher, err := violationindexer.NewFetcher(violationindexer.FetcherConfig{
		BaseURL:   srv.URL,
		DatasetID: "nc67-uf89",
	})
	require.NoError(t, err)

	index := "parking-violations-testing"
	deleteIndex := func() {
		resp, err := esapi.IndicesDeleteRequest{Index: []string{index}}.Do(context.Background(), client)
		require.NoError(t, err)
		defer resp.Body.Close()
	}
	deleteIndex()
	defer deleteIndex()

	indexer, err := violationindexer.New(client, fetcher, violationindexer.Config{
		Index:    index,
		PageSize: 10,
		NumPages: 3,
	})
	require.NoError(t, err)

	count := func() int {
		resp, err := esapi.IndicesRefreshRequest{Index: []string{index}}.Do(context.Background(), client)
		require.NoError(t, err)
		resp.Body.Close()

		var result struct {
			Count int
		}
		resp, err = esapi.CountRequest{Index: []string{index}}.Do(context.Background(), client)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		return result.Count
	}

	summary, err := indexer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, violationindexer.IndexCreated, summary.IndexStatus)
	assert.Equal(t, int64(N), summary.Indexed)
	assert.Equal(t, N, count())

	// Documents are keyed by summons number, so a second run overwrites them.
	summary, err = indexer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, violationindexer.IndexExists, summary.IndexStatus)
	assert.Equal(t, int64(N), summary.Indexed)
	assert.Equal(t, N, count())
}
