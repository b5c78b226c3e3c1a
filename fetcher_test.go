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
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-violationindexer"
	"github.com/elastic/go-violationindexer/violationindexertest"
)

func TestPageAt(t *testing.T) {
	var pages []violationindexer.Page
	for n := 0; n < 3; n++ {
		pages = append(pages, violationindexer.PageAt(n, 2))
	}
	assert.Equal(t, []violationindexer.Page{
		{Number: 0, Offset: 0, Limit: 2},
		{Number: 1, Offset: 2, Limit: 2},
		{Number: 2, Offset: 4, Limit: 2},
	}, pages)
	assert.Equal(t, violationindexer.Page{Number: 0, Offset: 0, Limit: 1000},
		violationindexer.PageAt(0, 1000),
	)
}

func testRecords(n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = violationindexertest.Record(strconv.Itoa(1000000000 + i))
	}
	return records
}

func TestFetcher(t *testing.T) {
	srv := violationindexertest.NewMockSocrataServer(t, testRecords(5))
	fetcher, err := violationindexer.NewFetcher(violationindexer.FetcherConfig{
		BaseURL:   srv.URL,
		DatasetID: "nc67-uf89",
		AppToken:  "secret-token",
	})
	require.NoError(t, err)

	var summons []string
	for n := 0; n < 3; n++ {
		page := violationindexer.PageAt(n, 2)
		rows, err := fetcher.FetchPage(context.Background(), page)
		require.NoError(t, err)
		for _, row := range rows {
			summons = append(summons, row[violationindexer.FieldSummonsNumber].(string))
		}
	}
	assert.Equal(t, []string{
		"1000000000", "1000000001", "1000000002", "1000000003", "1000000004",
	}, summons)

	requests := srv.Requests()
	require.Len(t, requests, 3)
	for i, req := range requests {
		assert.Equal(t, violationindexertest.SocrataRequest{
			Path:     "/resource/nc67-uf89.json",
			Order:    "summons_number",
			Limit:    2,
			Offset:   i * 2,
			AppToken: "secret-token",
		}, req)
	}
}

func TestFetcherPastEnd(t *testing.T) {
	srv := violationindexertest.NewMockSocrataServer(t, testRecords(3))
	fetcher, err := violationindexer.NewFetcher(violationindexer.FetcherConfig{
		BaseURL:   srv.URL,
		DatasetID: "nc67-uf89",
	})
	require.NoError(t, err)

	rows, err := fetcher.FetchPage(context.Background(), violationindexer.Page{Number: 5, Offset: 10, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, rows)

	requests := srv.Requests()
	require.Len(t, requests, 1)
	assert.Empty(t, requests[0].AppToken)
}

func TestFetcherNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"summons_number": 1234567890, "fine_amount": 65.5}]`))
	}))
	defer srv.Close()
	fetcher, err := violationindexer.NewFetcher(violationindexer.FetcherConfig{
		BaseURL:   srv.URL,
		DatasetID: "nc67-uf89",
	})
	require.NoError(t, err)

	rows, err := fetcher.FetchPage(context.Background(), violationindexer.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, json.Number("1234567890"), rows[0]["summons_number"])
	assert.Equal(t, json.Number("65.5"), rows[0]["fine_amount"])
}

func TestFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("$offset") {
		case "0":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"code":"permission_denied","message":"Invalid app_token specified"}` + "\n"))
		case "1":
			w.Write([]byte(`{"not": "an array"}`))
		}
	}))
	defer srv.Close()
	fetcher, err := violationindexer.NewFetcher(violationindexer.FetcherConfig{
		BaseURL:   srv.URL,
		DatasetID: "nc67-uf89",
		AppToken:  "invalid",
	})
	require.NoError(t, err)

	page := violationindexer.Page{Number: 0, Offset: 0, Limit: 1}
	_, err = fetcher.FetchPage(context.Background(), page)
	var fetchErr *violationindexer.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, page, fetchErr.Page)
	assert.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
	assert.Equal(t, `{"code":"permission_denied","message":"Invalid app_token specified"}`, fetchErr.Body)

	_, err = fetcher.FetchPage(context.Background(), violationindexer.Page{Number: 1, Offset: 1, Limit: 1})
	require.Error(t, err)
	assert.ErrorContains(t, err, "error decoding page 1")
}

func TestFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fetcher, err := violationindexer.NewFetcher(violationindexer.FetcherConfig{
		BaseURL:   srv.URL,
		DatasetID: "nc67-uf89",
		Timeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = fetcher.FetchPage(context.Background(), violationindexer.Page{Limit: 1})
	assert.ErrorContains(t, err, "failed to execute the request")
}

func TestNewFetcherInvalidConfig(t *testing.T) {
	_, err := violationindexer.NewFetcher(violationindexer.FetcherConfig{})
	assert.EqualError(t, err, "missing dataset id")

	_, err = violationindexer.NewFetcher(violationindexer.FetcherConfig{
		BaseURL:   "data.cityofnewyork.us",
		DatasetID: "nc67-uf89",
	})
	assert.EqualError(t, err, `invalid base url "data.cityofnewyork.us": expected scheme and host`)
}
