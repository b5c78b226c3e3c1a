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

// Package violationindexertest provides mock Elasticsearch and Socrata
// servers for testing violationindexer.
package violationindexertest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkRequest holds a decoded /_bulk request body.
type BulkRequest struct {
	// Lines holds every ND-JSON line of the body, in order.
	Lines []string
	// Actions holds the decoded action lines.
	Actions []map[string]map[string]any
	// Documents holds the raw document lines.
	Documents [][]byte
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// request and a successful response body.
func DecodeBulkRequest(r *http.Request) (BulkRequest, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var req BulkRequest
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		req.Lines = append(req.Lines, scanner.Text())
		action := make(map[string]map[string]any)
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var actionType string
		var meta map[string]any
		for actionType, meta = range action {
		}
		if !scanner.Scan() {
			panic("expected source")
		}
		req.Lines = append(req.Lines, scanner.Text())

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		req.Actions = append(req.Actions, action)
		req.Documents = append(req.Documents, doc)

		item := esutil.BulkIndexerResponseItem{Status: http.StatusCreated}
		if index, ok := meta["_index"].(string); ok {
			item.Index = index
		}
		if id, ok := meta["_id"].(string); ok {
			item.DocumentID = id
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{actionType: item})
	}
	return req, result
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends
// /_bulk requests to bulkHandler and index creation requests to a handler
// that reports the index as created.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	return NewMockElasticsearchClientWithIndexHandler(t, bulkHandler, CreateIndexHandler(nil))
}

// NewMockElasticsearchClientWithIndexHandler is like NewMockElasticsearchClient,
// sending PUT /{index} requests to indexHandler.
func NewMockElasticsearchClientWithIndexHandler(t testing.TB, bulkHandler, indexHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler, indexHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an elasticsearch.Config which
// sends /_bulk requests to bulkHandler and every other request to indexHandler.
// The httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler, indexHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		indexHandler.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// CreateIndexHandler returns a handler acknowledging index creation.
// Each request body is passed to onCreate if it is non-nil.
func CreateIndexHandler(onCreate func(index string, body map[string]any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		index := strings.Trim(r.URL.Path, "/")
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if onCreate != nil {
			onCreate(index, body)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"acknowledged":        true,
			"shards_acknowledged": true,
			"index":               index,
		})
	}
}

// ExistingIndexHandler returns a handler that creates the index on the
// first request and answers every later request with
// resource_already_exists_exception, like Elasticsearch does.
func ExistingIndexHandler() http.HandlerFunc {
	var mu sync.Mutex
	created := make(map[string]bool)
	createIndex := CreateIndexHandler(nil)
	return func(w http.ResponseWriter, r *http.Request) {
		index := strings.Trim(r.URL.Path, "/")
		mu.Lock()
		exists := created[index]
		created[index] = true
		mu.Unlock()
		if !exists {
			createIndex(w, r)
			return
		}
		ErrorHandler(http.StatusBadRequest, "resource_already_exists_exception",
			fmt.Sprintf("index [%s/abc] already exists", index),
		)(w, r)
	}
}

// ErrorHandler returns a handler answering with an Elasticsearch error body.
func ErrorHandler(status int, errType, reason string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":   errType,
				"reason": reason,
			},
			"status": status,
		})
	}
}

// SocrataRequest is a page request received by a mock Socrata server.
type SocrataRequest struct {
	Path     string
	Order    string
	Limit    int
	Offset   int
	AppToken string
}

// SocrataServer is a mock Socrata SODA resource endpoint serving a fixed
// set of records.
type SocrataServer struct {
	*httptest.Server

	mu       sync.Mutex
	records  []map[string]any
	requests []SocrataRequest
}

// NewMockSocrataServer starts a server serving records, sliced with the
// $limit and $offset query parameters. The server will be closed via
// t.Cleanup.
func NewMockSocrataServer(t testing.TB, records []map[string]any) *SocrataServer {
	s := &SocrataServer{records: records}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *SocrataServer) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("$limit"))
	if err != nil {
		http.Error(w, `{"code":"query.soql.invalid","message":"invalid $limit"}`, http.StatusBadRequest)
		return
	}
	offset, _ := strconv.Atoi(q.Get("$offset"))

	s.mu.Lock()
	s.requests = append(s.requests, SocrataRequest{
		Path:     r.URL.Path,
		Order:    q.Get("$order"),
		Limit:    limit,
		Offset:   offset,
		AppToken: r.Header.Get("X-App-Token"),
	})
	page := []map[string]any{}
	if offset < len(s.records) {
		end := min(offset+limit, len(s.records))
		page = s.records[offset:end]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

// Requests returns the page requests received so far.
func (s *SocrataServer) Requests() []SocrataRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SocrataRequest(nil), s.requests...)
}

// Record returns a raw record holding every field, with summons as its
// summons number.
func Record(summons string) map[string]any {
	return map[string]any{
		"plate":            "ABC123",
		"state":            "NY",
		"license_type":     "PAS",
		"summons_number":   summons,
		"issue_date":       "03/15/2021",
		"violation_time":   "09:14A",
		"violation":        "NO PARKING-STREET CLEANING",
		"fine_amount":      "65.00",
		"penalty_amount":   "10.00",
		"interest_amount":  "0.00",
		"reduction_amount": "0.00",
		"payment_amount":   "75.00",
		"amount_due":       "0.00",
		"precinct":         "019",
		"county":           "NY",
		"issuing_agency":   "TRAFFIC",
	}
}
