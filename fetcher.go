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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/apm/module/apmhttp/v2"
)

const (
	// DefaultSocrataURL is the NYC Open Data portal.
	DefaultSocrataURL = "https://data.cityofnewyork.us"

	// DefaultOrder is the sort key used for stable pagination.
	DefaultOrder = FieldSummonsNumber

	appTokenHeader = "X-App-Token"
)

// Upstream numbers are kept as json.Number so that string fields holding
// numeric values are rendered exactly as sent.
var pageDecoder = jsoniter.Config{UseNumber: true}.Froze()

// Page identifies one limit/offset slice of the upstream dataset.
type Page struct {
	Number int
	Offset int
	Limit  int
}

// PageAt returns the page with the given number, counting from zero.
// Callers must ensure number*pageSize does not overflow; Config.Validate
// checks this for a whole run.
func PageAt(number, pageSize int) Page {
	return Page{Number: number, Offset: number * pageSize, Limit: pageSize}
}

// PageFetcher fetches one page of raw records.
type PageFetcher interface {
	FetchPage(ctx context.Context, page Page) ([]RawRecord, error)
}

// FetcherConfig holds configuration for Fetcher.
type FetcherConfig struct {
	// BaseURL holds the scheme and host of the Socrata portal.
	//
	// If BaseURL is empty, DefaultSocrataURL is used.
	BaseURL string

	// DatasetID holds the dataset identifier, e.g. "nc67-uf89". It is required.
	DatasetID string

	// AppToken holds the Socrata application token. Requests are sent
	// anonymously, and throttled more aggressively by Socrata, when empty.
	AppToken string

	// Order holds the sort key. If empty, DefaultOrder is used.
	Order string

	// Timeout holds the timeout of each page request.
	//
	// If Timeout is zero, the default of 30 seconds will be used.
	Timeout time.Duration

	// Client holds an optional HTTP client. When set, Timeout is ignored.
	Client *http.Client
}

// Fetcher fetches pages from the Socrata SODA resource endpoint.
type Fetcher struct {
	config   FetcherConfig
	client   *http.Client
	endpoint string
}

// FetchError is returned when the dataset API answers with an error status.
type FetchError struct {
	Page       Page
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("page %d (offset %d): unexpected status %d: %s",
		e.Page.Number, e.Page.Offset, e.StatusCode, e.Body,
	)
}

// NewFetcher returns a Fetcher for cfg.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.DatasetID == "" {
		return nil, errors.New("missing dataset id")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSocrataURL
	}
	if cfg.Order == "" {
		cfg.Order = DefaultOrder
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: expected scheme and host", cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = apmhttp.WrapClient(&http.Client{Timeout: cfg.Timeout})
	}
	return &Fetcher{
		config:   cfg,
		client:   client,
		endpoint: base.JoinPath("resource", cfg.DatasetID+".json").String(),
	}, nil
}

// FetchPage requests page from the dataset, ordered by the configured key.
func (f *Fetcher) FetchPage(ctx context.Context, page Page) ([]RawRecord, error) {
	query := url.Values{}
	query.Set("$order", f.config.Order)
	query.Set("$limit", strconv.Itoa(page.Limit))
	query.Set("$offset", strconv.Itoa(page.Offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.config.AppToken != "" {
		req.Header.Set(appTokenHeader, f.config.AppToken)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, &FetchError{
			Page:       page,
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var records []RawRecord
	if err := pageDecoder.NewDecoder(res.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("error decoding page %d: %w", page.Number, err)
	}
	return records, nil
}
