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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// IndexStatus describes the outcome of a successful EnsureIndex call.
type IndexStatus int

const (
	// IndexCreated means the index did not exist and has been created.
	IndexCreated IndexStatus = iota + 1

	// IndexExists means the index already existed and was left untouched.
	IndexExists
)

func (s IndexStatus) String() string {
	switch s {
	case IndexCreated:
		return "created"
	case IndexExists:
		return "exists"
	}
	return "unknown"
}

// ProvisionErrorKind classifies index creation failures, so that callers
// can tell connectivity problems from credential or request problems.
type ProvisionErrorKind int

const (
	// ProvisionTransport means no response was received from Elasticsearch.
	ProvisionTransport ProvisionErrorKind = iota + 1

	// ProvisionAuth means Elasticsearch rejected the credentials.
	ProvisionAuth

	// ProvisionRejected means Elasticsearch refused to create the index for
	// any other reason, e.g. an invalid mapping.
	ProvisionRejected
)

func (k ProvisionErrorKind) String() string {
	switch k {
	case ProvisionTransport:
		return "transport"
	case ProvisionAuth:
		return "auth"
	case ProvisionRejected:
		return "rejected"
	}
	return "unknown"
}

// ProvisionError is returned by EnsureIndex when the index could not be
// created and does not already exist.
type ProvisionError struct {
	Kind       ProvisionErrorKind
	Index      string
	StatusCode int
	Type       string
	Reason     string
	Err        error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to create index %q (%s): %v", e.Index, e.Kind, e.Err)
	}
	return fmt.Sprintf("failed to create index %q (%s): [%d] %s: %s",
		e.Index, e.Kind, e.StatusCode, e.Type, e.Reason,
	)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

const resourceAlreadyExists = "resource_already_exists_exception"

type indexBody struct {
	Settings struct {
		NumberOfShards   int `json:"number_of_shards"`
		NumberOfReplicas int `json:"number_of_replicas"`
	} `json:"settings"`
	Mappings struct {
		Properties map[string]fieldMapping `json:"properties"`
	} `json:"mappings"`
}

type fieldMapping struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
}

// IndexMapping returns the create index request body for cfg.
func IndexMapping(cfg MappingConfig) ([]byte, error) {
	cfg = DefaultConfig(Config{Mapping: cfg}).Mapping
	var body indexBody
	body.Settings.NumberOfShards = cfg.NumberOfShards
	body.Settings.NumberOfReplicas = cfg.NumberOfReplicas

	keyword := fieldMapping{Type: "keyword"}
	float := fieldMapping{Type: "float"}
	body.Mappings.Properties = map[string]fieldMapping{
		FieldPlate:           keyword,
		FieldState:           keyword,
		FieldLicenseType:     keyword,
		FieldSummonsNumber:   keyword,
		FieldIssueDate:       {Type: "date", Format: cfg.IssueDateFormat},
		FieldViolationTime:   keyword,
		FieldViolation:       keyword,
		FieldFineAmount:      float,
		FieldPenaltyAmount:   float,
		FieldInterestAmount:  float,
		FieldReductionAmount: float,
		FieldPaymentAmount:   float,
		FieldAmountDue:       float,
		FieldPrecinct:        keyword,
		FieldCounty:          keyword,
		FieldIssuingAgency:   keyword,
	}
	// Sorted keys keep the request body stable between runs.
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(body)
}

// EnsureIndex creates the destination index with the violation mapping.
// An index that already exists is not an error: EnsureIndex returns
// IndexExists and may be called any number of times.
func (i *Indexer) EnsureIndex(ctx context.Context) (IndexStatus, error) {
	logger := i.config.Logger.With(zap.String("index", i.config.Index))
	body, err := IndexMapping(i.config.Mapping)
	if err != nil {
		return 0, fmt.Errorf("failed to encode index mapping: %w", err)
	}

	res, err := esapi.IndicesCreateRequest{
		Index: i.config.Index,
		Body:  bytes.NewReader(body),
	}.Do(ctx, i.client)
	if err != nil {
		perr := &ProvisionError{Kind: ProvisionTransport, Index: i.config.Index, Err: err}
		logger.Error("index creation request failed", zap.Stringer("kind", perr.Kind), zap.Error(err))
		return 0, perr
	}
	defer res.Body.Close()

	respBody, _ := io.ReadAll(res.Body)
	if !res.IsError() {
		logger.Info("index created", zap.ByteString("response", respBody))
		return IndexCreated, nil
	}

	var errResp struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	// Proxies may answer with a non-JSON body; the status code is enough then.
	_ = jsoniter.Unmarshal(respBody, &errResp)

	if res.StatusCode == http.StatusBadRequest && errResp.Error.Type == resourceAlreadyExists {
		logger.Info("index already exists, skipping creation")
		return IndexExists, nil
	}

	perr := &ProvisionError{
		Kind:       ProvisionRejected,
		Index:      i.config.Index,
		StatusCode: res.StatusCode,
		Type:       errResp.Error.Type,
		Reason:     errResp.Error.Reason,
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		perr.Kind = ProvisionAuth
	}
	if perr.Reason == "" {
		perr.Reason = string(respBody)
	}
	logger.Error("index creation rejected",
		zap.Stringer("kind", perr.Kind),
		zap.Int("status", perr.StatusCode),
		zap.String("error.type", perr.Type),
		zap.String("error.reason", perr.Reason),
	)
	return 0, perr
}
