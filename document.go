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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.elastic.co/fastjson"
)

// Field names shared by raw records, documents and the index mapping.
const (
	FieldPlate           = "plate"
	FieldState           = "state"
	FieldLicenseType     = "license_type"
	FieldSummonsNumber   = "summons_number"
	FieldIssueDate       = "issue_date"
	FieldViolationTime   = "violation_time"
	FieldViolation       = "violation"
	FieldFineAmount      = "fine_amount"
	FieldPenaltyAmount   = "penalty_amount"
	FieldInterestAmount  = "interest_amount"
	FieldReductionAmount = "reduction_amount"
	FieldPaymentAmount   = "payment_amount"
	FieldAmountDue       = "amount_due"
	FieldPrecinct        = "precinct"
	FieldCounty          = "county"
	FieldIssuingAgency   = "issuing_agency"
)

// RawRecord is a single upstream record, as decoded from the dataset API.
type RawRecord map[string]any

// DropReason identifies why a raw record was not turned into a Document.
type DropReason string

const (
	DropMissingField  DropReason = "missing_field"
	DropInvalidField  DropReason = "invalid_field"
	DropInvalidAmount DropReason = "invalid_amount"
)

// RowError is returned by Transform for records that are dropped.
type RowError struct {
	Reason DropReason
	Field  string
	Value  any
}

func (e *RowError) Error() string {
	if e.Reason == DropMissingField {
		return fmt.Sprintf("%s: %q", e.Reason, e.Field)
	}
	return fmt.Sprintf("%s: %q has value %v", e.Reason, e.Field, e.Value)
}

// Document is the normalized form of a parking violation, indexed with
// SummonsNumber as its document ID.
type Document struct {
	Plate           string
	State           string
	LicenseType     string
	SummonsNumber   string
	IssueDate       string
	ViolationTime   string
	Violation       string
	FineAmount      float64
	PenaltyAmount   float64
	InterestAmount  float64
	ReductionAmount float64
	PaymentAmount   float64
	AmountDue       float64
	Precinct        string
	County          string
	IssuingAgency   string
}

// MarshalFastJSON writes the document as a JSON object, with fields in
// mapping order.
func (d *Document) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"plate":`)
	w.String(d.Plate)
	w.RawString(`,"state":`)
	w.String(d.State)
	w.RawString(`,"license_type":`)
	w.String(d.LicenseType)
	w.RawString(`,"summons_number":`)
	w.String(d.SummonsNumber)
	w.RawString(`,"issue_date":`)
	w.String(d.IssueDate)
	w.RawString(`,"violation_time":`)
	w.String(d.ViolationTime)
	w.RawString(`,"violation":`)
	w.String(d.Violation)
	w.RawString(`,"fine_amount":`)
	w.Float64(d.FineAmount)
	w.RawString(`,"penalty_amount":`)
	w.Float64(d.PenaltyAmount)
	w.RawString(`,"interest_amount":`)
	w.Float64(d.InterestAmount)
	w.RawString(`,"reduction_amount":`)
	w.Float64(d.ReductionAmount)
	w.RawString(`,"payment_amount":`)
	w.Float64(d.PaymentAmount)
	w.RawString(`,"amount_due":`)
	w.Float64(d.AmountDue)
	w.RawString(`,"precinct":`)
	w.String(d.Precinct)
	w.RawString(`,"county":`)
	w.String(d.County)
	w.RawString(`,"issuing_agency":`)
	w.String(d.IssuingAgency)
	w.RawByte('}')
	return nil
}

// Transform converts a raw record into a Document. Records missing any of
// the required fields, or holding an amount that is not a finite number,
// are rejected with a *RowError.
func Transform(raw RawRecord) (Document, error) {
	var (
		doc Document
		err error
	)
	str := func(field string) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = stringField(raw, field)
		return s
	}
	amount := func(field string) float64 {
		if err != nil {
			return 0
		}
		var f float64
		f, err = amountField(raw, field)
		return f
	}
	doc.Plate = str(FieldPlate)
	doc.State = str(FieldState)
	doc.LicenseType = str(FieldLicenseType)
	doc.SummonsNumber = str(FieldSummonsNumber)
	doc.IssueDate = str(FieldIssueDate)
	doc.ViolationTime = str(FieldViolationTime)
	doc.Violation = str(FieldViolation)
	doc.FineAmount = amount(FieldFineAmount)
	doc.PenaltyAmount = amount(FieldPenaltyAmount)
	doc.InterestAmount = amount(FieldInterestAmount)
	doc.ReductionAmount = amount(FieldReductionAmount)
	doc.PaymentAmount = amount(FieldPaymentAmount)
	doc.AmountDue = amount(FieldAmountDue)
	doc.Precinct = str(FieldPrecinct)
	doc.County = str(FieldCounty)
	doc.IssuingAgency = str(FieldIssuingAgency)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func stringField(raw RawRecord, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", &RowError{Reason: DropMissingField, Field: field}
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", &RowError{Reason: DropInvalidField, Field: field, Value: v}
}

func amountField(raw RawRecord, field string) (float64, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return 0, &RowError{Reason: DropMissingField, Field: field}
	}
	var (
		f   float64
		err error
	)
	switch v := v.(type) {
	case string:
		f, err = parseAmount(v)
	case json.Number:
		f, err = v.Float64()
	case float64:
		f = v
	default:
		err = strconv.ErrSyntax
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &RowError{Reason: DropInvalidAmount, Field: field, Value: v}
	}
	return f, nil
}

// parseAmount parses a decimal amount. Digits may be grouped with single
// underscores ("1_000"); hexadecimal notation is not an amount.
func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	unsigned := strings.TrimLeft(s, "+-")
	if len(unsigned) > 1 && unsigned[0] == '0' && (unsigned[1] == 'x' || unsigned[1] == 'X') {
		return 0, strconv.ErrSyntax
	}
	if strings.IndexByte(s, '_') >= 0 {
		for i := 0; i < len(s); i++ {
			if s[i] != '_' {
				continue
			}
			if i == 0 || i == len(s)-1 || !isDigit(s[i-1]) || !isDigit(s[i+1]) {
				return 0, strconv.ErrSyntax
			}
		}
		s = strings.ReplaceAll(s, "_", "")
	}
	return strconv.ParseFloat(s, 64)
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

// PageReport holds the outcome of transforming one page of raw records.
type PageReport struct {
	// Documents holds the transformed records, in upstream order.
	Documents []Document

	// Dropped holds the number of dropped records per reason.
	Dropped map[DropReason]int
}

// DroppedTotal returns the number of dropped records.
func (r PageReport) DroppedTotal() int {
	var n int
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

// TransformPage transforms every record of a page. onDrop, if non-nil, is
// called for each dropped record.
func TransformPage(rows []RawRecord, onDrop func(RawRecord, *RowError)) PageReport {
	report := PageReport{
		Documents: make([]Document, 0, len(rows)),
		Dropped:   make(map[DropReason]int),
	}
	for _, row := range rows {
		doc, err := Transform(row)
		if err != nil {
			rowErr := err.(*RowError)
			report.Dropped[rowErr.Reason]++
			if onDrop != nil {
				onDrop(row, rowErr)
			}
			continue
		}
		report.Documents = append(report.Documents, doc)
	}
	return report
}
