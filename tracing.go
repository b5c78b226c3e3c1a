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

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// pageTrace is the APM transaction or OTel span covering one step of a
// page, together with a logger correlated to it.
type pageTrace struct {
	ctx    context.Context
	logger *zap.Logger
	tx     *apm.Transaction
	span   trace.Span
}

// pageLink identifies the fetch trace of a page. The index trace of the
// same page links to it, possibly from another goroutine.
type pageLink struct {
	traceID [16]byte
	spanID  [8]byte
}

func (i *Indexer) startTrace(ctx context.Context, name string, page Page, link *pageLink) pageTrace {
	t := pageTrace{
		ctx: ctx,
		logger: i.config.Logger.With(
			zap.Int("page", page.Number),
			zap.Int("offset", page.Offset),
			zap.Int("limit", page.Limit),
		),
	}
	switch {
	case i.config.Tracer != nil:
		var opts apm.TransactionOptions
		if link != nil {
			opts.Links = []apm.SpanLink{{Trace: link.traceID, Span: link.spanID}}
		}
		t.tx = i.config.Tracer.StartTransactionOptions(name, "ingest", opts)
		t.tx.Context.SetLabel("page", page.Number)
		t.ctx = apm.ContextWithTransaction(ctx, t.tx)

		// Add trace IDs to logger, to associate any per-item errors
		// with the trace.
		t.logger = t.logger.With(apmzap.TraceContext(t.ctx)...)
	case i.otelTracingEnabled():
		opts := []trace.SpanStartOption{
			trace.WithAttributes(attribute.Int("page", page.Number)),
		}
		if link != nil {
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
					TraceID: link.traceID,
					SpanID:  link.spanID,
				}),
			}))
		}
		t.ctx, t.span = i.tracer.Start(ctx, name, opts...)
		t.logger = t.logger.With(
			zap.String("traceId", t.span.SpanContext().TraceID().String()),
			zap.String("spanId", t.span.SpanContext().SpanID().String()),
		)
	}
	return t
}

func (t pageTrace) link() *pageLink {
	switch {
	case t.tx != nil:
		tc := t.tx.TraceContext()
		if err := tc.Trace.Validate(); err != nil {
			return nil
		}
		return &pageLink{traceID: tc.Trace, spanID: tc.Span}
	case t.span != nil:
		sc := t.span.SpanContext()
		if !sc.HasTraceID() || !sc.HasSpanID() {
			return nil
		}
		return &pageLink{traceID: sc.TraceID(), spanID: sc.SpanID()}
	}
	return nil
}

// end records err, if any, and finishes the trace. description is used as
// the OTel span status on failure.
func (t pageTrace) end(err error, description string) {
	if t.tx != nil {
		t.tx.Outcome = "success"
		if err != nil {
			t.tx.Outcome = "failure"
			apm.CaptureError(t.ctx, err).Send()
		}
		t.tx.End()
	}
	if t.span != nil {
		if err != nil {
			if t.span.IsRecording() {
				t.span.RecordError(err)
				t.span.SetStatus(codes.Error, description)
			}
		} else {
			t.span.SetStatus(codes.Ok, "")
		}
		t.span.End()
	}
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (i *Indexer) otelTracingEnabled() bool {
	return i.tracer != nil
}
