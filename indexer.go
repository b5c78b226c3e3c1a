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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errMissingBody = errors.New("missing document body")

// Indexer pages through the violations dataset and bulk indexes every
// page into Elasticsearch, one bulk request per page.
type Indexer struct {
	config  Config
	client  elastictransport.Interface
	fetcher PageFetcher
	bulk    *BulkIndexer
	metrics metrics
	docw    fastjson.Writer

	// tracer is an OTel tracer, and should not be confused with `config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// New returns a new Indexer that reads pages from fetcher and indexes them
// through client.
func New(client elastictransport.Interface, fetcher PageFetcher, cfg Config) (*Indexer, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	bulk, err := NewBulkIndexer(BulkIndexerConfig{
		Client:           client,
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	i := &Indexer{
		config:  cfg,
		client:  client,
		fetcher: fetcher,
		bulk:    bulk,
		metrics: ms,
	}
	if cfg.TracerProvider != nil {
		i.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-violationindexer")
	}
	return i, nil
}

// Summary holds the totals of a Run.
type Summary struct {
	IndexStatus IndexStatus
	// Pages holds the number of pages fetched and processed.
	Pages int
	// FailedPages holds the number of pages whose bulk request failed.
	FailedPages int
	Fetched     int
	Dropped     map[DropReason]int
	Indexed     int64
	Failed      int64
	Duration    time.Duration
}

// PageResult holds the outcome of indexing a single page.
type PageResult struct {
	Page    Page
	Fetched int
	Report  PageReport
	Stat    BulkIndexerResponseStat
	// Err is set when the bulk request as a whole failed.
	Err error
}

func (s *Summary) add(r PageResult) {
	s.Pages++
	s.Fetched += r.Fetched
	for reason, n := range r.Report.Dropped {
		s.Dropped[reason] += n
	}
	if r.Err != nil {
		s.FailedPages++
		s.Failed += int64(len(r.Report.Documents))
		return
	}
	s.Indexed += r.Stat.Indexed
	s.Failed += int64(len(r.Stat.FailedDocs))
}

// Run ensures the index exists and then indexes Config.NumPages pages.
//
// Bulk failures are logged and counted in the summary, and do not stop the
// run. Index provisioning and page fetch failures do, and are returned.
func (i *Indexer) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{Dropped: make(map[DropReason]int)}

	status, err := i.EnsureIndex(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to provision index: %w", err)
	}
	summary.IndexStatus = status

	if i.config.Prefetch {
		err = i.runPrefetch(ctx, &summary)
	} else {
		err = i.runSequential(ctx, &summary)
	}
	summary.Duration = time.Since(start)
	i.logSummary(summary)
	return summary, err
}

func (i *Indexer) runSequential(ctx context.Context, summary *Summary) error {
	for n := 0; n < i.config.NumPages; n++ {
		page := PageAt(n, i.config.PageSize)
		rows, link, err := i.fetch(ctx, page)
		if err != nil {
			return err
		}
		summary.add(i.indexPage(ctx, page, rows, link))
	}
	return nil
}

type fetchedPage struct {
	page Page
	rows []RawRecord
	link *pageLink
}

// runPrefetch fetches page N+1 while page N is being indexed. The channel
// is unbuffered, so at most one page is held ahead of the indexer.
func (i *Indexer) runPrefetch(ctx context.Context, summary *Summary) error {
	g, gctx := errgroup.WithContext(ctx)
	fetched := make(chan fetchedPage)
	g.Go(func() error {
		defer close(fetched)
		for n := 0; n < i.config.NumPages; n++ {
			page := PageAt(n, i.config.PageSize)
			rows, link, err := i.fetch(gctx, page)
			if err != nil {
				return err
			}
			select {
			case fetched <- fetchedPage{page: page, rows: rows, link: link}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		// Pages already fetched are indexed even if a later fetch fails.
		for fp := range fetched {
			summary.add(i.indexPage(ctx, fp.page, fp.rows, fp.link))
		}
		return nil
	})
	return g.Wait()
}

func (i *Indexer) fetch(ctx context.Context, page Page) ([]RawRecord, *pageLink, error) {
	t := i.startTrace(ctx, "violationindexer.fetch", page, nil)
	attrs := metric.WithAttributeSet(i.config.MetricAttributes)

	var rows []RawRecord
	var err error
	took := timeFunc(func() {
		rows, err = i.fetcher.FetchPage(t.ctx, page)
	})
	i.metrics.fetchDuration.Record(context.Background(), took.Seconds(), attrs)
	if err != nil {
		t.logger.Error("failed to fetch page", zap.Error(err))
		t.end(err, "page fetch failed")
		return nil, nil, fmt.Errorf("failed to fetch page %d: %w", page.Number, err)
	}
	i.metrics.pagesFetched.Add(context.Background(), 1, attrs)
	i.metrics.recordsFetched.Add(context.Background(), int64(len(rows)), attrs)
	t.logger.Debug("fetched page", zap.Int("records", len(rows)), zap.Duration("took", took))
	link := t.link()
	t.end(nil, "")
	return rows, link, nil
}

// IndexPage transforms rows and indexes the resulting documents in a single
// bulk request. Pages without any valid document do not issue a request.
func (i *Indexer) IndexPage(ctx context.Context, page Page, rows []RawRecord) PageResult {
	return i.indexPage(ctx, page, rows, nil)
}

func (i *Indexer) indexPage(ctx context.Context, page Page, rows []RawRecord, link *pageLink) PageResult {
	t := i.startTrace(ctx, "violationindexer.index", page, link)
	logger := t.logger
	result := PageResult{Page: page, Fetched: len(rows)}

	result.Report = TransformPage(rows, func(_ RawRecord, err *RowError) {
		logger.Debug("dropping row",
			zap.String("reason", string(err.Reason)),
			zap.String("field", err.Field),
		)
	})
	for reason, n := range result.Report.Dropped {
		i.metrics.recordsDropped.Add(context.Background(), int64(n),
			metric.WithAttributeSet(i.config.MetricAttributes),
			metric.WithAttributes(attribute.String("reason", string(reason))),
		)
	}

	docs := result.Report.Documents
	if len(docs) == 0 {
		logger.Info("no documents to index", zap.Int("fetched", result.Fetched),
			zap.Int("dropped", result.Report.DroppedTotal()),
		)
		t.end(nil, "")
		return result
	}

	for k := range docs {
		if err := i.add(&docs[k]); err != nil {
			i.bulk.Reset()
			result.Err = err
			logger.Error("failed to encode page", zap.Int("documents", len(docs)), zap.Error(err))
			t.end(err, "failed to encode page")
			return result
		}
	}

	result.Stat, result.Err = i.flush(t.ctx, logger, len(docs))
	if result.Err != nil {
		t.end(result.Err, "bulk indexing request failed")
		return result
	}
	logger.Info("page indexed",
		zap.Int("fetched", result.Fetched),
		zap.Int("dropped", result.Report.DroppedTotal()),
		zap.Int64("indexed", result.Stat.Indexed),
		zap.Int("failed", len(result.Stat.FailedDocs)),
	)
	var failed error
	if len(result.Stat.FailedDocs) > 0 {
		failed = fmt.Errorf("%d documents failed", len(result.Stat.FailedDocs))
	}
	t.end(failed, "bulk indexing request failed")
	return result
}

func (i *Indexer) add(doc *Document) error {
	i.docw.Reset()
	if err := doc.MarshalFastJSON(&i.docw); err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.SummonsNumber, err)
	}
	return i.bulk.Add(BulkIndexerItem{
		Index:        i.config.Index,
		DocumentType: i.config.DocumentType,
		DocumentID:   doc.SummonsNumber,
		Body:         bytes.NewReader(i.docw.Bytes()),
	})
}

func (i *Indexer) flush(ctx context.Context, logger *zap.Logger, n int) (BulkIndexerResponseStat, error) {
	if i.config.FlushTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.config.FlushTimeout)
		defer cancel()
	}

	var resp BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		resp, err = i.bulk.Flush(ctx)
	})

	attrs := metric.WithAttributeSet(i.config.MetricAttributes)
	i.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if flushed := i.bulk.BytesFlushed(); flushed > 0 {
		i.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if err != nil {
		i.metrics.bulkRequests.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("outcome", "failure")),
		)
		status := "Failed"
		var errFailed ErrorFlushFailed
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			status = "Timeout"
		case errors.As(err, &errFailed):
			switch {
			case errFailed.tooMany:
				status = "TooMany"
			case errFailed.clientError:
				status = "FailedClient"
			case errFailed.serverError:
				status = "FailedServer"
			}
		}
		i.metrics.docsIndexed.Add(context.Background(), int64(n), attrs,
			metric.WithAttributes(attribute.String("status", status)),
		)
		logger.Error("bulk indexing request failed", zap.Int("documents", n), zap.Error(err))
		return resp, err
	}
	i.metrics.bulkRequests.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("outcome", "success")),
	)

	var tooManyRequests, clientFailed, serverFailed int64
	var failedCount map[BulkIndexerResponseItem]int
	if len(resp.FailedDocs) > 0 {
		failedCount = make(map[BulkIndexerResponseItem]int, len(resp.FailedDocs))
	}
	for _, info := range resp.FailedDocs {
		switch {
		case info.Status == http.StatusTooManyRequests:
			tooManyRequests++
		case info.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		// reset per-document fields so that the item can be used as key in the map
		info.Position = 0
		info.DocumentID = ""
		failedCount[info]++
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.Index, key.Error.Type, key.Error.Reason,
		), zap.Int("documents", count))
	}
	for status, count := range map[string]int64{
		"Success":      resp.Indexed,
		"TooMany":      tooManyRequests,
		"FailedClient": clientFailed,
		"FailedServer": serverFailed,
	} {
		if count > 0 {
			i.metrics.docsIndexed.Add(context.Background(), count, attrs,
				metric.WithAttributes(attribute.String("status", status)),
			)
		}
	}
	return resp, nil
}

func (i *Indexer) logSummary(s Summary) {
	var rate int64
	if secs := s.Duration.Seconds(); secs > 0 {
		rate = int64(float64(s.Indexed) / secs)
	}
	var dropped int
	for _, n := range s.Dropped {
		dropped += n
	}
	fields := []zap.Field{
		zap.Int("pages", s.Pages),
		zap.Int("pages_failed", s.FailedPages),
		zap.Int("fetched", s.Fetched),
		zap.Int("dropped", dropped),
		zap.Int64("indexed", s.Indexed),
		zap.Int64("failed", s.Failed),
	}
	if s.Failed > 0 {
		i.config.Logger.Warn(fmt.Sprintf(
			"indexed [%s] documents with [%s] errors in %s (%s docs/sec)",
			humanize.Comma(s.Indexed),
			humanize.Comma(s.Failed),
			s.Duration.Truncate(time.Millisecond),
			humanize.Comma(rate),
		), fields...)
		return
	}
	i.config.Logger.Info(fmt.Sprintf(
		"successfully indexed [%s] documents in %s (%s docs/sec)",
		humanize.Comma(s.Indexed),
		s.Duration.Truncate(time.Millisecond),
		humanize.Comma(rate),
	), fields...)
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
