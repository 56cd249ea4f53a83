// Package store implements the report store client over an
// Elasticsearch-compatible document store. Report documents live in
// time-partitioned indices written by the external ingester; every
// operation here except IndexReport is read-only.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/config"
	"github.com/dmarcwatch/dashboard-api/internal/dmarc"
)

// Elastic is the Elasticsearch-backed report store.
type Elastic struct {
	client      *elasticsearch.Client
	indexPrefix string
	timeout     time.Duration
	logger      *zap.Logger
}

// NewElastic creates a report store client from configuration.
func NewElastic(cfg config.ElasticsearchConfig, logger *zap.Logger) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	timeout := time.Duration(cfg.QueryTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Elastic{
		client:      client,
		indexPrefix: cfg.IndexPrefix,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// indexPattern matches every time-partitioned report index.
func (e *Elastic) indexPattern() string {
	return e.indexPrefix + "-*"
}

// WriteIndex returns the partition for documents ingested at t.
func (e *Elastic) WriteIndex(t time.Time) string {
	return fmt.Sprintf("%s-%s", e.indexPrefix, t.UTC().Format("2006.01.02"))
}

// Health returns the cluster status string (green, yellow or red).
func (e *Elastic) Health(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.client.Cluster.Health(e.client.Cluster.Health.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", fmt.Errorf("%w: cluster health returned %s", ErrUnavailable, res.Status())
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body.Status, nil
}

// IndexStats returns document and size counts for every report partition.
func (e *Elastic) IndexStats(ctx context.Context) ([]IndexStat, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.client.Cat.Indices(
		e.client.Cat.Indices.WithContext(ctx),
		e.client.Cat.Indices.WithIndex(e.indexPattern()),
		e.client.Cat.Indices.WithFormat("json"),
		e.client.Cat.Indices.WithBytes("b"),
		e.client.Cat.Indices.WithH("index", "docs.count", "store.size"),
	)
	if err != nil {
		return nil, classify(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("%w: cat indices returned %s", ErrUnavailable, res.Status())
	}

	var rows []struct {
		Index     string `json:"index"`
		DocsCount string `json:"docs.count"`
		StoreSize string `json:"store.size"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stats := make([]IndexStat, 0, len(rows))
	for _, row := range rows {
		docs, _ := strconv.ParseInt(row.DocsCount, 10, 64)
		size, _ := strconv.ParseInt(row.StoreSize, 10, 64)
		stats = append(stats, IndexStat{Index: row.Index, DocsCount: docs, SizeBytes: size})
	}
	return stats, nil
}

// SearchReports executes a filtered, paginated listing sorted by ingestion
// time descending. A page past the end of the data returns an empty slice.
func (e *Elastic) SearchReports(ctx context.Context, q ReportQuery) (ReportPage, error) {
	query := map[string]interface{}{"match_all": map[string]interface{}{}}

	var filters []map[string]interface{}
	if q.OrgName != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"org_name.keyword": q.OrgName},
		})
	}
	if q.Domain != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"policy_published.domain.keyword": q.Domain},
		})
	}
	if q.Disposition != "" {
		filters = append(filters, map[string]interface{}{
			"nested": map[string]interface{}{
				"path": "records",
				"query": map[string]interface{}{
					"term": map[string]interface{}{"records.policy_evaluated.disposition.keyword": q.Disposition},
				},
			},
		})
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		dateRange := map[string]interface{}{}
		if !q.From.IsZero() {
			dateRange["gte"] = q.From.UTC().Format(time.RFC3339)
		}
		if !q.To.IsZero() {
			dateRange["lte"] = q.To.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"@timestamp": dateRange},
		})
	}
	if len(filters) > 0 {
		query = map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		}
	}

	body := map[string]interface{}{
		"query": query,
		"size":  q.Size,
		"from":  (q.Page - 1) * q.Size,
		"sort": []map[string]interface{}{
			{"@timestamp": map[string]interface{}{"order": "desc"}},
		},
	}

	resp, err := e.search(ctx, body)
	if err != nil {
		return ReportPage{}, err
	}

	page := ReportPage{
		Reports: make([]dmarc.Report, 0, len(resp.Hits.Hits)),
		Total:   resp.Hits.Total.Value,
	}
	for _, hit := range resp.Hits.Hits {
		var report dmarc.Report
		if err := json.Unmarshal(hit.Source, &report); err != nil {
			e.logger.Warn("skipping undecodable report document",
				zap.String("id", hit.ID), zap.Error(err))
			continue
		}
		report.ID = hit.ID
		page.Reports = append(page.Reports, report)
	}
	return page, nil
}

// TopOrganizations returns report counts grouped by reporting organization.
func (e *Elastic) TopOrganizations(ctx context.Context, size int) ([]Bucket, error) {
	body := map[string]interface{}{
		"size": 0,
		"aggs": map[string]interface{}{
			"top_organizations": map[string]interface{}{
				"terms": map[string]interface{}{
					"field": "org_name.keyword",
					"size":  size,
				},
			},
		},
	}

	resp, err := e.search(ctx, body)
	if err != nil {
		return nil, err
	}
	return resp.termsBuckets("top_organizations")
}

// Dispositions returns per-record message dispositions across all reports.
func (e *Elastic) Dispositions(ctx context.Context) ([]Bucket, error) {
	body := map[string]interface{}{
		"size": 0,
		"aggs": map[string]interface{}{
			"dispositions": map[string]interface{}{
				"nested": map[string]interface{}{"path": "records"},
				"aggs": map[string]interface{}{
					"disposition_breakdown": map[string]interface{}{
						"terms": map[string]interface{}{
							"field": "records.policy_evaluated.disposition.keyword",
						},
					},
				},
			},
		},
	}

	resp, err := e.search(ctx, body)
	if err != nil {
		return nil, err
	}

	raw, ok := resp.Aggregations["dispositions"]
	if !ok {
		return nil, nil
	}
	var nested struct {
		Breakdown struct {
			Buckets []rawBucket `json:"buckets"`
		} `json:"disposition_breakdown"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return toBuckets(nested.Breakdown.Buckets), nil
}

// Timeline returns a date histogram of report counts from the given instant
// onward. Empty buckets are not guaranteed by the store; callers zero-fill.
func (e *Elastic) Timeline(ctx context.Context, interval string, from time.Time) ([]TimeBucket, error) {
	body := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"range": map[string]interface{}{
				"@timestamp": map[string]interface{}{
					"gte": from.UTC().Format(time.RFC3339),
				},
			},
		},
		"aggs": map[string]interface{}{
			"timeline": map[string]interface{}{
				"date_histogram": map[string]interface{}{
					"field":             "@timestamp",
					"calendar_interval": interval,
				},
			},
		},
	}

	resp, err := e.search(ctx, body)
	if err != nil {
		return nil, err
	}

	raw, ok := resp.Aggregations["timeline"]
	if !ok {
		return nil, nil
	}
	var agg struct {
		Buckets []struct {
			Key      int64 `json:"key"`
			DocCount int64 `json:"doc_count"`
		} `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	buckets := make([]TimeBucket, 0, len(agg.Buckets))
	for _, b := range agg.Buckets {
		buckets = append(buckets, TimeBucket{
			Start: time.UnixMilli(b.Key).UTC(),
			Count: b.DocCount,
		})
	}
	return buckets, nil
}

// IndexReport writes an ingest-assist document into the current partition.
func (e *Elastic) IndexReport(ctx context.Context, doc map[string]interface{}) (IndexResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload, err := json.Marshal(doc)
	if err != nil {
		return IndexResult{}, fmt.Errorf("failed to encode report: %w", err)
	}

	index := e.WriteIndex(time.Now())
	res, err := e.client.Index(index, bytes.NewReader(payload),
		e.client.Index.WithContext(ctx))
	if err != nil {
		return IndexResult{}, classify(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return IndexResult{}, fmt.Errorf("%w: index returned %s", ErrUnavailable, res.Status())
	}

	var body struct {
		ID    string `json:"_id"`
		Index string `json:"_index"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return IndexResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return IndexResult{ID: body.ID, Index: body.Index}, nil
}

// RawSearch forwards a caller-supplied query body and returns the store's
// response verbatim.
func (e *Elastic) RawSearch(ctx context.Context, query []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.indexPattern()),
		e.client.Search.WithBody(bytes.NewReader(query)),
	)
	if err != nil {
		return nil, classify(err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.IsError() {
		if res.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: search returned %s", ErrUnavailable, res.Status())
		}
		return nil, fmt.Errorf("%w: search returned %s", ErrBadQuery, res.Status())
	}
	return payload, nil
}

// searchResponse is the subset of the store's search reply the service reads.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

type rawBucket struct {
	Key      string `json:"key"`
	DocCount int64  `json:"doc_count"`
}

func (r *searchResponse) termsBuckets(name string) ([]Bucket, error) {
	raw, ok := r.Aggregations[name]
	if !ok {
		return nil, nil
	}
	var agg struct {
		Buckets []rawBucket `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return toBuckets(agg.Buckets), nil
}

func toBuckets(raw []rawBucket) []Bucket {
	buckets := make([]Bucket, 0, len(raw))
	for _, b := range raw {
		buckets = append(buckets, Bucket{Key: b.Key, Count: b.DocCount})
	}
	return buckets
}

// search runs one bounded query against the report index pattern.
func (e *Elastic) search(ctx context.Context, body map[string]interface{}) (*searchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.indexPattern()),
		e.client.Search.WithBody(&buf),
		e.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, classify(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, e.searchError(res)
	}

	var resp searchResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &resp, nil
}

func (e *Elastic) searchError(res *esapi.Response) error {
	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: search returned %s", ErrUnavailable, res.Status())
	}
	return fmt.Errorf("search returned %s", res.Status())
}
