// Package aggregation implements the stateless query service between the
// dashboard API and the report store. It owns parameter validation, response
// shaping, deterministic ordering and the read-through cache; the store owns
// query execution.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/cache"
	"github.com/dmarcwatch/dashboard-api/internal/config"
	"github.com/dmarcwatch/dashboard-api/internal/dmarc"
	"github.com/dmarcwatch/dashboard-api/internal/store"
)

// ErrInvalidQuery indicates malformed request parameters. Mapped to a 4xx
// response, never retried.
var ErrInvalidQuery = errors.New("invalid query parameters")

// ReportStore is the slice of the report store the service consumes.
type ReportStore interface {
	Health(ctx context.Context) (string, error)
	IndexStats(ctx context.Context) ([]store.IndexStat, error)
	SearchReports(ctx context.Context, q store.ReportQuery) (store.ReportPage, error)
	TopOrganizations(ctx context.Context, size int) ([]store.Bucket, error)
	Dispositions(ctx context.Context) ([]store.Bucket, error)
	Timeline(ctx context.Context, interval string, from time.Time) ([]store.TimeBucket, error)
	IndexReport(ctx context.Context, doc map[string]interface{}) (store.IndexResult, error)
	RawSearch(ctx context.Context, query []byte) ([]byte, error)
}

// CacheObserver receives cache hit/miss notifications for metrics.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// Service answers the fixed dashboard query set.
type Service struct {
	store    ReportStore
	cache    cache.Cache
	cfg      config.Config
	logger   *zap.Logger
	ttl      time.Duration
	now      func() time.Time
	observer CacheObserver
}

// SetCacheObserver wires cache metrics. Optional.
func (s *Service) SetCacheObserver(o CacheObserver) {
	s.observer = o
}

// NewService creates the aggregation service.
func NewService(st ReportStore, c cache.Cache, cfg config.Config, logger *zap.Logger) *Service {
	if c == nil || !cfg.Cache.Enabled {
		c = cache.Disabled{}
	}
	return &Service{
		store:  st,
		cache:  c,
		cfg:    cfg,
		logger: logger,
		ttl:    time.Duration(cfg.Cache.TTL) * time.Second,
		now:    time.Now,
	}
}

// ServiceStatus is the health of one dependency.
type ServiceStatus struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Health is the overall health report. Degraded dependencies are reported as
// field values; this operation never fails.
type Health struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
}

// Health checks every dependency and reports per-service status.
func (s *Service) Health(ctx context.Context) Health {
	health := Health{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Services:  make(map[string]ServiceStatus),
	}

	if status, err := s.store.Health(ctx); err != nil {
		health.Services["elasticsearch"] = ServiceStatus{Status: "red", Connected: false, Error: err.Error()}
		health.Status = "degraded"
	} else {
		health.Services["elasticsearch"] = ServiceStatus{Status: status, Connected: true}
	}

	if !s.cfg.Cache.Enabled {
		health.Services["redis"] = ServiceStatus{Status: "disabled", Connected: false}
		return health
	}
	if err := s.cache.Ping(ctx); err != nil {
		health.Services["redis"] = ServiceStatus{Status: "error", Connected: false, Error: err.Error()}
		health.Status = "degraded"
	} else {
		health.Services["redis"] = ServiceStatus{Status: "healthy", Connected: true}
	}

	return health
}

// Stats summarizes the report store partitions.
type Stats struct {
	TotalReports int64   `json:"total_reports"`
	TotalIndices int     `json:"total_indices"`
	TotalSizeKB  float64 `json:"total_size_kb"`
}

// Stats sums the store's per-partition counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	key := cache.Key(s.cfg.Cache.KeyPrefix, "stats")
	var stats Stats
	if s.fromCache(ctx, key, &stats) {
		return stats, nil
	}

	indices, err := s.indexStatsRetry(ctx)
	if err != nil {
		return Stats{}, err
	}

	var totalDocs, totalBytes int64
	for _, idx := range indices {
		totalDocs += idx.DocsCount
		totalBytes += idx.SizeBytes
	}
	stats = Stats{
		TotalReports: totalDocs,
		TotalIndices: len(indices),
		TotalSizeKB:  math.Round(float64(totalBytes)/1024*100) / 100,
	}

	s.toCache(ctx, key, stats)
	return stats, nil
}

// ReportList is one page of the report listing.
type ReportList struct {
	Reports []dmarc.Report `json:"reports"`
	Total   int64          `json:"total"`
	Page    int            `json:"page"`
	Size    int            `json:"size"`
	Pages   int64          `json:"pages"`
}

// ListFilter carries the optional report listing filters.
type ListFilter struct {
	OrgName     string
	Domain      string
	Disposition string
	From        time.Time
	To          time.Time
}

// ListReports returns one page of reports ordered by ingestion time
// descending. A page past the end of the data yields an empty slice.
func (s *Service) ListReports(ctx context.Context, page, size int, filter ListFilter) (ReportList, error) {
	if page < 1 {
		return ReportList{}, fmt.Errorf("%w: page must be >= 1", ErrInvalidQuery)
	}
	if size == 0 {
		size = s.cfg.Dashboard.DefaultPageSize
	}
	if size < 1 || size > s.cfg.Dashboard.MaxPageSize {
		return ReportList{}, fmt.Errorf("%w: size must be between 1 and %d", ErrInvalidQuery, s.cfg.Dashboard.MaxPageSize)
	}

	var result store.ReportPage
	err := s.retryUnavailable(func() error {
		var err error
		result, err = s.store.SearchReports(ctx, store.ReportQuery{
			Page:        page,
			Size:        size,
			OrgName:     filter.OrgName,
			Domain:      filter.Domain,
			Disposition: filter.Disposition,
			From:        filter.From,
			To:          filter.To,
		})
		return err
	})
	if err != nil {
		return ReportList{}, err
	}

	reports := result.Reports
	if reports == nil {
		reports = []dmarc.Report{}
	}
	for i := range reports {
		summary := reports[i].AlignmentSummary()
		reports[i].Messages = reports[i].MessageCount()
		reports[i].Alignment = &summary
	}
	return ReportList{
		Reports: reports,
		Total:   result.Total,
		Page:    page,
		Size:    size,
		Pages:   (result.Total + int64(size) - 1) / int64(size),
	}, nil
}

// OrganizationBucket is one reporting organization with its report count.
type OrganizationBucket struct {
	Organization string `json:"organization"`
	Reports      int64  `json:"reports"`
}

// TopOrganizations groups reports by reporting organization, ordered by
// count descending with lexical tie-breaks.
func (s *Service) TopOrganizations(ctx context.Context, size int) ([]OrganizationBucket, error) {
	if size == 0 {
		size = s.cfg.Dashboard.DefaultAggSize
	}
	if size < 1 || size > s.cfg.Dashboard.MaxAggSize {
		return nil, fmt.Errorf("%w: size must be between 1 and %d", ErrInvalidQuery, s.cfg.Dashboard.MaxAggSize)
	}

	key := cache.Key(s.cfg.Cache.KeyPrefix, "top_orgs", strconv.Itoa(size))
	var cached []OrganizationBucket
	if s.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	var buckets []store.Bucket
	err := s.retryUnavailable(func() error {
		var err error
		buckets, err = s.store.TopOrganizations(ctx, size)
		return err
	})
	if err != nil {
		return nil, err
	}

	sortBuckets(buckets)
	result := make([]OrganizationBucket, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, OrganizationBucket{Organization: b.Key, Reports: b.Count})
	}

	s.toCache(ctx, key, result)
	return result, nil
}

// DispositionBucket is one evaluated disposition with its record count.
type DispositionBucket struct {
	Disposition string `json:"disposition"`
	Count       int64  `json:"count"`
}

// Dispositions groups report records by evaluated disposition.
func (s *Service) Dispositions(ctx context.Context) ([]DispositionBucket, error) {
	key := cache.Key(s.cfg.Cache.KeyPrefix, "dispositions")
	var cached []DispositionBucket
	if s.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	var buckets []store.Bucket
	err := s.retryUnavailable(func() error {
		var err error
		buckets, err = s.store.Dispositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	sortBuckets(buckets)
	result := make([]DispositionBucket, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, DispositionBucket{Disposition: b.Key, Count: b.Count})
	}

	s.toCache(ctx, key, result)
	return result, nil
}

// TimelinePoint is one calendar bucket of the report timeline.
type TimelinePoint struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Timeline returns one bucket per calendar interval over the lookback
// window, oldest first, with zero-count buckets filled in for gaps.
func (s *Service) Timeline(ctx context.Context, interval string) ([]TimelinePoint, error) {
	var step time.Duration
	var format string
	switch interval {
	case "", "day":
		interval = "day"
		step = 24 * time.Hour
		format = "2006-01-02"
	case "hour":
		step = time.Hour
		format = "2006-01-02 15:04"
	default:
		return nil, fmt.Errorf("%w: interval must be day or hour", ErrInvalidQuery)
	}

	lookback := s.cfg.Dashboard.TimelineLookbackDays
	if lookback <= 0 {
		lookback = 7
	}
	end := s.now().UTC().Truncate(step)
	bucketCount := lookback
	if interval == "hour" {
		bucketCount = lookback * 24
	}
	start := end.Add(-time.Duration(bucketCount-1) * step)

	var buckets []store.TimeBucket
	err := s.retryUnavailable(func() error {
		var err error
		buckets, err = s.store.Timeline(ctx, interval, start)
		return err
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[time.Time]int64, len(buckets))
	for _, b := range buckets {
		counts[b.Start.UTC().Truncate(step)] = b.Count
	}

	timeline := make([]TimelinePoint, 0, bucketCount)
	for t := start; !t.After(end); t = t.Add(step) {
		timeline = append(timeline, TimelinePoint{Date: t.Format(format), Count: counts[t]})
	}
	return timeline, nil
}

// ProcessResult reports where an ingest-assist document was written.
type ProcessResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Index   string `json:"index"`
}

// ProcessReport stamps and indexes an externally supplied report document,
// then flushes the response cache so the next queries see it.
func (s *Service) ProcessReport(ctx context.Context, doc map[string]interface{}) (ProcessResult, error) {
	if len(doc) == 0 {
		return ProcessResult{}, fmt.Errorf("%w: empty report document", ErrInvalidQuery)
	}

	doc["@timestamp"] = s.now().UTC().Format(time.RFC3339)
	doc["processed_by"] = "dashboard-api"
	doc["processing_id"] = uuid.NewString()

	result, err := s.store.IndexReport(ctx, doc)
	if err != nil {
		return ProcessResult{}, err
	}

	s.cache.InvalidatePrefix(ctx, s.cfg.Cache.KeyPrefix)
	return ProcessResult{Success: true, ID: result.ID, Index: result.Index}, nil
}

// RawSearch forwards an ad-hoc query body to the store. A query the store
// rejects is the caller's fault, not an outage.
func (s *Service) RawSearch(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query required", ErrInvalidQuery)
	}
	var response []byte
	err := s.retryUnavailable(func() error {
		var err error
		response, err = s.store.RawSearch(ctx, query)
		return err
	})
	if errors.Is(err, store.ErrBadQuery) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return response, err
}

// indexStatsRetry fetches partition statistics with the standard retry.
func (s *Service) indexStatsRetry(ctx context.Context) ([]store.IndexStat, error) {
	var indices []store.IndexStat
	err := s.retryUnavailable(func() error {
		var err error
		indices, err = s.store.IndexStats(ctx)
		return err
	})
	return indices, err
}

// retryUnavailable runs fn, retrying exactly once when the store was
// unreachable. Timeouts and validation failures are never retried.
func (s *Service) retryUnavailable(fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrUnavailable) {
		s.logger.Debug("store unavailable, retrying once", zap.Error(err))
		err = fn()
	}
	return err
}

// sortBuckets orders buckets by count descending, then key ascending, so
// repeated queries over an unchanged store are byte-identical.
func sortBuckets(buckets []store.Bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
}

func (s *Service) fromCache(ctx context.Context, key string, out interface{}) bool {
	payload, ok := s.cache.Get(ctx, key)
	if !ok {
		s.observeMiss()
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		s.observeMiss()
		return false
	}
	if s.observer != nil {
		s.observer.CacheHit()
	}
	return true
}

func (s *Service) observeMiss() {
	if s.observer != nil {
		s.observer.CacheMiss()
	}
}

func (s *Service) toCache(ctx context.Context, key string, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	s.cache.Set(ctx, key, payload, s.ttl)
}
