package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/cache"
	"github.com/dmarcwatch/dashboard-api/internal/config"
	"github.com/dmarcwatch/dashboard-api/internal/dmarc"
	"github.com/dmarcwatch/dashboard-api/internal/store"
)

// fakeStore implements ReportStore over an in-memory report set.
type fakeStore struct {
	health       string
	healthErr    error
	indexStats   []store.IndexStat
	reports      []dmarc.Report
	orgs         []store.Bucket
	dispositions []store.Bucket
	timeline     []store.TimeBucket

	// errQueue is returned (and consumed) ahead of any successful answer.
	errQueue []error

	statsCalls  int
	searchCalls int
	indexed     []map[string]interface{}
}

func (f *fakeStore) nextErr() error {
	if len(f.errQueue) == 0 {
		return nil
	}
	err := f.errQueue[0]
	f.errQueue = f.errQueue[1:]
	return err
}

func (f *fakeStore) Health(ctx context.Context) (string, error) {
	if f.healthErr != nil {
		return "", f.healthErr
	}
	return f.health, nil
}

func (f *fakeStore) IndexStats(ctx context.Context) ([]store.IndexStat, error) {
	f.statsCalls++
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.indexStats, nil
}

func (f *fakeStore) SearchReports(ctx context.Context, q store.ReportQuery) (store.ReportPage, error) {
	f.searchCalls++
	if err := f.nextErr(); err != nil {
		return store.ReportPage{}, err
	}
	from := (q.Page - 1) * q.Size
	if from >= len(f.reports) {
		return store.ReportPage{Total: int64(len(f.reports))}, nil
	}
	to := from + q.Size
	if to > len(f.reports) {
		to = len(f.reports)
	}
	return store.ReportPage{
		Reports: f.reports[from:to],
		Total:   int64(len(f.reports)),
	}, nil
}

func (f *fakeStore) TopOrganizations(ctx context.Context, size int) ([]store.Bucket, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	if size < len(f.orgs) {
		return f.orgs[:size], nil
	}
	return f.orgs, nil
}

func (f *fakeStore) Dispositions(ctx context.Context) ([]store.Bucket, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.dispositions, nil
}

func (f *fakeStore) Timeline(ctx context.Context, interval string, from time.Time) ([]store.TimeBucket, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.timeline, nil
}

func (f *fakeStore) IndexReport(ctx context.Context, doc map[string]interface{}) (store.IndexResult, error) {
	if err := f.nextErr(); err != nil {
		return store.IndexResult{}, err
	}
	f.indexed = append(f.indexed, doc)
	return store.IndexResult{ID: fmt.Sprintf("doc-%d", len(f.indexed)), Index: "parsedmarc-aggregate-2026.08.27"}, nil
}

func (f *fakeStore) RawSearch(ctx context.Context, query []byte) ([]byte, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return []byte(`{"hits":{"total":{"value":0},"hits":[]}}`), nil
}

// memCache is an in-memory cache.Cache with invalidation tracking.
type memCache struct {
	entries     map[string][]byte
	invalidated int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (m *memCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok := m.entries[key]
	return value, ok
}

func (m *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.entries[key] = value
}

func (m *memCache) InvalidatePrefix(ctx context.Context, prefix string) {
	m.invalidated++
	m.entries = make(map[string][]byte)
}

func (m *memCache) Ping(ctx context.Context) error { return nil }

var _ cache.Cache = (*memCache)(nil)

func testConfig() config.Config {
	return config.Config{
		Cache: config.CacheConfig{Enabled: true, TTL: 300, KeyPrefix: "api"},
		Dashboard: config.DashboardConfig{
			DefaultPageSize:      20,
			MaxPageSize:          100,
			DefaultAggSize:       10,
			MaxAggSize:           100,
			TimelineLookbackDays: 7,
		},
	}
}

func newTestService(t *testing.T, fs *fakeStore) (*Service, *memCache) {
	t.Helper()
	mc := newMemCache()
	svc := NewService(fs, mc, testConfig(), zap.NewNop())
	svc.now = func() time.Time {
		return time.Date(2026, 8, 27, 14, 30, 0, 0, time.UTC)
	}
	return svc, mc
}

func fiftyReports() []dmarc.Report {
	reports := make([]dmarc.Report, 0, 50)
	dispositions := []dmarc.Disposition{dmarc.DispositionNone, dmarc.DispositionQuarantine, dmarc.DispositionReject}
	for i := 0; i < 50; i++ {
		reports = append(reports, dmarc.Report{
			ReportID: fmt.Sprintf("report-%02d", i),
			OrgName:  fmt.Sprintf("org-%d", i%6),
			Records: []dmarc.Record{{
				SourceIP: "192.0.2.1",
				Count:    1,
				PolicyEvaluated: dmarc.PolicyEvaluated{
					Disposition: dispositions[i%3],
					SPF:         dmarc.AuthResultPass,
					DKIM:        dmarc.AuthResultPass,
				},
			}},
		})
	}
	return reports
}

func TestHealth(t *testing.T) {
	t.Run("All Dependencies Up", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{health: "green"})

		health := svc.Health(context.Background())

		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "green", health.Services["elasticsearch"].Status)
		assert.True(t, health.Services["elasticsearch"].Connected)
		assert.Equal(t, "healthy", health.Services["redis"].Status)
	})

	t.Run("Store Down Reports Red Without Error", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{healthErr: store.ErrUnavailable})

		health := svc.Health(context.Background())

		assert.Equal(t, "degraded", health.Status)
		assert.Equal(t, "red", health.Services["elasticsearch"].Status)
		assert.False(t, health.Services["elasticsearch"].Connected)
	})
}

func TestStats(t *testing.T) {
	t.Run("Sums Partition Counts", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{indexStats: []store.IndexStat{
			{Index: "parsedmarc-aggregate-2026.08.26", DocsCount: 20, SizeBytes: 10240},
			{Index: "parsedmarc-aggregate-2026.08.27", DocsCount: 30, SizeBytes: 5120},
		}})

		stats, err := svc.Stats(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(50), stats.TotalReports)
		assert.Equal(t, 2, stats.TotalIndices)
		assert.InDelta(t, 15.0, stats.TotalSizeKB, 0.001)
	})

	t.Run("Unavailable Store Propagates", func(t *testing.T) {
		fs := &fakeStore{errQueue: []error{store.ErrUnavailable, store.ErrUnavailable}}
		svc, _ := newTestService(t, fs)

		_, err := svc.Stats(context.Background())
		assert.ErrorIs(t, err, store.ErrUnavailable)
		assert.Equal(t, 2, fs.statsCalls, "exactly one immediate retry")
	})

	t.Run("Single Retry Recovers", func(t *testing.T) {
		fs := &fakeStore{
			errQueue:   []error{store.ErrUnavailable},
			indexStats: []store.IndexStat{{DocsCount: 5}},
		}
		svc, _ := newTestService(t, fs)

		stats, err := svc.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(5), stats.TotalReports)
		assert.Equal(t, 2, fs.statsCalls)
	})

	t.Run("Timeout Is Not Retried", func(t *testing.T) {
		fs := &fakeStore{errQueue: []error{store.ErrTimeout}}
		svc, _ := newTestService(t, fs)

		_, err := svc.Stats(context.Background())
		assert.ErrorIs(t, err, store.ErrTimeout)
		assert.Equal(t, 1, fs.statsCalls)
	})

	t.Run("Second Call Served From Cache", func(t *testing.T) {
		fs := &fakeStore{indexStats: []store.IndexStat{{DocsCount: 5}}}
		svc, _ := newTestService(t, fs)

		_, err := svc.Stats(context.Background())
		require.NoError(t, err)
		_, err = svc.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, fs.statsCalls)
	})
}

func TestListReports(t *testing.T) {
	fs := &fakeStore{reports: fiftyReports()}
	svc, _ := newTestService(t, fs)
	ctx := context.Background()

	t.Run("First Page", func(t *testing.T) {
		list, err := svc.ListReports(ctx, 1, 20, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, list.Reports, 20)
		assert.Equal(t, int64(50), list.Total)
		assert.Equal(t, int64(3), list.Pages)

		first := list.Reports[0]
		assert.Equal(t, 1, first.Messages)
		require.NotNil(t, first.Alignment)
		assert.Equal(t, 1, first.Alignment.Passed)
		assert.Equal(t, 0, first.Alignment.Failed)
	})

	t.Run("Last Partial Page", func(t *testing.T) {
		list, err := svc.ListReports(ctx, 3, 20, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, list.Reports, 10)
		assert.Equal(t, int64(50), list.Total)
	})

	t.Run("Page Past End Is Empty Not An Error", func(t *testing.T) {
		list, err := svc.ListReports(ctx, 4, 20, ListFilter{})
		require.NoError(t, err)
		assert.Empty(t, list.Reports)
		assert.NotNil(t, list.Reports, "empty page must still marshal as []")
		assert.Equal(t, int64(50), list.Total)
	})

	t.Run("Invalid Page", func(t *testing.T) {
		_, err := svc.ListReports(ctx, 0, 20, ListFilter{})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("Size Above Cap", func(t *testing.T) {
		_, err := svc.ListReports(ctx, 1, 101, ListFilter{})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("Zero Size Uses Default", func(t *testing.T) {
		list, err := svc.ListReports(ctx, 1, 0, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 20, list.Size)
	})
}

func TestTopOrganizations(t *testing.T) {
	t.Run("Deterministic Ordering", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{orgs: []store.Bucket{
			{Key: "zulu", Count: 10},
			{Key: "alpha", Count: 10},
			{Key: "mike", Count: 25},
		}})

		orgs, err := svc.TopOrganizations(context.Background(), 10)
		require.NoError(t, err)

		require.Len(t, orgs, 3)
		assert.Equal(t, "mike", orgs[0].Organization)
		assert.Equal(t, "alpha", orgs[1].Organization, "ties break by key ascending")
		assert.Equal(t, "zulu", orgs[2].Organization)
	})

	t.Run("Invalid Size", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{})
		_, err := svc.TopOrganizations(context.Background(), -1)
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestDispositions(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{dispositions: []store.Bucket{
		{Key: "none", Count: 30},
		{Key: "reject", Count: 5},
		{Key: "quarantine", Count: 15},
	}})

	dispositions, err := svc.Dispositions(context.Background())
	require.NoError(t, err)

	require.Len(t, dispositions, 3)
	var total int64
	for _, d := range dispositions {
		total += d.Count
	}
	assert.Equal(t, int64(50), total)
	assert.Equal(t, "none", dispositions[0].Disposition)
	assert.Equal(t, "quarantine", dispositions[1].Disposition)
	assert.Equal(t, "reject", dispositions[2].Disposition)
}

func TestTimeline(t *testing.T) {
	// Fixed clock: 2026-08-27 14:30 UTC, 7 day lookback.
	t.Run("Exactly Lookback Buckets Zero Filled", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{timeline: []store.TimeBucket{
			{Start: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), Count: 3},
			{Start: time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), Count: 7},
		}})

		timeline, err := svc.Timeline(context.Background(), "day")
		require.NoError(t, err)

		require.Len(t, timeline, 7)
		assert.Equal(t, "2026-08-21", timeline[0].Date)
		assert.Equal(t, "2026-08-27", timeline[6].Date)
		assert.Equal(t, int64(0), timeline[0].Count)
		assert.Equal(t, int64(3), timeline[4].Count)
		assert.Equal(t, int64(7), timeline[6].Count)
	})

	t.Run("Hourly Buckets", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{})

		timeline, err := svc.Timeline(context.Background(), "hour")
		require.NoError(t, err)

		assert.Len(t, timeline, 7*24)
		assert.Equal(t, "2026-08-27 14:00", timeline[len(timeline)-1].Date)
	})

	t.Run("Default Interval Is Day", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{})
		timeline, err := svc.Timeline(context.Background(), "")
		require.NoError(t, err)
		assert.Len(t, timeline, 7)
	})

	t.Run("Invalid Interval", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{})
		_, err := svc.Timeline(context.Background(), "week")
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestQueryIdempotence(t *testing.T) {
	fs := &fakeStore{
		reports: fiftyReports(),
		orgs: []store.Bucket{
			{Key: "org-1", Count: 9},
			{Key: "org-0", Count: 9},
		},
	}
	svc, _ := newTestService(t, fs)
	ctx := context.Background()

	first, err := svc.ListReports(ctx, 2, 10, ListFilter{})
	require.NoError(t, err)
	second, err := svc.ListReports(ctx, 2, 10, ListFilter{})
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical queries over an unchanged store must be byte-identical")

	orgsA, err := svc.TopOrganizations(ctx, 10)
	require.NoError(t, err)
	orgsB, err := svc.TopOrganizations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, orgsA, orgsB)
}

func TestRawSearch(t *testing.T) {
	t.Run("Rejected Query Maps To Invalid", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{errQueue: []error{store.ErrBadQuery}})
		_, err := svc.RawSearch(context.Background(), []byte(`{"match_all":{}}`))
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("Empty Query Rejected", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{})
		_, err := svc.RawSearch(context.Background(), nil)
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("Passthrough", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{})
		payload, err := svc.RawSearch(context.Background(), []byte(`{"match_all":{}}`))
		require.NoError(t, err)
		assert.Contains(t, string(payload), "hits")
	})
}

func TestProcessReport(t *testing.T) {
	t.Run("Stamps And Invalidates", func(t *testing.T) {
		fs := &fakeStore{}
		svc, mc := newTestService(t, fs)

		result, err := svc.ProcessReport(context.Background(), map[string]interface{}{
			"org_name": "Google",
		})
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.NotEmpty(t, result.ID)
		require.Len(t, fs.indexed, 1)
		doc := fs.indexed[0]
		assert.Equal(t, "2026-08-27T14:30:00Z", doc["@timestamp"])
		assert.Equal(t, "dashboard-api", doc["processed_by"])
		assert.NotEmpty(t, doc["processing_id"])
		assert.Equal(t, 1, mc.invalidated)
	})

	t.Run("Empty Document Rejected", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeStore{})
		_, err := svc.ProcessReport(context.Background(), map[string]interface{}{})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}
