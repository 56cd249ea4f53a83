package store

import (
	"time"

	"github.com/dmarcwatch/dashboard-api/internal/dmarc"
)

// IndexStat is one row of the store's per-partition statistics.
type IndexStat struct {
	Index     string
	DocsCount int64
	SizeBytes int64
}

// ReportQuery describes one paginated report listing. Zero-valued filter
// fields are omitted from the store query.
type ReportQuery struct {
	Page        int
	Size        int
	OrgName     string
	Domain      string
	Disposition string
	From        time.Time
	To          time.Time
}

// ReportPage is a slice of reports plus the total match count.
type ReportPage struct {
	Reports []dmarc.Report
	Total   int64
}

// Bucket is one key/count pair from a terms aggregation.
type Bucket struct {
	Key   string
	Count int64
}

// TimeBucket is one bucket of a date histogram. Start is the bucket's
// opening instant in UTC.
type TimeBucket struct {
	Start time.Time
	Count int64
}

// IndexResult reports where an ingest-assist document landed.
type IndexResult struct {
	ID    string
	Index string
}
