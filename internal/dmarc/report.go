package dmarc

import "time"

// Disposition is the policy action a receiver applied to a set of messages.
type Disposition string

const (
	DispositionNone       Disposition = "none"
	DispositionQuarantine Disposition = "quarantine"
	DispositionReject     Disposition = "reject"
)

// AuthResult is a raw SPF or DKIM evaluation outcome as reported by the receiver.
type AuthResult string

const (
	AuthResultPass     AuthResult = "pass"
	AuthResultFail     AuthResult = "fail"
	AuthResultNeutral  AuthResult = "neutral"
	AuthResultSoftfail AuthResult = "softfail"
	AuthResultNone     AuthResult = "none"
)

// Report is a single DMARC aggregate report document as indexed by the
// external ingester. Documents are immutable once written.
type Report struct {
	ID              string          `json:"_id,omitempty"`
	ReportID        string          `json:"report_id"`
	OrgName         string          `json:"org_name"`
	OrgEmail        string          `json:"org_email,omitempty"`
	DateRange       DateRange       `json:"date_range"`
	PolicyPublished PolicyPublished `json:"policy_published"`
	Records         []Record        `json:"records"`
	Timestamp       time.Time       `json:"@timestamp,omitempty"`

	// Derived by the query service for listing responses, never stored.
	Messages  int               `json:"messages,omitempty"`
	Alignment *AlignmentSummary `json:"alignment,omitempty"`
}

// DateRange is the reporting window covered by a report, begin <= end.
type DateRange struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end"`
}

// PolicyPublished is the DMARC policy the domain owner had published.
type PolicyPublished struct {
	Domain          string `json:"domain"`
	Policy          string `json:"p"`
	SubdomainPolicy string `json:"sp,omitempty"`
	Percentage      int    `json:"pct"`
}

// Record is one per-source-IP entry within a report.
type Record struct {
	SourceIP        string          `json:"source_ip"`
	Count           int             `json:"count"`
	PolicyEvaluated PolicyEvaluated `json:"policy_evaluated"`
	Identifiers     Identifiers     `json:"identifiers"`
}

// PolicyEvaluated holds the receiver's per-record evaluation. The disposition
// and the raw SPF/DKIM results are independent fields; alignment summaries
// are derived on demand, never stored.
type PolicyEvaluated struct {
	Disposition Disposition `json:"disposition"`
	SPF         AuthResult  `json:"spf"`
	DKIM        AuthResult  `json:"dkim"`
}

// Identifiers carries the visible message identity for a record.
type Identifiers struct {
	HeaderFrom string `json:"header_from"`
}

// Alignment is the derived pass/fail summary for a record.
type Alignment struct {
	SPF   bool `json:"spf"`
	DKIM  bool `json:"dkim"`
	DMARC bool `json:"dmarc"`
}

// Alignment derives the alignment summary for a record. DMARC passes when
// either mechanism both passed and aligned with the header From domain.
func (r Record) Alignment() Alignment {
	a := Alignment{
		SPF:  r.PolicyEvaluated.SPF == AuthResultPass,
		DKIM: r.PolicyEvaluated.DKIM == AuthResultPass,
	}
	a.DMARC = a.SPF || a.DKIM
	return a
}

// AlignmentSummary tallies a report's messages by derived DMARC result.
type AlignmentSummary struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// AlignmentSummary counts messages whose record passed or failed DMARC.
func (r Report) AlignmentSummary() AlignmentSummary {
	var s AlignmentSummary
	for _, rec := range r.Records {
		if rec.Alignment().DMARC {
			s.Passed += rec.Count
		} else {
			s.Failed += rec.Count
		}
	}
	return s
}

// MessageCount sums the message counts across all records of a report.
func (r Report) MessageCount() int {
	total := 0
	for _, rec := range r.Records {
		total += rec.Count
	}
	return total
}

// Valid reports whether d is one of the three defined dispositions.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionNone, DispositionQuarantine, DispositionReject:
		return true
	}
	return false
}

// Valid reports whether a is a defined SPF/DKIM result.
func (a AuthResult) Valid() bool {
	switch a {
	case AuthResultPass, AuthResultFail, AuthResultNeutral, AuthResultSoftfail, AuthResultNone:
		return true
	}
	return false
}
