package labtest

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ProvenanceAll selects both sources in a Filter.
const ProvenanceAll = "all"

// Filter narrows the unified list. Zero fields do not constrain.
type Filter struct {
	Provenance string
	Status     Status
	Search     string
	DateFrom   *time.Time
	DateTo     *time.Time
}

// Validate rejects unknown provenance or status values and inverted ranges.
func (f Filter) Validate() error {
	switch f.Provenance {
	case "", ProvenanceAll, string(ProvenanceOrdered), string(ProvenancePrescribed):
	default:
		return &ValidationError{Field: "provenance", Reason: "must be all, ordered or prescribed"}
	}
	if f.Status != "" && !ValidStatus(f.Status) {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(f.Status)}
	}
	if f.DateFrom != nil && f.DateTo != nil && civilDay(*f.DateTo) < civilDay(*f.DateFrom) {
		return &ValidationError{Field: "date_to", Reason: "must not be before date_from"}
	}
	return nil
}

// Query returns the repository-level constraints implied by the filter.
func (f Filter) Query() ListQuery {
	return ListQuery{Status: f.Status, DateFrom: f.DateFrom, DateTo: f.DateTo}
}

// WantsOrdered reports whether lab orders can appear in the result.
func (f Filter) WantsOrdered() bool {
	return f.Provenance != string(ProvenancePrescribed)
}

// WantsPrescribed reports whether prescribed tests can appear in the result.
func (f Filter) WantsPrescribed() bool {
	return f.Provenance != string(ProvenanceOrdered)
}

// Matches reports whether rec satisfies every constraint of f.
func (f Filter) Matches(rec *TestRecord) bool {
	if !f.WantsOrdered() && rec.Provenance == ProvenanceOrdered {
		return false
	}
	if !f.WantsPrescribed() && rec.Provenance == ProvenancePrescribed {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.DateFrom != nil || f.DateTo != nil {
		day := civilDay(recordDate(rec))
		if f.DateFrom != nil && day < civilDay(*f.DateFrom) {
			return false
		}
		if f.DateTo != nil && day > civilDay(*f.DateTo) {
			return false
		}
	}
	return matchesWords(rec, searchWords(f.Search))
}

// Apply returns the records matching f, preserving order.
func Apply(recs []TestRecord, f Filter) []TestRecord {
	out := make([]TestRecord, 0, len(recs))
	for i := range recs {
		if f.Matches(&recs[i]) {
			out = append(out, recs[i])
		}
	}
	return out
}

// recordDate is the appointment date when known, else the creation time.
func recordDate(rec *TestRecord) time.Time {
	if rec.AppointmentDate != nil {
		return *rec.AppointmentDate
	}
	return rec.CreatedAt
}

// civilDay collapses t to a comparable yyyymmdd in its own location.
func civilDay(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// searchWords splits free text into lowercase words. Text with fewer than
// two non-space characters is no search at all.
func searchWords(text string) []string {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	if n < 2 {
		return nil
	}
	words := strings.Fields(strings.ToLower(text))
	return words
}

func matchesWords(rec *TestRecord, words []string) bool {
	if len(words) == 0 {
		return true
	}
	fields := [...]string{
		strings.ToLower(rec.PatientName),
		strings.ToLower(rec.PatientEmail),
		strings.ToLower(rec.DoctorName),
		strings.ToLower(rec.TestName),
	}
	for _, w := range words {
		found := false
		for _, f := range fields {
			if strings.Contains(f, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Search returns the records matching free text, preserving order.
func Search(recs []TestRecord, text string) []TestRecord {
	words := searchWords(text)
	if len(words) == 0 {
		return recs
	}
	out := make([]TestRecord, 0, len(recs))
	for i := range recs {
		if matchesWords(&recs[i], words) {
			out = append(out, recs[i])
		}
	}
	return out
}

// -- Categorization --

// Tab is one of the four operational buckets.
type Tab string

const (
	TabPending         Tab = "pending"
	TabInProgress      Tab = "in_progress"
	TabReadyForResults Tab = "ready_for_results"
	TabCompleted       Tab = "completed"
)

// Tabs lists the buckets in display order.
var Tabs = []Tab{TabPending, TabInProgress, TabReadyForResults, TabCompleted}

// ParseTab accepts a tab name; the empty string is not a tab.
func ParseTab(s string) (Tab, bool) {
	for _, t := range Tabs {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// TabOf places a status in exactly one bucket. Unknown statuses are pending.
func TabOf(s Status) Tab {
	switch s {
	case StatusConfirmed:
		return TabCompleted
	case StatusReported:
		return TabReadyForResults
	case StatusSampleProcessing, StatusSampleTaken:
		return TabInProgress
	default:
		return TabPending
	}
}

// Buckets partitions a record set by tab.
type Buckets struct {
	Pending         []TestRecord `json:"pending"`
	InProgress      []TestRecord `json:"in_progress"`
	ReadyForResults []TestRecord `json:"ready_for_results"`
	Completed       []TestRecord `json:"completed"`
}

// Categorize builds the buckets from scratch.
func Categorize(recs []TestRecord) Buckets {
	b := Buckets{
		Pending:         []TestRecord{},
		InProgress:      []TestRecord{},
		ReadyForResults: []TestRecord{},
		Completed:       []TestRecord{},
	}
	for _, r := range recs {
		switch TabOf(r.Status) {
		case TabCompleted:
			b.Completed = append(b.Completed, r)
		case TabReadyForResults:
			b.ReadyForResults = append(b.ReadyForResults, r)
		case TabInProgress:
			b.InProgress = append(b.InProgress, r)
		default:
			b.Pending = append(b.Pending, r)
		}
	}
	return b
}

// Tab returns the records of one bucket.
func (b Buckets) Tab(t Tab) []TestRecord {
	switch t {
	case TabInProgress:
		return b.InProgress
	case TabReadyForResults:
		return b.ReadyForResults
	case TabCompleted:
		return b.Completed
	default:
		return b.Pending
	}
}

// Search narrows one bucket by free text and leaves the others alone.
func (b Buckets) Search(t Tab, text string) Buckets {
	narrowed := Search(b.Tab(t), text)
	switch t {
	case TabInProgress:
		b.InProgress = narrowed
	case TabReadyForResults:
		b.ReadyForResults = narrowed
	case TabCompleted:
		b.Completed = narrowed
	default:
		b.Pending = narrowed
	}
	return b
}

// Len is the number of records across all buckets.
func (b Buckets) Len() int {
	return len(b.Pending) + len(b.InProgress) + len(b.ReadyForResults) + len(b.Completed)
}

// Counts returns the size of each bucket.
func (b Buckets) Counts() map[Tab]int {
	return map[Tab]int{
		TabPending:         len(b.Pending),
		TabInProgress:      len(b.InProgress),
		TabReadyForResults: len(b.ReadyForResults),
		TabCompleted:       len(b.Completed),
	}
}

// Summary is the admin overview of a record set.
type Summary struct {
	Total           int                `json:"total"`
	ByTab           map[Tab]int        `json:"by_tab"`
	ByStatus        map[Status]int     `json:"by_status"`
	ByProvenance    map[Provenance]int `json:"by_provenance"`
	AwaitingPayment int                `json:"awaiting_payment"`
	Billed          decimal.Decimal    `json:"billed"`
	Paid            decimal.Decimal    `json:"paid"`
	Due             decimal.Decimal    `json:"due"`
}

// Summarize counts records per bucket, status and provenance and totals the
// money. Cancelled tests are counted but not billed.
func Summarize(recs []TestRecord) Summary {
	s := Summary{
		Total:        len(recs),
		ByTab:        Categorize(recs).Counts(),
		ByStatus:     map[Status]int{},
		ByProvenance: map[Provenance]int{ProvenanceOrdered: 0, ProvenancePrescribed: 0},
		Billed:       decimal.Zero,
		Paid:         decimal.Zero,
		Due:          decimal.Zero,
	}
	for i := range recs {
		r := &recs[i]
		s.ByStatus[r.Status]++
		s.ByProvenance[r.Provenance]++
		if r.Status == StatusCancelled {
			continue
		}
		s.Billed = s.Billed.Add(r.TotalAmount)
		s.Paid = s.Paid.Add(PaidAmount(r))
		due := DueAmount(r)
		s.Due = s.Due.Add(due)
		if due.IsPositive() {
			s.AwaitingPayment++
		}
	}
	return s
}
