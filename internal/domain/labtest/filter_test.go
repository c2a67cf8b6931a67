package labtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filterFixture() []TestRecord {
	appt := time.Date(2026, 3, 10, 23, 30, 0, 0, time.FixedZone("BDT", 6*3600))
	o1 := sampleOrder(1, StatusOrdered, "500", "0")
	o1.PatientName = "Rahim Uddin"
	o1.TestName = "Complete Blood Count"
	o2 := sampleOrder(2, StatusSampleTaken, "900", "900")
	o2.PatientName = "Karim Chowdhury"
	o2.PatientEmail = "karim@example.com"
	o2.TestName = "Lipid Profile"
	o2.AppointmentDate = &appt
	o3 := sampleOrder(3, StatusConfirmed, "300", "300")
	o3.PatientName = "Salma Begum"
	o3.PatientEmail = "salma@example.com"
	o3.TestName = "Urine R/E"

	p1 := samplePrescribed(7, "Diabetes Panel (HbA1c + Glucose)", StatusReported, "1200")
	p2 := samplePrescribed(8, "Thyroid Panel", StatusSampleProcessing, "1500")
	p2.PatientName = "Rahim Uddin"
	p3 := samplePrescribed(9, "Blood Culture", StatusCancelled, "700")
	p4 := samplePrescribed(10, "Serum Creatinine", StatusApproved, "400")

	return Aggregate([]*LabOrder{o1, o2, o3}, []*PrescribedTest{p1, p2, p3, p4})
}

func ids(recs []TestRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID.String()
	}
	return out
}

func TestFilter_Validate(t *testing.T) {
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, -1)

	assert.NoError(t, Filter{}.Validate())
	assert.NoError(t, Filter{Provenance: "all", Status: StatusReported}.Validate())
	assert.ErrorIs(t, Filter{Provenance: "walk-in"}.Validate(), ErrValidation)
	assert.ErrorIs(t, Filter{Status: "lost"}.Validate(), ErrValidation)
	assert.ErrorIs(t, Filter{DateFrom: &from, DateTo: &to}.Validate(), ErrValidation)
	assert.NoError(t, Filter{DateFrom: &from, DateTo: &from}.Validate())
}

func TestApply_Provenance(t *testing.T) {
	recs := filterFixture()
	assert.Len(t, Apply(recs, Filter{}), 7)
	assert.Len(t, Apply(recs, Filter{Provenance: ProvenanceAll}), 7)
	for _, r := range Apply(recs, Filter{Provenance: string(ProvenanceOrdered)}) {
		assert.Equal(t, ProvenanceOrdered, r.Provenance)
	}
	assert.Len(t, Apply(recs, Filter{Provenance: string(ProvenancePrescribed)}), 4)
}

func TestApply_StatusAndDates(t *testing.T) {
	recs := filterFixture()

	got := Apply(recs, Filter{Status: StatusReported})
	require.Len(t, got, 1)
	assert.Equal(t, "Diabetes Panel (HbA1c + Glucose)", got[0].TestName)

	// the appointment is on the 10th in its own zone even though it is the
	// 10th 17:30 UTC
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	got = Apply(recs, Filter{DateFrom: &day, DateTo: &day})
	require.Len(t, got, 1)
	assert.Equal(t, "Lipid Profile", got[0].TestName)
}

func TestSearch_AndAcrossWordsOrAcrossFields(t *testing.T) {
	recs := filterFixture()

	// every word must match, each in any field
	got := Search(recs, "rahim thyroid")
	require.Len(t, got, 1)
	assert.Equal(t, "Thyroid Panel", got[0].TestName)

	got = Search(recs, "RAHIM")
	assert.Len(t, got, 2)

	// doctor name is searchable
	assert.Len(t, Search(recs, "kamal"), 4)

	// email is searchable
	assert.Len(t, Search(recs, "karim@example"), 1)

	assert.Empty(t, Search(recs, "rahim lipid"))
}

func TestSearch_ShortTextIsNoSearch(t *testing.T) {
	recs := filterFixture()
	assert.Len(t, Search(recs, ""), len(recs))
	assert.Len(t, Search(recs, " x "), len(recs))
	assert.Len(t, Search(recs, "   "), len(recs))
}

func TestSearch_LawHoldsForEveryRecord(t *testing.T) {
	recs := filterFixture()
	for _, text := range []string{"rahim", "panel blood", "uddin count", "begum urine", "zzz"} {
		matched := map[string]bool{}
		for _, id := range ids(Search(recs, text)) {
			matched[id] = true
		}
		words := searchWords(text)
		for i := range recs {
			assert.Equal(t, matchesWords(&recs[i], words), matched[recs[i].ID.String()], "%q vs %s", text, recs[i].ID)
		}
	}
}

func TestCategorize_Totality(t *testing.T) {
	recs := filterFixture()
	b := Categorize(recs)

	assert.Equal(t, len(recs), b.Len(), "every record lands in exactly one bucket")

	seen := map[string]Tab{}
	for _, tab := range Tabs {
		for _, r := range b.Tab(tab) {
			_, dup := seen[r.ID.String()]
			assert.False(t, dup, "%s in two buckets", r.ID)
			seen[r.ID.String()] = tab
			assert.Equal(t, TabOf(r.Status), tab)
		}
	}

	counts := b.Counts()
	assert.Equal(t, 3, counts[TabPending]) // ordered, approved, cancelled
	assert.Equal(t, 2, counts[TabInProgress])
	assert.Equal(t, 1, counts[TabReadyForResults])
	assert.Equal(t, 1, counts[TabCompleted])
}

func TestCategorize_EmptyBucketsAreNotNil(t *testing.T) {
	b := Categorize(nil)
	for _, tab := range Tabs {
		assert.NotNil(t, b.Tab(tab))
	}
}

func TestBuckets_SearchNarrowsOneTab(t *testing.T) {
	b := Categorize(filterFixture())
	narrowed := b.Search(TabPending, "creatinine")

	assert.Len(t, narrowed.Pending, 1)
	assert.Equal(t, b.InProgress, narrowed.InProgress)
	assert.Equal(t, b.Completed, narrowed.Completed)
	assert.Len(t, b.Pending, 3, "receiver is not modified")
}

func TestParseTab(t *testing.T) {
	for _, tab := range Tabs {
		got, ok := ParseTab(string(tab))
		assert.True(t, ok)
		assert.Equal(t, tab, got)
	}
	_, ok := ParseTab("")
	assert.False(t, ok)
	_, ok = ParseTab("done")
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	s := Summarize(filterFixture())

	assert.Equal(t, 7, s.Total)
	assert.Equal(t, 3, s.ByProvenance[ProvenanceOrdered])
	assert.Equal(t, 4, s.ByProvenance[ProvenancePrescribed])
	assert.Equal(t, 1, s.ByStatus[StatusCancelled])
	assert.Equal(t, 1, s.ByTab[TabCompleted])
	assert.True(t, s.Billed.Equal(s.Paid.Add(s.Due)), "billed %s paid %s due %s", s.Billed, s.Paid, s.Due)
}
