package labtest

import (
	"sort"
	"strconv"
)

// SelfOrderedLabel is shown as the doctor of a lab order with no linked
// appointment.
const SelfOrderedLabel = "Self-Ordered"

// FromLabOrder maps a lab order row to the unified shape.
func FromLabOrder(o *LabOrder) TestRecord {
	rec := TestRecord{
		ID:              OrderRecordID(o.ID),
		Provenance:      ProvenanceOrdered,
		OrderNumber:     o.OrderNumber,
		TestName:        o.TestName,
		Status:          o.Status,
		TotalAmount:     o.TotalAmount,
		SampleID:        o.SampleID,
		TestReports:     o.TestReports,
		PatientID:       o.PatientID,
		PatientName:     o.PatientName,
		PatientEmail:    o.PatientEmail,
		PatientPhone:    o.PatientPhone,
		DoctorName:      SelfOrderedLabel,
		AppointmentDate: o.AppointmentDate,
		Payments:        o.Payments,
		VersionID:       o.VersionID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		RecordedPaid:    o.PaidAmount,
	}
	if o.DoctorName != nil && *o.DoctorName != "" {
		rec.DoctorName = *o.DoctorName
	}
	if len(rec.TestReports) == 0 && o.ResultURL != nil {
		rec.TestReports = ParseLegacyResultURL(*o.ResultURL)
	}
	if rec.TestReports == nil {
		rec.TestReports = []ReportFile{}
	}

	paid := o.PaidAmount
	if sum, ok := SumCompleted(o.Payments); ok {
		paid = sum
	}
	applyLedger(&rec, paid)
	return rec
}

// FromPrescribedTest maps a prescription test row to the unified shape.
func FromPrescribedTest(p *PrescribedTest) TestRecord {
	rec := TestRecord{
		ID:              PrescribedRecordID(p.PrescriptionID, p.TestName),
		Provenance:      ProvenancePrescribed,
		OrderNumber:     PrescriptionOrderNumber(p.PrescriptionID),
		TestName:        p.TestName,
		Status:          p.Status,
		TotalAmount:     p.TotalAmount,
		SampleID:        p.SampleID,
		TestReports:     p.TestReports,
		PatientID:       p.PatientID,
		PatientName:     p.PatientName,
		PatientEmail:    p.PatientEmail,
		PatientPhone:    p.PatientPhone,
		DoctorName:      p.DoctorName,
		AppointmentDate: p.AppointmentDate,
		Payments:        p.Payments,
		VersionID:       p.VersionID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		RecordedPaid:    p.PaidAmount,
	}
	if rec.TestReports == nil {
		rec.TestReports = []ReportFile{}
	}

	paid := p.PaidAmount
	if sum, ok := SumCompleted(p.Payments); ok {
		paid = sum
	}
	applyLedger(&rec, paid)
	return rec
}

// PrescriptionOrderNumber is the display order number of a prescribed test.
func PrescriptionOrderNumber(prescriptionID int64) string {
	return "PRES-" + strconv.FormatInt(prescriptionID, 10)
}

// Aggregate merges both sources into one list, newest first. It performs no
// I/O and does not modify its inputs.
func Aggregate(orders []*LabOrder, prescribed []*PrescribedTest) []TestRecord {
	out := make([]TestRecord, 0, len(orders)+len(prescribed))
	for _, o := range orders {
		out = append(out, FromLabOrder(o))
	}
	for _, p := range prescribed {
		out = append(out, FromPrescribedTest(p))
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []TestRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID.String() < recs[j].ID.String()
	})
}
