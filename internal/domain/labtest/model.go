package labtest

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provenance identifies which upstream store a lab test came from.
type Provenance string

const (
	ProvenanceOrdered    Provenance = "ordered"
	ProvenancePrescribed Provenance = "prescribed"
)

// Status is a step of the fulfillment workflow.
type Status string

const (
	StatusOrdered          Status = "ordered"
	StatusApproved         Status = "approved"
	StatusSampleProcessing Status = "sample_processing"
	StatusSampleTaken      Status = "sample_taken"
	StatusReported         Status = "reported"
	StatusConfirmed        Status = "confirmed"
	StatusCancelled        Status = "cancelled"
)

// PaymentStatus is derived from the ledger, never set directly.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// PaymentMethod is how money reached the clinic.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBkash        PaymentMethod = "bkash"
	MethodNagad        PaymentMethod = "nagad"
	MethodRocket       PaymentMethod = "rocket"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOnline       PaymentMethod = "online"
)

var validMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodCard: true, MethodBkash: true, MethodNagad: true,
	MethodRocket: true, MethodBankTransfer: true, MethodOnline: true,
}

// Payment row states. Only completed payments count toward the paid amount.
const (
	PaymentStateCompleted = "completed"
	PaymentStatePending   = "pending"
	PaymentStateFailed    = "failed"
)

// Payment is an append-only ledger entry belonging to exactly one lab test.
type Payment struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        PaymentMethod   `db:"method" json:"method"`
	Status        string          `db:"status" json:"status"`
	TransactionID *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	Notes         *string         `db:"notes" json:"notes,omitempty"`
	RecordedBy    string          `db:"recorded_by" json:"recorded_by"`
	PaidAt        time.Time       `db:"paid_at" json:"paid_at"`
}

// ReportFile describes an uploaded result document. The bytes live in an
// external file store; only the descriptor is tracked here.
type ReportFile struct {
	Filename     string    `json:"filename"`
	OriginalName string    `json:"original_name"`
	Path         string    `json:"path"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// LabOrder maps to the lab_order table: a test the patient ordered without a
// prescription. Payment totals are denormalized onto the row.
type LabOrder struct {
	ID              int64           `db:"id" json:"id"`
	OrderNumber     string          `db:"order_number" json:"order_number"`
	PatientID       int64           `db:"patient_id" json:"patient_id"`
	PatientName     string          `db:"patient_name" json:"patient_name"`
	PatientEmail    string          `db:"patient_email" json:"patient_email"`
	PatientPhone    *string         `db:"patient_phone" json:"patient_phone,omitempty"`
	TestName        string          `db:"test_name" json:"test_name"`
	AppointmentID   *int64          `db:"appointment_id" json:"appointment_id,omitempty"`
	AppointmentDate *time.Time      `db:"appointment_date" json:"appointment_date,omitempty"`
	DoctorName      *string         `db:"doctor_name" json:"doctor_name,omitempty"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount      decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	DueAmount       decimal.Decimal `db:"due_amount" json:"due_amount"`
	PaymentStatus   PaymentStatus   `db:"payment_status" json:"payment_status"`
	Status          Status          `db:"status" json:"status"`
	SampleID        *string         `db:"sample_id" json:"sample_id,omitempty"`
	TestReports     []ReportFile    `db:"test_reports" json:"test_reports"`
	ResultURL       *string         `db:"result_url" json:"result_url,omitempty"`
	Payments        []Payment       `json:"payments,omitempty"`
	VersionID       int             `db:"version_id" json:"version_id"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// PrescribedTest maps to the prescription_lab_test table. There is no surrogate
// key upstream; a row is identified by its prescription and test name.
type PrescribedTest struct {
	PrescriptionID  int64           `db:"prescription_id" json:"prescription_id"`
	TestName        string          `db:"test_name" json:"test_name"`
	PatientID       int64           `db:"patient_id" json:"patient_id"`
	PatientName     string          `db:"patient_name" json:"patient_name"`
	PatientEmail    string          `db:"patient_email" json:"patient_email"`
	PatientPhone    *string         `db:"patient_phone" json:"patient_phone,omitempty"`
	DoctorName      string          `db:"doctor_name" json:"doctor_name"`
	AppointmentDate *time.Time      `db:"appointment_date" json:"appointment_date,omitempty"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount      decimal.Decimal `db:"paid_amount" json:"paid_amount"` // legacy, pre per-payment rows
	Status          Status          `db:"status" json:"status"`
	SampleID        *string         `db:"sample_id" json:"sample_id,omitempty"`
	TestReports     []ReportFile    `db:"test_reports" json:"test_reports"`
	Payments        []Payment       `json:"payments,omitempty"`
	VersionID       int             `db:"version_id" json:"version_id"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// TestRecord is the unified view of a lab test regardless of provenance.
type TestRecord struct {
	ID              RecordID        `json:"id"`
	Provenance      Provenance      `json:"provenance"`
	OrderNumber     string          `json:"order_number"`
	TestName        string          `json:"test_name"`
	Status          Status          `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	DueAmount       decimal.Decimal `json:"due_amount"`
	SampleID        *string         `json:"sample_id,omitempty"`
	TestReports     []ReportFile    `json:"test_reports"`
	PatientID       int64           `json:"patient_id"`
	PatientName     string          `json:"patient_name"`
	PatientEmail    string          `json:"patient_email"`
	PatientPhone    *string         `json:"patient_phone,omitempty"`
	DoctorName      string          `json:"doctor_name"`
	AppointmentDate *time.Time      `json:"appointment_date,omitempty"`
	Payments        []Payment       `json:"payments,omitempty"`
	VersionID       int             `json:"version_id"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// RecordedPaid is the paid amount as denormalized on the upstream row.
	RecordedPaid decimal.Decimal `json:"recorded_paid"`
}

// StatusChange records a committed workflow transition.
type StatusChange struct {
	ID         uuid.UUID `db:"id" json:"id"`
	RecordID   string    `db:"record_id" json:"record_id"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	ChangedBy  string    `db:"changed_by" json:"changed_by"`
	ChangedAt  time.Time `db:"changed_at" json:"changed_at"`
	Reason     *string   `db:"reason" json:"reason,omitempty"`
}

// WorkflowUpdate is the mutable slice of a lab test written by a command.
// Change, when set, is persisted in the same transaction.
type WorkflowUpdate struct {
	Status      Status
	SampleID    *string
	TestReports []ReportFile
	Change      *StatusChange
}

// ListQuery narrows what repositories load. The filter engine re-applies the
// same constraints, so repositories may ignore any of them.
type ListQuery struct {
	Status   Status
	DateFrom *time.Time
	DateTo   *time.Time
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
