package labtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// memStore backs the in-memory repositories of both provenances and the
// status history. Writes are version-conditioned like the Postgres ones.
type memStore struct {
	mu         sync.Mutex
	orders     map[int64]*LabOrder
	prescribed map[prescribedKey]*PrescribedTest
	history    []*StatusChange

	// conflicts forces the next n conditional writes to lose the race.
	conflicts int
	// failWith makes every call fail with a store error.
	failWith error

	listCalls int
}

func newMemStore() *memStore {
	return &memStore{
		orders:     map[int64]*LabOrder{},
		prescribed: map[prescribedKey]*PrescribedTest{},
	}
}

func (s *memStore) addOrder(o *LabOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.VersionID == 0 {
		o.VersionID = 1
	}
	s.orders[o.ID] = o
}

func (s *memStore) addPrescribed(p *PrescribedTest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.VersionID == 0 {
		p.VersionID = 1
	}
	s.prescribed[prescribedKey{p.PrescriptionID, p.TestName}] = p
}

func (s *memStore) forceConflicts(n int) {
	s.mu.Lock()
	s.conflicts = n
	s.mu.Unlock()
}

func (s *memStore) setFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// takeConflict must be called with mu held.
func (s *memStore) takeConflict() bool {
	if s.conflicts > 0 {
		s.conflicts--
		return true
	}
	return false
}

func copyOrder(o *LabOrder) *LabOrder {
	cp := *o
	cp.Payments = append([]Payment(nil), o.Payments...)
	cp.TestReports = append([]ReportFile(nil), o.TestReports...)
	return &cp
}

func copyPrescribed(p *PrescribedTest) *PrescribedTest {
	cp := *p
	cp.Payments = append([]Payment(nil), p.Payments...)
	cp.TestReports = append([]ReportFile(nil), p.TestReports...)
	return &cp
}

func (s *memStore) record(c *StatusChange) {
	if c == nil {
		return
	}
	cp := *c
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.history = append(s.history, &cp)
}

// appendLedger mirrors the Postgres repositories: the first payment on a row
// with a legacy paid amount carries that amount forward as its own row.
func appendLedger(payments []Payment, legacy decimal.Decimal, p *Payment) ([]Payment, decimal.Decimal) {
	if len(payments) == 0 && legacy.IsPositive() {
		carry := *legacyCarryForward(legacy)
		preparePayment(&carry)
		payments = append(payments, carry)
	}
	cp := *p
	preparePayment(&cp)
	payments = append(payments, cp)
	sum, _ := SumCompleted(payments)
	return payments, sum
}

type memOrders struct{ s *memStore }

func (r memOrders) GetByID(_ context.Context, id int64) (*LabOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	o, ok := r.s.orders[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyOrder(o), nil
}

func (r memOrders) List(_ context.Context, q ListQuery) ([]*LabOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.listCalls++
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	var out []*LabOrder
	for _, o := range r.s.orders {
		if q.Status != "" && o.Status != q.Status {
			continue
		}
		out = append(out, copyOrder(o))
	}
	return out, nil
}

func (r memOrders) UpdateWorkflow(_ context.Context, id int64, expectedVersion int, u WorkflowUpdate) (*LabOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	o, ok := r.s.orders[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.s.takeConflict() {
		o.VersionID++
		return nil, ErrVersionConflict
	}
	if o.VersionID != expectedVersion {
		return nil, ErrVersionConflict
	}
	o.Status = u.Status
	o.SampleID = u.SampleID
	o.TestReports = append([]ReportFile(nil), u.TestReports...)
	o.VersionID++
	r.s.record(u.Change)
	return copyOrder(o), nil
}

func (r memOrders) AppendPayment(_ context.Context, id int64, expectedVersion int, p *Payment) (*LabOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	o, ok := r.s.orders[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.s.takeConflict() {
		o.VersionID++
		return nil, ErrVersionConflict
	}
	if o.VersionID != expectedVersion {
		return nil, ErrVersionConflict
	}
	o.Payments, o.PaidAmount = appendLedger(o.Payments, o.PaidAmount, p)
	o.DueAmount = clamp(o.TotalAmount.Sub(o.PaidAmount))
	o.PaymentStatus = PaymentStatusOf(o.TotalAmount, o.PaidAmount)
	o.VersionID++
	return copyOrder(o), nil
}

type memPrescribed struct{ s *memStore }

func (r memPrescribed) Get(_ context.Context, prescriptionID int64, testName string) (*PrescribedTest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	p, ok := r.s.prescribed[prescribedKey{prescriptionID, testName}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyPrescribed(p), nil
}

func (r memPrescribed) List(_ context.Context, q ListQuery) ([]*PrescribedTest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.listCalls++
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	var out []*PrescribedTest
	for _, p := range r.s.prescribed {
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		out = append(out, copyPrescribed(p))
	}
	return out, nil
}

func (r memPrescribed) UpdateWorkflow(_ context.Context, prescriptionID int64, testName string, expectedVersion int, u WorkflowUpdate) (*PrescribedTest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	p, ok := r.s.prescribed[prescribedKey{prescriptionID, testName}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.s.takeConflict() {
		p.VersionID++
		return nil, ErrVersionConflict
	}
	if p.VersionID != expectedVersion {
		return nil, ErrVersionConflict
	}
	p.Status = u.Status
	p.SampleID = u.SampleID
	p.TestReports = append([]ReportFile(nil), u.TestReports...)
	p.VersionID++
	r.s.record(u.Change)
	return copyPrescribed(p), nil
}

func (r memPrescribed) AppendPayment(_ context.Context, prescriptionID int64, testName string, expectedVersion int, pay *Payment) (*PrescribedTest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	p, ok := r.s.prescribed[prescribedKey{prescriptionID, testName}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.s.takeConflict() {
		p.VersionID++
		return nil, ErrVersionConflict
	}
	if p.VersionID != expectedVersion {
		return nil, ErrVersionConflict
	}
	p.Payments, p.PaidAmount = appendLedger(p.Payments, p.PaidAmount, pay)
	p.VersionID++
	return copyPrescribed(p), nil
}

type memHistory struct{ s *memStore }

func (r memHistory) ListByRecord(_ context.Context, recordID string) ([]*StatusChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return nil, r.s.failWith
	}
	var out []*StatusChange
	for _, c := range r.s.history {
		if c.RecordID == recordID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// countingNotifier records result-ready notifications.
type countingNotifier struct {
	mu    sync.Mutex
	ids   []RecordID
	fails error
}

func (n *countingNotifier) ResultsReady(_ context.Context, rec *TestRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, rec.ID)
	return n.fails
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

var errStoreDown = errors.New("connection refused")

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	svc := NewService(memOrders{store}, memPrescribed{store}, memHistory{store}, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string { return &s }

func sampleOrder(id int64, status Status, total, paid string) *LabOrder {
	return &LabOrder{
		ID:           id,
		OrderNumber:  "LAB-" + time.Unix(id, 0).UTC().Format("150405"),
		PatientID:    100 + id,
		PatientName:  "Rahim Uddin",
		PatientEmail: "rahim@example.com",
		TestName:     "Complete Blood Count",
		TotalAmount:  dec(total),
		PaidAmount:   dec(paid),
		Status:       status,
		CreatedAt:    testNow.Add(-time.Duration(id) * time.Hour),
	}
}

func samplePrescribed(prescriptionID int64, name string, status Status, total string) *PrescribedTest {
	return &PrescribedTest{
		PrescriptionID: prescriptionID,
		TestName:       name,
		PatientID:      7,
		PatientName:    "Nasrin Akter",
		PatientEmail:   "nasrin@example.com",
		DoctorName:     "Dr. Kamal Hossain",
		TotalAmount:    dec(total),
		PaidAmount:     decimal.Zero,
		Status:         status,
		CreatedAt:      testNow.Add(-30 * time.Minute),
	}
}

func cashPayment(amount string) PaymentRequest {
	return PaymentRequest{Amount: dec(amount), Method: MethodCash, RecordedBy: "desk-1"}
}

func reportFile(name string) ReportFile {
	return ReportFile{Filename: name, OriginalName: name, Path: "/reports/" + name}
}
