package labtest

import (
	"context"
)

// LabOrderRepository persists self-ordered lab tests. Writes are conditioned
// on the version the caller read and return ErrVersionConflict when the row
// moved in between.
type LabOrderRepository interface {
	GetByID(ctx context.Context, id int64) (*LabOrder, error)
	List(ctx context.Context, q ListQuery) ([]*LabOrder, error)
	UpdateWorkflow(ctx context.Context, id int64, expectedVersion int, u WorkflowUpdate) (*LabOrder, error)
	// AppendPayment inserts p and recomputes the denormalized totals in one
	// transaction.
	AppendPayment(ctx context.Context, id int64, expectedVersion int, p *Payment) (*LabOrder, error)
}

// PrescribedTestRepository persists prescribed lab tests, keyed by
// (prescription id, test name).
type PrescribedTestRepository interface {
	Get(ctx context.Context, prescriptionID int64, testName string) (*PrescribedTest, error)
	List(ctx context.Context, q ListQuery) ([]*PrescribedTest, error)
	UpdateWorkflow(ctx context.Context, prescriptionID int64, testName string, expectedVersion int, u WorkflowUpdate) (*PrescribedTest, error)
	AppendPayment(ctx context.Context, prescriptionID int64, testName string, expectedVersion int, p *Payment) (*PrescribedTest, error)
}

type StatusHistoryRepository interface {
	ListByRecord(ctx context.Context, recordID string) ([]*StatusChange, error)
}

// recordSource routes record-level reads and writes to the store that owns
// the record's provenance.
type recordSource struct {
	orders     LabOrderRepository
	prescribed PrescribedTestRepository
}

func (s recordSource) get(ctx context.Context, id RecordID) (*TestRecord, error) {
	switch id.Provenance {
	case ProvenanceOrdered:
		o, err := s.orders.GetByID(ctx, id.OrderID)
		if err != nil {
			return nil, err
		}
		rec := FromLabOrder(o)
		return &rec, nil
	case ProvenancePrescribed:
		p, err := s.prescribed.Get(ctx, id.PrescriptionID, id.TestName)
		if err != nil {
			return nil, err
		}
		rec := FromPrescribedTest(p)
		return &rec, nil
	}
	return nil, ErrRecordNotFound
}

func (s recordSource) updateWorkflow(ctx context.Context, id RecordID, expectedVersion int, u WorkflowUpdate) (*TestRecord, error) {
	switch id.Provenance {
	case ProvenanceOrdered:
		o, err := s.orders.UpdateWorkflow(ctx, id.OrderID, expectedVersion, u)
		if err != nil {
			return nil, err
		}
		rec := FromLabOrder(o)
		return &rec, nil
	case ProvenancePrescribed:
		p, err := s.prescribed.UpdateWorkflow(ctx, id.PrescriptionID, id.TestName, expectedVersion, u)
		if err != nil {
			return nil, err
		}
		rec := FromPrescribedTest(p)
		return &rec, nil
	}
	return nil, ErrRecordNotFound
}

func (s recordSource) appendPayment(ctx context.Context, id RecordID, expectedVersion int, p *Payment) (*TestRecord, error) {
	switch id.Provenance {
	case ProvenanceOrdered:
		o, err := s.orders.AppendPayment(ctx, id.OrderID, expectedVersion, p)
		if err != nil {
			return nil, err
		}
		rec := FromLabOrder(o)
		return &rec, nil
	case ProvenancePrescribed:
		pt, err := s.prescribed.AppendPayment(ctx, id.PrescriptionID, id.TestName, expectedVersion, p)
		if err != nil {
			return nil, err
		}
		rec := FromPrescribedTest(pt)
		return &rec, nil
	}
	return nil, ErrRecordNotFound
}
