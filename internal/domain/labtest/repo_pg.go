package labtest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinic/labflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type txConn interface {
	queryable
	db.Beginner
}

func connFrom(ctx context.Context, pool *pgxpool.Pool) txConn {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

const carryForwardNote = "carried forward from recorded paid amount"

// listWhere builds the shared WHERE clause for both workflow tables. The date
// window is widened by a day on each side; the filter engine applies the
// exact calendar-day bounds in the caller's time zone.
func listWhere(q ListQuery) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if q.Status != "" {
		args = append(args, q.Status)
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if q.DateFrom != nil {
		args = append(args, q.DateFrom.AddDate(0, 0, -1))
		clauses = append(clauses, "COALESCE(appointment_date, created_at) >= $"+strconv.Itoa(len(args)))
	}
	if q.DateTo != nil {
		args = append(args, q.DateTo.AddDate(0, 0, 2))
		clauses = append(clauses, "COALESCE(appointment_date, created_at) < $"+strconv.Itoa(len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nonNilReports(files []ReportFile) []ReportFile {
	if files == nil {
		return []ReportFile{}
	}
	return files
}

func preparePayment(p *Payment) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentStateCompleted
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}
}

func legacyCarryForward(amount decimal.Decimal) *Payment {
	note := carryForwardNote
	return &Payment{
		Amount:     amount,
		Method:     MethodCash,
		Status:     PaymentStateCompleted,
		Notes:      &note,
		RecordedBy: "system",
	}
}

func insertStatusChange(ctx context.Context, q queryable, c *StatusChange) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ChangedAt.IsZero() {
		c.ChangedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO lab_status_history (id, record_id, from_status, to_status, changed_by, changed_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.RecordID, c.FromStatus, c.ToStatus, c.ChangedBy, c.ChangedAt, c.Reason)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

const paymentCols = `id, amount, method, status, transaction_id, notes, recorded_by, paid_at`

func scanPayment(row pgx.Row, extra ...interface{}) (Payment, error) {
	var p Payment
	dest := append([]interface{}{&p.ID, &p.Amount, &p.Method, &p.Status, &p.TransactionID, &p.Notes, &p.RecordedBy, &p.PaidAt}, extra...)
	err := row.Scan(dest...)
	return p, err
}

// =========== Lab Order Repository ===========

type labOrderRepoPG struct{ pool *pgxpool.Pool }

func NewLabOrderRepoPG(pool *pgxpool.Pool) LabOrderRepository {
	return &labOrderRepoPG{pool: pool}
}

func (r *labOrderRepoPG) conn(ctx context.Context) txConn {
	return connFrom(ctx, r.pool)
}

const labOrderCols = `id, order_number, patient_id, patient_name, patient_email, patient_phone,
	test_name, appointment_id, appointment_date, doctor_name,
	total_amount, paid_amount, due_amount, payment_status,
	status, sample_id, test_reports, result_url, version_id, created_at, updated_at`

func (r *labOrderRepoPG) scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.PatientName, &o.PatientEmail, &o.PatientPhone,
		&o.TestName, &o.AppointmentID, &o.AppointmentDate, &o.DoctorName,
		&o.TotalAmount, &o.PaidAmount, &o.DueAmount, &o.PaymentStatus,
		&o.Status, &o.SampleID, &o.TestReports, &o.ResultURL, &o.VersionID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return &o, err
}

func (r *labOrderRepoPG) get(ctx context.Context, q queryable, id int64) (*LabOrder, error) {
	o, err := r.scanOrder(q.QueryRow(ctx, `SELECT `+labOrderCols+` FROM lab_order WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	payments, err := r.payments(ctx, q, []int64{id})
	if err != nil {
		return nil, err
	}
	o.Payments = payments[id]
	return o, nil
}

func (r *labOrderRepoPG) payments(ctx context.Context, q queryable, ids []int64) (map[int64][]Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentCols+`, lab_order_id FROM lab_order_payment
		WHERE lab_order_id = ANY($1) ORDER BY paid_at, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("query lab order payments: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]Payment)
	for rows.Next() {
		var orderID int64
		p, err := scanPayment(rows, &orderID)
		if err != nil {
			return nil, fmt.Errorf("scan lab order payment: %w", err)
		}
		out[orderID] = append(out[orderID], p)
	}
	return out, rows.Err()
}

// missOrConflict tells a missing row from a version mismatch after a
// conditional write matched nothing.
func (r *labOrderRepoPG) missOrConflict(ctx context.Context, q queryable, id int64) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM lab_order WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check lab order %d: %w", id, err)
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrVersionConflict
}

func (r *labOrderRepoPG) GetByID(ctx context.Context, id int64) (*LabOrder, error) {
	return r.get(ctx, r.conn(ctx), id)
}

func (r *labOrderRepoPG) List(ctx context.Context, q ListQuery) ([]*LabOrder, error) {
	where, args := listWhere(q)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+labOrderCols+` FROM lab_order`+where+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list lab orders: %w", err)
	}
	defer rows.Close()
	var items []*LabOrder
	var ids []int64
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lab order: %w", err)
		}
		items = append(items, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}
	payments, err := r.payments(ctx, r.conn(ctx), ids)
	if err != nil {
		return nil, err
	}
	for _, o := range items {
		o.Payments = payments[o.ID]
	}
	return items, nil
}

func (r *labOrderRepoPG) UpdateWorkflow(ctx context.Context, id int64, expectedVersion int, u WorkflowUpdate) (*LabOrder, error) {
	var out *LabOrder
	err := db.InTx(ctx, r.conn(ctx), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE lab_order SET status = $3, sample_id = $4, test_reports = $5,
				version_id = version_id + 1, updated_at = NOW()
			WHERE id = $1 AND version_id = $2`,
			id, expectedVersion, u.Status, u.SampleID, nonNilReports(u.TestReports))
		if err != nil {
			return fmt.Errorf("update lab order %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, tx, id)
		}
		if u.Change != nil {
			if err := insertStatusChange(ctx, tx, u.Change); err != nil {
				return err
			}
		}
		out, err = r.get(ctx, tx, id)
		return err
	})
	return out, err
}

func (r *labOrderRepoPG) AppendPayment(ctx context.Context, id int64, expectedVersion int, p *Payment) (*LabOrder, error) {
	var out *LabOrder
	err := db.InTx(ctx, r.conn(ctx), func(tx pgx.Tx) error {
		var total, recorded decimal.Decimal
		err := tx.QueryRow(ctx, `SELECT total_amount, paid_amount FROM lab_order
			WHERE id = $1 AND version_id = $2 FOR UPDATE`, id, expectedVersion).Scan(&total, &recorded)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missOrConflict(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("lock lab order %d: %w", id, err)
		}

		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM lab_order_payment WHERE lab_order_id = $1`, id).Scan(&existing); err != nil {
			return fmt.Errorf("count lab order payments: %w", err)
		}
		if existing == 0 && recorded.IsPositive() {
			if err := r.insertPayment(ctx, tx, id, legacyCarryForward(recorded)); err != nil {
				return err
			}
		}
		if err := r.insertPayment(ctx, tx, id, p); err != nil {
			return err
		}

		var paid decimal.Decimal
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM lab_order_payment
			WHERE lab_order_id = $1 AND status = $2`, id, PaymentStateCompleted).Scan(&paid); err != nil {
			return fmt.Errorf("sum lab order payments: %w", err)
		}
		due := clamp(total.Sub(paid))
		if _, err := tx.Exec(ctx, `
			UPDATE lab_order SET paid_amount = $2, due_amount = $3, payment_status = $4,
				version_id = version_id + 1, updated_at = NOW()
			WHERE id = $1`,
			id, paid, due, PaymentStatusOf(total, paid)); err != nil {
			return fmt.Errorf("update lab order totals: %w", err)
		}
		out, err = r.get(ctx, tx, id)
		return err
	})
	return out, err
}

func (r *labOrderRepoPG) insertPayment(ctx context.Context, q queryable, orderID int64, p *Payment) error {
	preparePayment(p)
	_, err := q.Exec(ctx, `
		INSERT INTO lab_order_payment (id, lab_order_id, amount, method, status, transaction_id, notes, recorded_by, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, orderID, p.Amount, p.Method, p.Status, p.TransactionID, p.Notes, p.RecordedBy, p.PaidAt)
	if err != nil {
		return fmt.Errorf("insert lab order payment: %w", err)
	}
	return nil
}

// =========== Prescribed Test Repository ===========

type prescribedTestRepoPG struct{ pool *pgxpool.Pool }

func NewPrescribedTestRepoPG(pool *pgxpool.Pool) PrescribedTestRepository {
	return &prescribedTestRepoPG{pool: pool}
}

func (r *prescribedTestRepoPG) conn(ctx context.Context) txConn {
	return connFrom(ctx, r.pool)
}

const prescribedCols = `prescription_id, test_name, patient_id, patient_name, patient_email, patient_phone,
	doctor_name, appointment_date, total_amount, paid_amount,
	status, sample_id, test_reports, version_id, created_at, updated_at`

type prescribedKey struct {
	prescriptionID int64
	testName       string
}

func (r *prescribedTestRepoPG) scanTest(row pgx.Row) (*PrescribedTest, error) {
	var p PrescribedTest
	err := row.Scan(&p.PrescriptionID, &p.TestName, &p.PatientID, &p.PatientName, &p.PatientEmail, &p.PatientPhone,
		&p.DoctorName, &p.AppointmentDate, &p.TotalAmount, &p.PaidAmount,
		&p.Status, &p.SampleID, &p.TestReports, &p.VersionID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return &p, err
}

func (r *prescribedTestRepoPG) get(ctx context.Context, q queryable, prescriptionID int64, testName string) (*PrescribedTest, error) {
	p, err := r.scanTest(q.QueryRow(ctx, `SELECT `+prescribedCols+` FROM prescription_lab_test
		WHERE prescription_id = $1 AND test_name = $2`, prescriptionID, testName))
	if err != nil {
		return nil, err
	}
	payments, err := r.payments(ctx, q, []int64{prescriptionID})
	if err != nil {
		return nil, err
	}
	p.Payments = payments[prescribedKey{prescriptionID, testName}]
	return p, nil
}

func (r *prescribedTestRepoPG) payments(ctx context.Context, q queryable, prescriptionIDs []int64) (map[prescribedKey][]Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentCols+`, prescription_id, test_name FROM prescription_lab_test_payment
		WHERE prescription_id = ANY($1) ORDER BY paid_at, id`, prescriptionIDs)
	if err != nil {
		return nil, fmt.Errorf("query prescribed test payments: %w", err)
	}
	defer rows.Close()
	out := make(map[prescribedKey][]Payment)
	for rows.Next() {
		var k prescribedKey
		p, err := scanPayment(rows, &k.prescriptionID, &k.testName)
		if err != nil {
			return nil, fmt.Errorf("scan prescribed test payment: %w", err)
		}
		out[k] = append(out[k], p)
	}
	return out, rows.Err()
}

func (r *prescribedTestRepoPG) missOrConflict(ctx context.Context, q queryable, prescriptionID int64, testName string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM prescription_lab_test
		WHERE prescription_id = $1 AND test_name = $2)`, prescriptionID, testName).Scan(&exists); err != nil {
		return fmt.Errorf("check prescribed test: %w", err)
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrVersionConflict
}

func (r *prescribedTestRepoPG) Get(ctx context.Context, prescriptionID int64, testName string) (*PrescribedTest, error) {
	return r.get(ctx, r.conn(ctx), prescriptionID, testName)
}

func (r *prescribedTestRepoPG) List(ctx context.Context, q ListQuery) ([]*PrescribedTest, error) {
	where, args := listWhere(q)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescribedCols+` FROM prescription_lab_test`+where+
		` ORDER BY created_at DESC, prescription_id, test_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescribed tests: %w", err)
	}
	defer rows.Close()
	var items []*PrescribedTest
	seen := make(map[int64]bool)
	var ids []int64
	for rows.Next() {
		p, err := r.scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescribed test: %w", err)
		}
		items = append(items, p)
		if !seen[p.PrescriptionID] {
			seen[p.PrescriptionID] = true
			ids = append(ids, p.PrescriptionID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}
	payments, err := r.payments(ctx, r.conn(ctx), ids)
	if err != nil {
		return nil, err
	}
	for _, p := range items {
		p.Payments = payments[prescribedKey{p.PrescriptionID, p.TestName}]
	}
	return items, nil
}

func (r *prescribedTestRepoPG) UpdateWorkflow(ctx context.Context, prescriptionID int64, testName string, expectedVersion int, u WorkflowUpdate) (*PrescribedTest, error) {
	var out *PrescribedTest
	err := db.InTx(ctx, r.conn(ctx), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE prescription_lab_test SET status = $4, sample_id = $5, test_reports = $6,
				version_id = version_id + 1, updated_at = NOW()
			WHERE prescription_id = $1 AND test_name = $2 AND version_id = $3`,
			prescriptionID, testName, expectedVersion, u.Status, u.SampleID, nonNilReports(u.TestReports))
		if err != nil {
			return fmt.Errorf("update prescribed test: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, tx, prescriptionID, testName)
		}
		if u.Change != nil {
			if err := insertStatusChange(ctx, tx, u.Change); err != nil {
				return err
			}
		}
		out, err = r.get(ctx, tx, prescriptionID, testName)
		return err
	})
	return out, err
}

func (r *prescribedTestRepoPG) AppendPayment(ctx context.Context, prescriptionID int64, testName string, expectedVersion int, p *Payment) (*PrescribedTest, error) {
	var out *PrescribedTest
	err := db.InTx(ctx, r.conn(ctx), func(tx pgx.Tx) error {
		var recorded decimal.Decimal
		err := tx.QueryRow(ctx, `SELECT paid_amount FROM prescription_lab_test
			WHERE prescription_id = $1 AND test_name = $2 AND version_id = $3 FOR UPDATE`,
			prescriptionID, testName, expectedVersion).Scan(&recorded)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missOrConflict(ctx, tx, prescriptionID, testName)
		}
		if err != nil {
			return fmt.Errorf("lock prescribed test: %w", err)
		}

		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM prescription_lab_test_payment
			WHERE prescription_id = $1 AND test_name = $2`, prescriptionID, testName).Scan(&existing); err != nil {
			return fmt.Errorf("count prescribed test payments: %w", err)
		}
		if existing == 0 && recorded.IsPositive() {
			if err := r.insertPayment(ctx, tx, prescriptionID, testName, legacyCarryForward(recorded)); err != nil {
				return err
			}
		}
		if err := r.insertPayment(ctx, tx, prescriptionID, testName, p); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE prescription_lab_test SET
				paid_amount = (SELECT COALESCE(SUM(amount), 0) FROM prescription_lab_test_payment
					WHERE prescription_id = $1 AND test_name = $2 AND status = $3),
				version_id = version_id + 1, updated_at = NOW()
			WHERE prescription_id = $1 AND test_name = $2`,
			prescriptionID, testName, PaymentStateCompleted); err != nil {
			return fmt.Errorf("update prescribed test totals: %w", err)
		}
		out, err = r.get(ctx, tx, prescriptionID, testName)
		return err
	})
	return out, err
}

func (r *prescribedTestRepoPG) insertPayment(ctx context.Context, q queryable, prescriptionID int64, testName string, p *Payment) error {
	preparePayment(p)
	_, err := q.Exec(ctx, `
		INSERT INTO prescription_lab_test_payment (id, prescription_id, test_name, amount, method, status,
			transaction_id, notes, recorded_by, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, prescriptionID, testName, p.Amount, p.Method, p.Status, p.TransactionID, p.Notes, p.RecordedBy, p.PaidAt)
	if err != nil {
		return fmt.Errorf("insert prescribed test payment: %w", err)
	}
	return nil
}

// =========== Status History Repository ===========

type statusHistoryRepoPG struct{ pool *pgxpool.Pool }

func NewStatusHistoryRepoPG(pool *pgxpool.Pool) StatusHistoryRepository {
	return &statusHistoryRepoPG{pool: pool}
}

func (r *statusHistoryRepoPG) ListByRecord(ctx context.Context, recordID string) ([]*StatusChange, error) {
	rows, err := connFrom(ctx, r.pool).Query(ctx, `
		SELECT id, record_id, from_status, to_status, changed_by, changed_at, reason
		FROM lab_status_history WHERE record_id = $1 ORDER BY changed_at, id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()
	var items []*StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.RecordID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.ChangedAt, &h.Reason); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}
