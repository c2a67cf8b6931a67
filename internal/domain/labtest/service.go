package labtest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/labflow/internal/platform/auth"
)

// ResultNotifier tells a patient their results are ready. It is called once
// per committed reported -> confirmed edge.
type ResultNotifier interface {
	ResultsReady(ctx context.Context, rec *TestRecord) error
}

// Recorder receives workflow measurements.
type Recorder interface {
	CommandCompleted(command, provenance, outcome string, d time.Duration)
	Transition(from, to, provenance string)
	GuardRejected(command, guard string)
	PaymentRecorded(method, provenance string, amount float64)
	LedgerDrift(provenance string)
	ViewInvalidated(query string)
}

type noopRecorder struct{}

func (noopRecorder) CommandCompleted(string, string, string, time.Duration) {}
func (noopRecorder) Transition(string, string, string)                      {}
func (noopRecorder) GuardRejected(string, string)                           {}
func (noopRecorder) PaymentRecorded(string, string, float64)                {}
func (noopRecorder) LedgerDrift(string)                                     {}
func (noopRecorder) ViewInvalidated(string)                                 {}

// DefaultMaxAttempts bounds the re-read/re-evaluate loop on version
// conflicts.
const DefaultMaxAttempts = 3

type Service struct {
	source      recordSource
	history     StatusHistoryRepository
	views       *ViewCache
	notifier    ResultNotifier
	metrics     Recorder
	logger      zerolog.Logger
	now         func() time.Time
	maxAttempts int
}

func NewService(orders LabOrderRepository, prescribed PrescribedTestRepository, history StatusHistoryRepository, logger zerolog.Logger) *Service {
	return &Service{
		source:      recordSource{orders: orders, prescribed: prescribed},
		history:     history,
		metrics:     noopRecorder{},
		logger:      logger.With().Str("component", "labtest").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetViewCache attaches the read-view cache. Without one every read goes to
// the store.
func (s *Service) SetViewCache(v *ViewCache) {
	s.views = v
}

// SetNotifier attaches the result-ready notifier.
func (s *Service) SetNotifier(n ResultNotifier) {
	s.notifier = n
}

// SetMetrics attaches a metrics recorder.
func (s *Service) SetMetrics(m Recorder) {
	if m == nil {
		m = noopRecorder{}
	}
	s.metrics = m
}

// -- Reads --

// Get returns one lab test.
func (s *Service) Get(ctx context.Context, id RecordID) (*TestRecord, error) {
	rec, err := cached(ctx, s.views, QueryRecord, id.String(), "", func() (*TestRecord, error) {
		rec, err := s.source.get(ctx, id)
		if err != nil {
			return nil, storeError("get lab test", id, err)
		}
		s.observeDrift(rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) listOrders(ctx context.Context, q ListQuery) ([]*LabOrder, error) {
	return cached(ctx, s.views, QueryLabOrders, "", queryVariant(q), func() ([]*LabOrder, error) {
		items, err := s.source.orders.List(ctx, q)
		if err != nil {
			return nil, &TransientError{Op: "list lab orders", Err: err}
		}
		return items, nil
	})
}

func (s *Service) listPrescribed(ctx context.Context, q ListQuery) ([]*PrescribedTest, error) {
	return cached(ctx, s.views, QueryPrescribedTests, "", queryVariant(q), func() ([]*PrescribedTest, error) {
		items, err := s.source.prescribed.List(ctx, q)
		if err != nil {
			return nil, &TransientError{Op: "list prescribed tests", Err: err}
		}
		return items, nil
	})
}

// ListUnified merges both sources and applies f.
func (s *Service) ListUnified(ctx context.Context, f Filter) ([]TestRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	narrow := f
	narrow.Search = ""
	variant := "provenance=" + f.Provenance + ";" + queryVariant(f.Query())

	recs, err := cached(ctx, s.views, QueryUnified, "", variant, func() ([]TestRecord, error) {
		var orders []*LabOrder
		var prescribed []*PrescribedTest
		var err error
		if f.WantsOrdered() {
			if orders, err = s.listOrders(ctx, f.Query()); err != nil {
				return nil, err
			}
		}
		if f.WantsPrescribed() {
			if prescribed, err = s.listPrescribed(ctx, f.Query()); err != nil {
				return nil, err
			}
		}
		all := Aggregate(orders, prescribed)
		for i := range all {
			s.observeDrift(&all[i])
		}
		return Apply(all, narrow), nil
	})
	if err != nil {
		return nil, err
	}
	return Search(recs, f.Search), nil
}

// Categorized returns the filtered records in their four buckets, each
// optionally narrowed by its own search text.
func (s *Service) Categorized(ctx context.Context, f Filter, tabSearch map[Tab]string) (Buckets, error) {
	recs, err := s.ListUnified(ctx, f)
	if err != nil {
		return Buckets{}, err
	}
	b := Categorize(recs)
	for _, t := range Tabs {
		if text, ok := tabSearch[t]; ok {
			b = b.Search(t, text)
		}
	}
	return b, nil
}

// Summary returns the admin overview across both sources.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	return cached(ctx, s.views, QueryAdminSummary, "", "all", func() (Summary, error) {
		recs, err := s.ListUnified(ctx, Filter{})
		if err != nil {
			return Summary{}, err
		}
		return Summarize(recs), nil
	})
}

// StatusHistory returns the committed transitions of one lab test, oldest
// first.
func (s *Service) StatusHistory(ctx context.Context, id RecordID) ([]*StatusChange, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return cached(ctx, s.views, QueryStatusHistory, id.String(), "", func() ([]*StatusChange, error) {
		items, err := s.history.ListByRecord(ctx, id.String())
		if err != nil {
			return nil, &TransientError{Op: "list status history", Err: err}
		}
		if items == nil {
			items = []*StatusChange{}
		}
		return items, nil
	})
}

// ReleasedReports returns the report files a patient may download. patientID
// zero skips the ownership check. Reports stay hidden until the test is
// confirmed and fully paid.
func (s *Service) ReleasedReports(ctx context.Context, id RecordID, patientID int64) ([]ReportFile, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patientID != 0 && rec.PatientID != patientID {
		return nil, &NotFoundError{ID: id.String()}
	}
	if ResultsReleased(rec) {
		return rec.TestReports, nil
	}
	if rec.Status != StatusConfirmed {
		return nil, preconditionf(GuardWrongStatus, rec.Status, "results are not released yet; test is %s", rec.Status)
	}
	return nil, requirePayment(rec, ReleaseThreshold, "to release results")
}

// -- Commands --

// AdvanceRequest asks for the single next workflow step.
type AdvanceRequest struct {
	Target   Status
	SampleID string
	Reason   string
	Actor    string
}

// AdvanceStatus moves a lab test to the next status. Confirmation is routed
// through Confirm so its idempotency and notification rules apply.
func (s *Service) AdvanceStatus(ctx context.Context, id RecordID, req AdvanceRequest) (*TestRecord, error) {
	if req.Target == StatusConfirmed {
		return s.confirm(ctx, id, req.Actor, req.Reason)
	}
	if !ValidStatus(req.Target) {
		return nil, &ValidationError{Field: "status", Reason: "unknown status " + string(req.Target)}
	}
	rec, _, err := s.mutate(ctx, CommandAdvanceStatus, id, func(ctx context.Context, cur *TestRecord) (*TestRecord, error) {
		if err := CheckTransition(cur, req.Target); err != nil {
			return nil, err
		}
		u := s.update(cur, req.Target, req.Actor, req.Reason)
		if req.Target == StatusSampleTaken && req.SampleID != "" {
			sampleID := req.SampleID
			u.SampleID = &sampleID
		}
		return s.source.updateWorkflow(ctx, cur.ID, cur.VersionID, u)
	})
	return rec, err
}

// RecordPayment appends a payment to the lab test's ledger.
func (s *Service) RecordPayment(ctx context.Context, id RecordID, req PaymentRequest) (*TestRecord, error) {
	if err := req.Validate(); err != nil {
		s.reject(CommandRecordPayment, id, err)
		return nil, err
	}
	rec, _, err := s.mutate(ctx, CommandRecordPayment, id, func(ctx context.Context, cur *TestRecord) (*TestRecord, error) {
		if err := CheckPayment(cur, req); err != nil {
			return nil, err
		}
		p := &Payment{
			Amount:     req.Amount.Round(2),
			Method:     req.Method,
			Status:     PaymentStateCompleted,
			RecordedBy: req.RecordedBy,
			PaidAt:     s.now(),
		}
		if req.TransactionID != "" {
			txID := req.TransactionID
			p.TransactionID = &txID
		}
		if req.Notes != "" {
			notes := req.Notes
			p.Notes = &notes
		}
		return s.source.appendPayment(ctx, cur.ID, cur.VersionID, p)
	})
	if err != nil {
		return nil, err
	}
	amount, _ := req.Amount.Float64()
	s.metrics.PaymentRecorded(string(req.Method), string(id.Provenance), amount)
	return rec, nil
}

// AttachReports adds report files to a lab test whose sample is taken and
// marks it reported.
func (s *Service) AttachReports(ctx context.Context, id RecordID, files []ReportFile, actor string) (*TestRecord, error) {
	rec, _, err := s.mutate(ctx, CommandAttachReports, id, func(ctx context.Context, cur *TestRecord) (*TestRecord, error) {
		if err := CheckAttachReports(cur, files); err != nil {
			return nil, err
		}
		reports := make([]ReportFile, 0, len(cur.TestReports)+len(files))
		reports = append(reports, cur.TestReports...)
		for _, f := range files {
			if f.UploadedAt.IsZero() {
				f.UploadedAt = s.now()
			}
			if f.OriginalName == "" {
				f.OriginalName = f.Filename
			}
			reports = append(reports, f)
		}
		next := *cur
		next.TestReports = reports
		if err := CheckTransition(&next, StatusReported); err != nil {
			return nil, err
		}
		u := s.update(cur, StatusReported, actor, "reports attached")
		u.TestReports = reports
		return s.source.updateWorkflow(ctx, cur.ID, cur.VersionID, u)
	})
	return rec, err
}

// RemoveReport drops one report file from a reported lab test.
func (s *Service) RemoveReport(ctx context.Context, id RecordID, index int, actor string) (*TestRecord, error) {
	rec, _, err := s.mutate(ctx, CommandRemoveReport, id, func(ctx context.Context, cur *TestRecord) (*TestRecord, error) {
		if err := CheckRemoveReport(cur, index); err != nil {
			return nil, err
		}
		reports := make([]ReportFile, 0, len(cur.TestReports)-1)
		reports = append(reports, cur.TestReports[:index]...)
		reports = append(reports, cur.TestReports[index+1:]...)
		u := WorkflowUpdate{Status: cur.Status, SampleID: cur.SampleID, TestReports: reports}
		return s.source.updateWorkflow(ctx, cur.ID, cur.VersionID, u)
	})
	return rec, err
}

// Confirm finalizes a reported lab test and releases its results. Confirming
// a confirmed test succeeds without writing or notifying again.
func (s *Service) Confirm(ctx context.Context, id RecordID, actor string) (*TestRecord, error) {
	return s.confirm(ctx, id, actor, "")
}

func (s *Service) confirm(ctx context.Context, id RecordID, actor, reason string) (*TestRecord, error) {
	rec, changed, err := s.mutate(ctx, CommandConfirm, id, func(ctx context.Context, cur *TestRecord) (*TestRecord, error) {
		noop, err := CheckConfirm(cur)
		if err != nil || noop {
			return nil, err
		}
		return s.source.updateWorkflow(ctx, cur.ID, cur.VersionID, s.update(cur, StatusConfirmed, actor, reason))
	})
	if err != nil {
		return nil, err
	}
	if changed && s.notifier != nil {
		if err := s.notifier.ResultsReady(ctx, rec); err != nil {
			s.logger.Warn().Err(err).
				Str("record_id", id.String()).
				Msg("result-ready notification failed")
		}
	}
	return rec, nil
}

// Revert returns a confirmed lab test to reported. Report files are kept.
func (s *Service) Revert(ctx context.Context, id RecordID, actor, reason string) (*TestRecord, error) {
	rec, _, err := s.mutate(ctx, CommandRevert, id, func(ctx context.Context, cur *TestRecord) (*TestRecord, error) {
		if err := CheckRevert(cur); err != nil {
			return nil, err
		}
		return s.source.updateWorkflow(ctx, cur.ID, cur.VersionID, s.update(cur, StatusReported, actor, reason))
	})
	return rec, err
}

// -- Command plumbing --

// step evaluates guards against the freshly read record and performs one
// conditional write. It returns (nil, nil) when nothing needs writing.
type step func(ctx context.Context, cur *TestRecord) (*TestRecord, error)

// mutate runs a command as a read-evaluate-write cycle, repeating it when the
// conditional write loses a race. changed reports whether a write happened.
func (s *Service) mutate(ctx context.Context, cmd Command, id RecordID, fn step) (rec *TestRecord, changed bool, err error) {
	start := time.Now()
	defer func() {
		s.metrics.CommandCompleted(string(cmd), string(id.Provenance), outcome(err, changed), time.Since(start))
	}()

	for attempt := 1; ; attempt++ {
		cur, err := s.source.get(ctx, id)
		if err != nil {
			return nil, false, storeError("load lab test", id, err)
		}

		out, err := fn(ctx, cur)
		switch {
		case err == nil && out == nil:
			return cur, false, nil
		case err == nil:
			s.committed(ctx, cmd, cur, out)
			return out, true, nil
		case errors.Is(err, ErrVersionConflict):
			if attempt < s.maxAttempts {
				s.logger.Debug().
					Str("command", string(cmd)).
					Str("record_id", id.String()).
					Int("attempt", attempt).
					Msg("version conflict, retrying")
				continue
			}
			status := cur.Status
			if latest, gerr := s.source.get(ctx, id); gerr == nil {
				status = latest.Status
			}
			err = preconditionf(GuardConcurrentUpdate, status,
				"test was changed by someone else; it is now %s", status)
			s.reject(cmd, id, err)
			return nil, false, err
		}

		var pe *PreconditionError
		var ve *ValidationError
		if errors.As(err, &pe) || errors.As(err, &ve) {
			s.reject(cmd, id, err)
			return nil, false, err
		}
		return nil, false, storeError(string(cmd), id, err)
	}
}

func (s *Service) update(cur *TestRecord, to Status, actor, reason string) WorkflowUpdate {
	change := &StatusChange{
		RecordID:   cur.ID.String(),
		FromStatus: cur.Status,
		ToStatus:   to,
		ChangedBy:  actor,
		ChangedAt:  s.now(),
	}
	if reason != "" {
		r := reason
		change.Reason = &r
	}
	return WorkflowUpdate{
		Status:      to,
		SampleID:    cur.SampleID,
		TestReports: cur.TestReports,
		Change:      change,
	}
}

func (s *Service) committed(ctx context.Context, cmd Command, before, after *TestRecord) {
	for _, q := range s.views.Invalidate(ctx, cmd, before.ID) {
		s.metrics.ViewInvalidated(string(q))
	}
	if before.Status != after.Status {
		s.metrics.Transition(string(before.Status), string(after.Status), string(before.Provenance))
	}
	s.logger.Info().
		Str("command", string(cmd)).
		Str("record_id", before.ID.String()).
		Str("from", string(before.Status)).
		Str("to", string(after.Status)).
		Str("user", auth.UserIDFromContext(ctx)).
		Str("paid", PaidAmount(after).StringFixed(2)).
		Msg("lab test updated")
}

func (s *Service) reject(cmd Command, id RecordID, err error) {
	guard := "validation"
	var pe *PreconditionError
	if errors.As(err, &pe) {
		guard = string(pe.Guard)
	}
	s.metrics.GuardRejected(string(cmd), guard)
	s.logger.Debug().
		Str("command", string(cmd)).
		Str("record_id", id.String()).
		Str("guard", guard).
		Err(err).
		Msg("command rejected")
}

func (s *Service) observeDrift(rec *TestRecord) {
	d, ok := Reconcile(rec)
	if !ok {
		return
	}
	s.metrics.LedgerDrift(string(rec.Provenance))
	s.logger.Warn().
		Str("record_id", rec.ID.String()).
		Str("recorded_paid", d.Recorded.StringFixed(2)).
		Str("payments_sum", d.Computed.StringFixed(2)).
		Msg("denormalized paid amount disagrees with payments; using payments")
}

func outcome(err error, changed bool) string {
	switch {
	case err == nil && changed:
		return "ok"
	case err == nil:
		return "noop"
	case errors.Is(err, ErrPreconditionFailed):
		return "rejected"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Required returns the amount carried by a payment guard rejection, if any.
func Required(err error) (decimal.Decimal, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) && pe.Required != nil {
		return *pe.Required, true
	}
	return decimal.Decimal{}, false
}
