package labtest

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Payment thresholds, as fractions of the total amount.
var (
	ProcessingThreshold = decimal.RequireFromString("0.5")
	ReleaseThreshold    = decimal.NewFromInt(1)
)

const currencySymbol = "৳"

func formatMoney(d decimal.Decimal) string {
	return currencySymbol + d.StringFixed(2)
}

func formatPercent(fraction decimal.Decimal) string {
	return fraction.Mul(decimal.NewFromInt(100)).StringFixed(0) + "%"
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// SumCompleted adds up completed payments. ok is false when there are no
// payment rows at all, which callers treat as "fall back to the legacy
// denormalized amount".
func SumCompleted(payments []Payment) (sum decimal.Decimal, ok bool) {
	if len(payments) == 0 {
		return decimal.Zero, false
	}
	sum = decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentStateCompleted {
			sum = sum.Add(p.Amount)
		}
	}
	return sum.Round(2), true
}

// PaidAmount returns the amount paid toward rec, never negative.
func PaidAmount(rec *TestRecord) decimal.Decimal {
	return clamp(rec.PaidAmount).Round(2)
}

// DueAmount returns max(0, total - paid).
func DueAmount(rec *TestRecord) decimal.Decimal {
	return clamp(rec.TotalAmount.Sub(PaidAmount(rec))).Round(2)
}

// MeetsThreshold reports whether paid plus pending reaches fraction of the
// total.
func MeetsThreshold(rec *TestRecord, fraction, pending decimal.Decimal) bool {
	return PaidAmount(rec).Add(clamp(pending)).GreaterThanOrEqual(requiredFor(rec, fraction))
}

// Shortfall is the additional amount required to reach fraction of the total.
func Shortfall(rec *TestRecord, fraction decimal.Decimal) decimal.Decimal {
	return clamp(requiredFor(rec, fraction).Sub(PaidAmount(rec))).RoundCeil(2)
}

func requiredFor(rec *TestRecord, fraction decimal.Decimal) decimal.Decimal {
	return clamp(rec.TotalAmount).Mul(fraction)
}

// PaymentStatusOf derives the payment status from total and paid amounts.
func PaymentStatusOf(total, paid decimal.Decimal) PaymentStatus {
	due := clamp(total.Sub(paid))
	switch {
	case due.IsZero():
		return PaymentPaid
	case !paid.IsPositive():
		return PaymentUnpaid
	default:
		return PaymentPartial
	}
}

// IsFullyPaid reports whether nothing is due on rec.
func IsFullyPaid(rec *TestRecord) bool {
	return DueAmount(rec).IsZero()
}

// applyLedger fills the derived amounts of rec from paid.
func applyLedger(rec *TestRecord, paid decimal.Decimal) {
	rec.PaidAmount = clamp(paid).Round(2)
	rec.DueAmount = DueAmount(rec)
	rec.PaymentStatus = PaymentStatusOf(rec.TotalAmount, rec.PaidAmount)
}

// Drift compares the paid amount stored on the upstream row with the sum of
// payment rows.
type Drift struct {
	Recorded decimal.Decimal
	Computed decimal.Decimal
}

func (d Drift) Delta() decimal.Decimal { return d.Recorded.Sub(d.Computed) }

// Reconcile returns the drift between the denormalized paid amount and the
// payment rows, if any. Records without payment rows cannot drift.
func Reconcile(rec *TestRecord) (Drift, bool) {
	computed, ok := SumCompleted(rec.Payments)
	if !ok {
		return Drift{}, false
	}
	if computed.Equal(rec.RecordedPaid.Round(2)) {
		return Drift{}, false
	}
	return Drift{Recorded: rec.RecordedPaid, Computed: computed}, true
}

// PaymentRequest is a payment submitted by staff.
type PaymentRequest struct {
	Amount        decimal.Decimal
	Method        PaymentMethod
	TransactionID string
	Notes         string
	RecordedBy    string
}

// Validate checks the request in isolation from any record.
func (r PaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if r.Amount.Exponent() < -2 && !r.Amount.Equal(r.Amount.Round(2)) {
		return &ValidationError{Field: "amount", Reason: "must have at most two decimal places"}
	}
	if !validMethods[r.Method] {
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("unsupported payment method %q", r.Method)}
	}
	if r.Method != MethodCash && r.TransactionID == "" {
		return &ValidationError{Field: "transaction_id", Reason: fmt.Sprintf("required for %s payments", r.Method)}
	}
	return nil
}

// CheckPayment decides whether req may be appended to rec's ledger.
func CheckPayment(rec *TestRecord, req PaymentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if rec.Status == StatusCancelled {
		return preconditionf(GuardTerminalState, rec.Status, "cannot record a payment on a cancelled test")
	}
	due := DueAmount(rec)
	if due.IsZero() {
		return preconditionf(GuardNothingDue, rec.Status, "test is already fully paid")
	}
	if req.Amount.GreaterThan(due) {
		e := preconditionf(GuardOverpayment, rec.Status,
			"payment of %s exceeds due %s", formatMoney(req.Amount), formatMoney(due))
		e.Required = &due
		return e
	}
	if !MeetsThreshold(rec, ProcessingThreshold, req.Amount) {
		short := clamp(Shortfall(rec, ProcessingThreshold).Sub(req.Amount))
		e := preconditionf(GuardInsufficientPayment, rec.Status,
			"payment of %s leaves %s short of the %s minimum",
			formatMoney(req.Amount), formatMoney(short), formatPercent(ProcessingThreshold))
		need := Shortfall(rec, ProcessingThreshold)
		e.Required = &need
		return e
	}
	return nil
}
