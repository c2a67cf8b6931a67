package labtest

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordWith(total, paid string) *TestRecord {
	rec := &TestRecord{TotalAmount: dec(total), Status: StatusApproved}
	applyLedger(rec, dec(paid))
	return rec
}

func TestDueAmount(t *testing.T) {
	tests := []struct {
		total, paid, due string
		status           PaymentStatus
	}{
		{"1000", "0", "1000", PaymentUnpaid},
		{"1000", "400", "600", PaymentPartial},
		{"1000", "1000", "0", PaymentPaid},
		{"1000", "1200", "0", PaymentPaid},
		{"0", "0", "0", PaymentPaid},
		{"850.50", "425.25", "425.25", PaymentPartial},
		{"1000", "-50", "1000", PaymentUnpaid},
	}
	for _, tt := range tests {
		t.Run(tt.total+"/"+tt.paid, func(t *testing.T) {
			rec := recordWith(tt.total, tt.paid)
			assert.True(t, dec(tt.due).Equal(DueAmount(rec)), "due = %s", DueAmount(rec))
			assert.True(t, dec(tt.due).Equal(rec.DueAmount))
			assert.Equal(t, tt.status, rec.PaymentStatus)
			assert.False(t, rec.PaidAmount.IsNegative())
			// paid + due covers the total whenever nothing was overpaid
			if rec.PaidAmount.LessThanOrEqual(rec.TotalAmount) {
				assert.True(t, rec.PaidAmount.Add(rec.DueAmount).Equal(rec.TotalAmount))
			}
		})
	}
}

func TestThresholds(t *testing.T) {
	rec := recordWith("1000", "400")

	assert.False(t, MeetsThreshold(rec, ProcessingThreshold, decimal.Zero))
	assert.True(t, MeetsThreshold(rec, ProcessingThreshold, dec("100")))
	assert.True(t, dec("100").Equal(Shortfall(rec, ProcessingThreshold)))
	assert.True(t, dec("600").Equal(Shortfall(rec, ReleaseThreshold)))

	paid := recordWith("1000", "1000")
	assert.True(t, MeetsThreshold(paid, ReleaseThreshold, decimal.Zero))
	assert.True(t, Shortfall(paid, ReleaseThreshold).IsZero())
	assert.True(t, IsFullyPaid(paid))
	assert.False(t, IsFullyPaid(rec))
}

func TestShortfall_RoundsUpToCents(t *testing.T) {
	rec := recordWith("333.33", "0")
	// half of 333.33 is 166.665
	assert.Equal(t, "166.67", Shortfall(rec, ProcessingThreshold).StringFixed(2))
}

func TestSumCompleted(t *testing.T) {
	_, ok := SumCompleted(nil)
	assert.False(t, ok, "no rows means fall back to the recorded amount")

	sum, ok := SumCompleted([]Payment{
		{Amount: dec("200"), Status: PaymentStateCompleted},
		{Amount: dec("150.50"), Status: PaymentStateCompleted},
		{Amount: dec("500"), Status: PaymentStatePending},
		{Amount: dec("75"), Status: PaymentStateFailed},
	})
	require.True(t, ok)
	assert.Equal(t, "350.50", sum.StringFixed(2))
}

func TestReconcile(t *testing.T) {
	rec := &TestRecord{RecordedPaid: dec("400")}
	_, drift := Reconcile(rec)
	assert.False(t, drift, "records without payment rows cannot drift")

	rec.Payments = []Payment{{Amount: dec("400"), Status: PaymentStateCompleted}}
	_, drift = Reconcile(rec)
	assert.False(t, drift)

	rec.RecordedPaid = dec("500")
	d, drift := Reconcile(rec)
	require.True(t, drift)
	assert.Equal(t, "100", d.Delta().String())
}

func TestPaymentRequest_Validate(t *testing.T) {
	tests := []struct {
		name  string
		req   PaymentRequest
		field string
	}{
		{"valid cash", PaymentRequest{Amount: dec("100"), Method: MethodCash}, ""},
		{"valid bkash", PaymentRequest{Amount: dec("99.99"), Method: MethodBkash, TransactionID: "TX1"}, ""},
		{"zero", PaymentRequest{Amount: decimal.Zero, Method: MethodCash}, "amount"},
		{"negative", PaymentRequest{Amount: dec("-5"), Method: MethodCash}, "amount"},
		{"sub-cent", PaymentRequest{Amount: dec("10.005"), Method: MethodCash}, "amount"},
		{"trailing zeros ok", PaymentRequest{Amount: dec("10.500"), Method: MethodCash}, ""},
		{"unknown method", PaymentRequest{Amount: dec("10"), Method: "cheque"}, "method"},
		{"card without transaction", PaymentRequest{Amount: dec("10"), Method: MethodCard}, "transaction_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCheckPayment(t *testing.T) {
	t.Run("accepts payment reaching the minimum", func(t *testing.T) {
		assert.NoError(t, CheckPayment(recordWith("1000", "400"), cashPayment("100")))
	})

	t.Run("first payment below half is rejected", func(t *testing.T) {
		err := CheckPayment(recordWith("1000", "0"), cashPayment("100"))
		var pe *PreconditionError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, GuardInsufficientPayment, pe.Guard)
		require.NotNil(t, pe.Required)
		assert.Equal(t, "500", pe.Required.String())
	})

	t.Run("overpayment", func(t *testing.T) {
		err := CheckPayment(recordWith("1000", "600"), cashPayment("500"))
		var pe *PreconditionError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, GuardOverpayment, pe.Guard)
		assert.Equal(t, "400", pe.Required.String())
	})

	t.Run("nothing due", func(t *testing.T) {
		err := CheckPayment(recordWith("1000", "1000"), cashPayment("1"))
		var pe *PreconditionError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, GuardNothingDue, pe.Guard)
	})

	t.Run("cancelled", func(t *testing.T) {
		rec := recordWith("1000", "0")
		rec.Status = StatusCancelled
		err := CheckPayment(rec, cashPayment("1000"))
		var pe *PreconditionError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, GuardTerminalState, pe.Guard)
	})

	t.Run("invalid request wins", func(t *testing.T) {
		assert.ErrorIs(t, CheckPayment(recordWith("1000", "0"), cashPayment("0")), ErrValidation)
	})
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "৳100.00", formatMoney(dec("100")))
	assert.Equal(t, "50%", formatPercent(ProcessingThreshold))
}
