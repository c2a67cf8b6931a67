package labtest

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// -- Fulfillment Workflow State Machine --

// statusTransitions lists the targets advanceStatus may request from each
// status. The confirmed -> reported edge is reachable only through Revert.
var statusTransitions = map[Status][]Status{
	StatusOrdered:          {StatusApproved, StatusCancelled},
	StatusApproved:         {StatusSampleProcessing, StatusCancelled},
	StatusSampleProcessing: {StatusSampleTaken, StatusCancelled},
	StatusSampleTaken:      {StatusReported, StatusCancelled},
	StatusReported:         {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {},
	StatusCancelled:        {},
}

var validStatuses = map[Status]bool{
	StatusOrdered: true, StatusApproved: true, StatusSampleProcessing: true,
	StatusSampleTaken: true, StatusReported: true, StatusConfirmed: true,
	StatusCancelled: true,
}

// ValidStatus reports whether s is a workflow status.
func ValidStatus(s Status) bool {
	return validStatuses[s]
}

// LegalTargets returns the statuses advanceStatus accepts from s.
func LegalTargets(s Status) []Status {
	return statusTransitions[s]
}

// IsTerminal reports whether no forward transition leaves s.
func IsTerminal(s Status) bool {
	return s == StatusCancelled || s == StatusConfirmed
}

func joinStatuses(ss []Status) string {
	if len(ss) == 0 {
		return "none"
	}
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// CheckTransition evaluates whether rec may move to target right now. It
// checks adjacency first and then the guard attached to the edge.
func CheckTransition(rec *TestRecord, target Status) error {
	if !ValidStatus(target) {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(target)}
	}
	from := rec.Status
	if from == StatusCancelled {
		return preconditionf(GuardTerminalState, from, "test is cancelled; no further transitions are permitted")
	}
	if from == StatusConfirmed && target == StatusReported {
		return preconditionf(GuardInvalidTransition, from, "confirmed tests return to reported only through revert")
	}
	if from == target {
		return preconditionf(GuardInvalidTransition, from, "test is already %s", from)
	}
	allowed, ok := statusTransitions[from]
	if !ok {
		return preconditionf(GuardInvalidTransition, from, "unknown current status %s", from)
	}
	legal := false
	for _, s := range allowed {
		if s == target {
			legal = true
			break
		}
	}
	if !legal {
		if from == StatusConfirmed {
			return preconditionf(GuardTerminalState, from, "test is confirmed; revert it before making changes")
		}
		return preconditionf(GuardInvalidTransition, from,
			"cannot move from %s to %s; next allowed: %s", from, target, joinStatuses(allowed))
	}

	switch target {
	case StatusSampleProcessing:
		return requirePayment(rec, ProcessingThreshold, "to begin processing")
	case StatusReported:
		if len(rec.TestReports) == 0 {
			return preconditionf(GuardMissingReports, from, "attach at least one report file before marking the test reported")
		}
	case StatusConfirmed:
		return requirePayment(rec, ReleaseThreshold, "to release results")
	}
	return nil
}

func requirePayment(rec *TestRecord, f decimal.Decimal, purpose string) error {
	if MeetsThreshold(rec, f, decimal.Zero) {
		return nil
	}
	short := Shortfall(rec, f)
	var e *PreconditionError
	if f.Equal(ReleaseThreshold) {
		e = preconditionf(GuardInsufficientPayment, rec.Status,
			"additional %s required for full payment %s", formatMoney(short), purpose)
	} else {
		e = preconditionf(GuardInsufficientPayment, rec.Status,
			"additional %s required to reach %s minimum %s", formatMoney(short), formatPercent(f), purpose)
	}
	e.Required = &short
	return e
}

// CheckConfirm evaluates reported -> confirmed. noop is true when rec is
// already confirmed; confirming again succeeds without side effects.
func CheckConfirm(rec *TestRecord) (noop bool, err error) {
	switch rec.Status {
	case StatusConfirmed:
		return true, nil
	case StatusReported:
		return false, CheckTransition(rec, StatusConfirmed)
	case StatusCancelled:
		return false, preconditionf(GuardTerminalState, rec.Status, "test is cancelled")
	default:
		return false, preconditionf(GuardInvalidTransition, rec.Status,
			"only reported tests can be confirmed; test is %s", rec.Status)
	}
}

// CheckRevert evaluates confirmed -> reported.
func CheckRevert(rec *TestRecord) error {
	if rec.Status != StatusConfirmed {
		return preconditionf(GuardInvalidTransition, rec.Status,
			"only confirmed tests can be reverted; test is %s", rec.Status)
	}
	return nil
}

// CheckAttachReports evaluates attaching report files. Attaching is legal
// only while the sample is taken; upload is not payment gated.
func CheckAttachReports(rec *TestRecord, files []ReportFile) error {
	if len(files) == 0 {
		return &ValidationError{Field: "files", Reason: "at least one report file is required"}
	}
	for i, f := range files {
		if f.Path == "" && f.Filename == "" {
			return &ValidationError{Field: "files", Reason: "file " + strconv.Itoa(i) + " has neither filename nor path"}
		}
	}
	if rec.Status != StatusSampleTaken {
		return preconditionf(GuardWrongStatus, rec.Status,
			"reports can be attached only while the sample is taken; test is %s", rec.Status)
	}
	return nil
}

// CheckRemoveReport evaluates removing the report at index. The last report
// of a reported test cannot be removed.
func CheckRemoveReport(rec *TestRecord, index int) error {
	if rec.Status != StatusReported {
		return preconditionf(GuardWrongStatus, rec.Status,
			"reports can be removed only while the test is reported; test is %s", rec.Status)
	}
	if index < 0 || index >= len(rec.TestReports) {
		return &ValidationError{Field: "index", Reason: "no report at index " + strconv.Itoa(index)}
	}
	if len(rec.TestReports) == 1 {
		return preconditionf(GuardMissingReports, rec.Status, "a reported test must keep at least one report file")
	}
	return nil
}

// ResultsReleased reports whether the patient may download rec's reports.
func ResultsReleased(rec *TestRecord) bool {
	return rec.Status == StatusConfirmed && IsFullyPaid(rec)
}
