package labtest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	orderIDPrefix        = "order-"
	prescriptionIDPrefix = "prescription-"
)

// RecordID identifies a lab test in its upstream store. Ordered tests carry a
// numeric order id; prescribed tests carry the (prescription, test name) pair.
// The delimited string form exists only at the transport boundary.
type RecordID struct {
	Provenance     Provenance
	OrderID        int64
	PrescriptionID int64
	TestName       string
}

// OrderRecordID returns the identifier of a self-ordered lab test.
func OrderRecordID(orderID int64) RecordID {
	return RecordID{Provenance: ProvenanceOrdered, OrderID: orderID}
}

// PrescribedRecordID returns the identifier of a prescribed lab test.
func PrescribedRecordID(prescriptionID int64, testName string) RecordID {
	return RecordID{Provenance: ProvenancePrescribed, PrescriptionID: prescriptionID, TestName: testName}
}

func (id RecordID) IsZero() bool {
	return id.Provenance == ""
}

// String serializes the identifier as order-<id> or
// prescription-<prescriptionId>-<testName>, percent-encoding the test name.
func (id RecordID) String() string {
	switch id.Provenance {
	case ProvenanceOrdered:
		return orderIDPrefix + strconv.FormatInt(id.OrderID, 10)
	case ProvenancePrescribed:
		return prescriptionIDPrefix + strconv.FormatInt(id.PrescriptionID, 10) + "-" + url.PathEscape(id.TestName)
	default:
		return ""
	}
}

// ParseRecordID is the inverse of String. The prescription id is all digits,
// so the first '-' after it always ends it even when the test name contains
// dashes. Ids written before percent-encoding are accepted verbatim.
func ParseRecordID(s string) (RecordID, error) {
	switch {
	case strings.HasPrefix(s, orderIDPrefix):
		n, err := strconv.ParseInt(strings.TrimPrefix(s, orderIDPrefix), 10, 64)
		if err != nil || n <= 0 {
			return RecordID{}, fmt.Errorf("malformed order id %q", s)
		}
		return OrderRecordID(n), nil

	case strings.HasPrefix(s, prescriptionIDPrefix):
		rest := strings.TrimPrefix(s, prescriptionIDPrefix)
		sep := strings.IndexByte(rest, '-')
		if sep <= 0 {
			return RecordID{}, fmt.Errorf("malformed prescription test id %q", s)
		}
		pid, err := strconv.ParseInt(rest[:sep], 10, 64)
		if err != nil || pid <= 0 {
			return RecordID{}, fmt.Errorf("malformed prescription id in %q", s)
		}
		raw := rest[sep+1:]
		if raw == "" {
			return RecordID{}, fmt.Errorf("missing test name in %q", s)
		}
		name, err := url.PathUnescape(raw)
		if err != nil {
			name = raw
		}
		return PrescribedRecordID(pid, name), nil
	}
	return RecordID{}, fmt.Errorf("unrecognized lab test id %q", s)
}

func (id RecordID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *RecordID) UnmarshalText(b []byte) error {
	parsed, err := ParseRecordID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
