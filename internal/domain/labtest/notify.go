package labtest

import (
	"context"
	"fmt"

	"github.com/clinic/labflow/internal/platform/db"
	"github.com/clinic/labflow/internal/platform/notification"
)

// PatientNotifier sends the lab-result-ready message by email, or by SMS
// when the patient has no email address on file.
type PatientNotifier struct {
	manager *notification.Manager
	// ClinicName is shown to the patient. When empty the clinic id from the
	// request context is used.
	ClinicName string
}

func NewPatientNotifier(mgr *notification.Manager, clinicName string) *PatientNotifier {
	return &PatientNotifier{manager: mgr, ClinicName: clinicName}
}

func (n *PatientNotifier) ResultsReady(ctx context.Context, rec *TestRecord) error {
	channel, recipient := notification.ChannelEmail, rec.PatientEmail
	if recipient == "" {
		channel, recipient = notification.ChannelSMS, strVal(rec.PatientPhone)
	}
	if recipient == "" {
		return fmt.Errorf("patient %d has no email or phone on file", rec.PatientID)
	}

	clinic := n.ClinicName
	if clinic == "" {
		clinic = db.ClinicFromContext(ctx)
	}
	_, err := n.manager.SendFromTemplate(ctx, notification.TemplateLabResultReady, channel, recipient, map[string]string{
		"patient_name": rec.PatientName,
		"test_name":    rec.TestName,
		"order_number": rec.OrderNumber,
		"clinic":       clinic,
	})
	if err != nil {
		return fmt.Errorf("notify %s: %w", rec.ID, err)
	}
	return nil
}
