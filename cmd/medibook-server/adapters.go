package main

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/internal/domain/scheduling"
	"github.com/medibook/medibook/internal/platform/db"
	"github.com/medibook/medibook/internal/platform/notification"
	"github.com/medibook/medibook/pkg/timewindow"
)

// bookingNotifier hands committed bookings to the notification dispatcher.
// The request's pooled connection is released once the handler returns, so
// only the tenant and the trace are carried into the background context.
type bookingNotifier struct {
	dispatcher *notification.Dispatcher
}

func (n bookingNotifier) BookingCreated(ctx context.Context, b *scheduling.Booking) {
	bg := db.WithTenant(context.Background(), db.TenantFromContext(ctx))
	bg = trace.ContextWithSpanContext(bg, trace.SpanContextFromContext(ctx))
	n.dispatcher.BookingCreated(bg, bookingEvent(b))
}

func bookingEvent(b *scheduling.Booking) notification.BookingEvent {
	ev := notification.BookingEvent{
		BookingID:   b.ID,
		PatientID:   b.PatientID,
		SubjectKind: string(b.SubjectKind),
		SubjectID:   b.SubjectID,
		Date:        timewindow.FormatDate(b.Date),
		StartTime:   b.StartTime.String(),
		EndTime:     b.EndTime.String(),
		Price:       b.Price,
		Status:      string(b.Status),
	}
	if b.SerialNumber != nil {
		ev.SerialNumber = *b.SerialNumber
	}
	return ev
}

type tenantScope func(ctx context.Context, tenantID string, fn func(context.Context) error) error

// patientRecipients resolves notification addresses from the patient
// directory inside the booking's tenant schema.
type patientRecipients struct {
	directory     facility.Directory
	scope         tenantScope
	defaultTenant string
}

func (r patientRecipients) Recipient(ctx context.Context, patientID uuid.UUID) (notification.Recipient, error) {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = r.defaultTenant
	}

	var out notification.Recipient
	err := r.scope(ctx, tenant, func(ctx context.Context) error {
		c, err := r.directory.PatientContact(ctx, patientID)
		if err != nil {
			return err
		}
		out = notification.Recipient{Name: c.Name, Email: c.Email}
		return nil
	})
	return out, err
}
