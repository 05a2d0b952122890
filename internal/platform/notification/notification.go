// Package notification delivers booking notifications to patients. Delivery
// runs in the background: a failed or slow send never reaches the caller that
// committed the booking.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// BookingEvent describes a committed booking.
type BookingEvent struct {
	BookingID    uuid.UUID
	PatientID    uuid.UUID
	SubjectKind  string
	SubjectID    uuid.UUID
	Date         string
	StartTime    string
	EndTime      string
	SerialNumber int // zero for chamber slot bookings
	Price        int64
	Status       string
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Recipient is who receives a patient notification.
type Recipient struct {
	Name  string
	Email string
}

// RecipientLookup resolves a patient to a deliverable address.
type RecipientLookup interface {
	Recipient(ctx context.Context, patientID uuid.UUID) (Recipient, error)
}

// ErrNoAddress is returned by senders when a recipient has no usable address.
var ErrNoAddress = errors.New("recipient has no email address")

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

const (
	TemplateSerialBooked = "serial-booked"
	TemplateSlotBooked   = "slot-booked"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the booking templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateSerialBooked,
		Subject: "Serial #{{serial}} booked for {{date}}",
		Body: "Dear {{patient_name}}, your serial #{{serial}} on {{date}} is reserved. " +
			"Please arrive by {{start_time}}. Booking reference: {{booking_id}}.",
	})
	e.RegisterTemplate(Template{
		ID:      TemplateSlotBooked,
		Subject: "Appointment booked for {{date}} at {{start_time}}",
		Body: "Dear {{patient_name}}, your appointment on {{date}} from {{start_time}} to {{end_time}} is reserved. " +
			"Booking reference: {{booking_id}}.",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render looks up a template by ID and fills in data. Keys absent from data
// are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher sends booking notifications asynchronously.
type Dispatcher struct {
	sender     EmailSender
	recipients RecipientLookup
	templates  *TemplateEngine
	logger     zerolog.Logger
	timeout    time.Duration

	wg sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. A nil sender disables delivery; events
// are then only logged.
func NewDispatcher(sender EmailSender, recipients RecipientLookup, templates *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Dispatcher{
		sender:     sender,
		recipients: recipients,
		templates:  templates,
		logger:     logger.With().Str("component", "notification").Logger(),
		timeout:    30 * time.Second,
	}
}

// BookingCreated queues a confirmation for the patient and returns immediately.
// The context's values are kept but its cancellation is not.
func (d *Dispatcher) BookingCreated(ctx context.Context, ev BookingEvent) {
	if d.sender == nil {
		d.logger.Debug().Str("booking_id", ev.BookingID.String()).Msg("notification delivery disabled")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.deliver(sendCtx, ev); err != nil {
			d.logger.Warn().Err(err).
				Str("booking_id", ev.BookingID.String()).
				Str("patient_id", ev.PatientID.String()).
				Msg("booking notification failed")
			return
		}
		d.logger.Info().Str("booking_id", ev.BookingID.String()).Msg("booking notification sent")
	}()
}

// Wait blocks until every queued notification has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev BookingEvent) error {
	to, err := d.recipients.Recipient(ctx, ev.PatientID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if to.Email == "" {
		return ErrNoAddress
	}

	tpl := TemplateSlotBooked
	data := map[string]string{
		"patient_name": to.Name,
		"booking_id":   ev.BookingID.String(),
		"date":         ev.Date,
		"start_time":   ev.StartTime,
		"end_time":     ev.EndTime,
	}
	if ev.SerialNumber > 0 {
		tpl = TemplateSerialBooked
		data["serial"] = strconv.Itoa(ev.SerialNumber)
	}

	subject, body, err := d.templates.Render(tpl, data)
	if err != nil {
		return err
	}
	return d.sender.SendEmail(ctx, to.Email, subject, body)
}
