package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medibook/medibook/internal/domain/facility"
)

type ScheduleRepository interface {
	Create(ctx context.Context, p *SchedulePolicy) error
	GetByID(ctx context.Context, id uuid.UUID) (*SchedulePolicy, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ListForDay returns the active policies of the doctor's chamber for the
	// weekday of date whose validity interval contains date.
	ListForDay(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) ([]*SchedulePolicy, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, chamberID *uuid.UUID) ([]*SchedulePolicy, error)
}

type SerialPolicyRepository interface {
	// Upsert replaces the active policy of (subject, facility) in place.
	Upsert(ctx context.Context, p *SerialPolicy) error
	GetByID(ctx context.Context, id uuid.UUID) (*SerialPolicy, error)
	FindActive(ctx context.Context, kind facility.SubjectKind, subjectID uuid.UUID, ref facility.Ref) (*SerialPolicy, error)
}

type OverrideRepository interface {
	Upsert(ctx context.Context, o *DateOverride) error
	Get(ctx context.Context, policyID uuid.UUID, date time.Time) (*DateOverride, error)
	Delete(ctx context.Context, policyID uuid.UUID, date time.Time) error
	ListRange(ctx context.Context, policyID uuid.UUID, from, to time.Time) ([]*DateOverride, error)
}

// LedgerQuery selects the occupying bookings of one subject on one date.
// ChamberID narrows slot-mode queries to a single chamber.
type LedgerQuery struct {
	Mode        Mode
	SubjectKind facility.SubjectKind
	SubjectID   uuid.UUID
	Facility    facility.Ref
	ChamberID   *uuid.UUID
	Date        time.Time
}

type BookingRepository interface {
	// Create inserts b. It returns ErrAlreadyBooked when an occupying booking
	// already holds the same natural key.
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListOccupying(ctx context.Context, q LedgerQuery) ([]*Booking, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Booking, int, error)
	// UpdateStatus moves a booking from one status to another. It fails with
	// ErrInvalidTransition when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus, reason *string) error
}

// Stores groups the repositories the scheduling core reads and writes.
type Stores struct {
	Schedules      ScheduleRepository
	SerialPolicies SerialPolicyRepository
	Overrides      OverrideRepository
	Bookings       BookingRepository
}
