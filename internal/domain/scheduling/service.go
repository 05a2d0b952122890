package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/pkg/timewindow"
)

// Service administers schedules, serial policies and overrides, and owns
// booking status changes after allocation.
type Service struct {
	stores Stores
	cache  AvailabilityCache
	clock  Clock
	logger zerolog.Logger
}

func NewService(stores Stores, cache AvailabilityCache, clock Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		stores: stores,
		cache:  cache,
		clock:  clock,
		logger: logger.With().Str("component", "scheduling_service").Logger(),
	}
}

func (s *Service) invalidate(ctx context.Context, subjectID uuid.UUID) {
	if s.cache == nil {
		return
	}
	// Stale entries expire on their own TTL.
	if err := s.cache.Invalidate(ctx, subjectID); err != nil {
		s.logger.Warn().Err(err).Str("subject_id", subjectID.String()).Msg("availability cache invalidation failed")
	}
}

// -- Schedule --

func (s *Service) CreateSchedule(ctx context.Context, p *SchedulePolicy) error {
	if p.DoctorID == uuid.Nil {
		return invalid("doctor_id", "is required")
	}
	if p.ChamberID == uuid.Nil {
		return invalid("chamber_id", "is required")
	}
	if p.DayOfWeek < 0 || p.DayOfWeek > 6 {
		return invalid("day_of_week", "must be between 0 (Sunday) and 6")
	}
	if len(p.Windows) == 0 {
		return invalid("windows", "at least one time window is required")
	}
	for i := range p.Windows {
		w := &p.Windows[i]
		if err := w.Window().Validate(); err != nil {
			return invalid(fmt.Sprintf("windows[%d]", i), "%s", err.Error())
		}
		if w.SessionMinutes <= 0 || w.SessionMinutes > w.Window().Minutes() {
			return invalid(fmt.Sprintf("windows[%d].session_duration_minutes", i), "must fit inside the window")
		}
		if w.MaxConcurrentPatients == 0 {
			w.MaxConcurrentPatients = 1
		}
		if w.MaxConcurrentPatients < 0 {
			return invalid(fmt.Sprintf("windows[%d].max_concurrent_patients", i), "must be positive")
		}
	}
	if p.Fee < 0 {
		return invalid("fee", "must not be negative")
	}
	if p.ValidFrom.IsZero() {
		p.ValidFrom = s.clock.Now()
	}
	p.ValidFrom = timewindow.Day(p.ValidFrom)
	if p.ValidUntil != nil {
		until := timewindow.Day(*p.ValidUntil)
		if until.Before(p.ValidFrom) {
			return invalid("valid_until", "must not be before valid_from")
		}
		p.ValidUntil = &until
	}
	p.IsActive = true
	if err := s.stores.Schedules.Create(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, p.DoctorID)
	return nil
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*SchedulePolicy, error) {
	return s.stores.Schedules.GetByID(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, doctorID uuid.UUID, chamberID *uuid.UUID) ([]*SchedulePolicy, error) {
	return s.stores.Schedules.ListByDoctor(ctx, doctorID, chamberID)
}

func (s *Service) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	p, err := s.stores.Schedules.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.stores.Schedules.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, p.DoctorID)
	return nil
}

// -- Serial policy --

func validClockPair(field string, start, end *timewindow.Clock) error {
	if (start == nil) != (end == nil) {
		return invalid(field, "start_time and end_time must be given together")
	}
	if start != nil {
		if _, err := timewindow.NewWindow(*start, *end); err != nil {
			return invalid(field, "%s", err.Error())
		}
	}
	return nil
}

// UpsertSerialPolicy creates or replaces the single active policy of a
// subject at a facility.
func (s *Service) UpsertSerialPolicy(ctx context.Context, p *SerialPolicy) error {
	if !p.SubjectKind.Valid() {
		return invalid("subject_kind", "must be doctor or test")
	}
	if p.SubjectID == uuid.Nil {
		return invalid("subject_id", "is required")
	}
	if err := p.Facility.Validate(); err != nil {
		return invalid("facility", "%s", err.Error())
	}
	p.Facility = p.Facility.Normalized()
	if p.TotalSerialsPerDay < 1 {
		return invalid("total_serials_per_day", "must be at least 1")
	}
	if err := validClockPair("time_window", p.StartTime, p.EndTime); err != nil {
		return err
	}
	if p.Price < 0 {
		return invalid("price", "must not be negative")
	}
	for _, d := range p.AvailableWeekdays {
		if d < 0 || d > 6 {
			return invalid("available_weekdays", "days must be between 0 and 6")
		}
	}
	if err := s.stores.SerialPolicies.Upsert(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, p.SubjectID)
	return nil
}

func (s *Service) GetSerialPolicy(ctx context.Context, id uuid.UUID) (*SerialPolicy, error) {
	return s.stores.SerialPolicies.GetByID(ctx, id)
}

func (s *Service) FindSerialPolicy(ctx context.Context, kind facility.SubjectKind, subjectID uuid.UUID, ref facility.Ref) (*SerialPolicy, error) {
	return s.stores.SerialPolicies.FindActive(ctx, kind, subjectID, ref)
}

// -- Date override --

// UpsertOverride opens, reshapes or closes one date of a serial policy.
func (s *Service) UpsertOverride(ctx context.Context, o *DateOverride) error {
	if o.Date.IsZero() {
		return invalid("date", "is required")
	}
	o.Date = timewindow.Day(o.Date)
	if o.TotalSerialsPerDay != nil && *o.TotalSerialsPerDay < 1 {
		return invalid("total_serials_per_day", "must be at least 1")
	}
	if err := validClockPair("time_window", o.StartTime, o.EndTime); err != nil {
		return err
	}
	if o.Price != nil && *o.Price < 0 {
		return invalid("price", "must not be negative")
	}
	policy, err := s.stores.SerialPolicies.GetByID(ctx, o.PolicyID)
	if err != nil {
		return err
	}
	if err := s.stores.Overrides.Upsert(ctx, o); err != nil {
		return err
	}
	s.invalidate(ctx, policy.SubjectID)
	return nil
}

func (s *Service) DeleteOverride(ctx context.Context, policyID uuid.UUID, date time.Time) error {
	policy, err := s.stores.SerialPolicies.GetByID(ctx, policyID)
	if err != nil {
		return err
	}
	if err := s.stores.Overrides.Delete(ctx, policyID, date); err != nil {
		return err
	}
	s.invalidate(ctx, policy.SubjectID)
	return nil
}

// ListOverrides returns the policy's overrides dated within [from, to]. A zero
// from means today; a zero to means 30 days after from.
func (s *Service) ListOverrides(ctx context.Context, policyID uuid.UUID, from, to time.Time) ([]*DateOverride, error) {
	if from.IsZero() {
		from = timewindow.Day(s.clock.Now())
	}
	if to.IsZero() {
		to = from.AddDate(0, 0, 30)
	}
	if to.Before(from) {
		return nil, invalid("to", "must not be before from")
	}
	if _, err := s.stores.SerialPolicies.GetByID(ctx, policyID); err != nil {
		return nil, err
	}
	return s.stores.Overrides.ListRange(ctx, policyID, from, to)
}

// -- Booking --

func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.stores.Bookings.GetByID(ctx, id)
}

func (s *Service) ListBookingsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Booking, int, error) {
	return s.stores.Bookings.ListByPatient(ctx, patientID, limit, offset)
}

// TransitionBooking applies a staff status change.
func (s *Service) TransitionBooking(ctx context.Context, id uuid.UUID, to BookingStatus, reason string) (*Booking, error) {
	if !ValidStatus(to) {
		return nil, invalid("status", "unknown status %q", to)
	}
	b, err := s.stores.Bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", b.Status, to, ErrInvalidTransition)
	}
	return s.apply(ctx, b, to, reason)
}

// CancelByPatient cancels a booking on behalf of the patient who holds it.
func (s *Service) CancelByPatient(ctx context.Context, id, patientID uuid.UUID, reason string) (*Booking, error) {
	b, err := s.stores.Bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.PatientID != patientID {
		return nil, fmt.Errorf("booking %s: %w", id, ErrForbidden)
	}
	if !PatientCancellable(b.Status) {
		return nil, fmt.Errorf("cannot cancel a %s booking: %w", b.Status, ErrInvalidTransition)
	}
	return s.apply(ctx, b, StatusCancelled, reason)
}

// ForceCancel cancels any non-terminal booking, for example when a facility
// withdraws a date.
func (s *Service) ForceCancel(ctx context.Context, id uuid.UUID, reason string) (*Booking, error) {
	b, err := s.stores.Bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Terminal() {
		return nil, fmt.Errorf("cannot cancel a %s booking: %w", b.Status, ErrInvalidTransition)
	}
	return s.apply(ctx, b, StatusCancelled, reason)
}

func (s *Service) apply(ctx context.Context, b *Booking, to BookingStatus, reason string) (*Booking, error) {
	var r *string
	if reason != "" {
		r = &reason
	}
	if err := s.stores.Bookings.UpdateStatus(ctx, b.ID, b.Status, to, r); err != nil {
		return nil, err
	}
	b.Status = to
	if r != nil {
		b.CancellationReason = r
	}
	b.UpdatedAt = s.clock.Now()
	if !to.Occupies() {
		s.invalidate(ctx, b.SubjectID)
	}
	return b, nil
}
