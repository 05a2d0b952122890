package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/pkg/timewindow"
)

var tracer = otel.Tracer("github.com/medibook/medibook/internal/domain/scheduling")

// Clock supplies "now". Tests inject a fixed clock to pin "today".
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AvailabilityCache memoizes resolver output per subject. Fetch fills dst
// from the cache or from compute; Invalidate drops everything cached for a
// subject.
type AvailabilityCache interface {
	Fetch(ctx context.Context, subjectID uuid.UUID, key string, dst interface{}, compute func(context.Context) (interface{}, error)) error
	Invalidate(ctx context.Context, subjectID uuid.UUID) error
}

// Resolver computes free chamber slots and serials. It only reads and holds
// no locks; the Allocator is the enforcement point.
type Resolver struct {
	stores    Stores
	directory facility.Directory
	clock     Clock
	cache     AvailabilityCache
}

// NewResolver wires a resolver. cache may be nil.
func NewResolver(stores Stores, directory facility.Directory, clock Clock, cache AvailabilityCache) *Resolver {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Resolver{stores: stores, directory: directory, clock: clock, cache: cache}
}

// SerialQuery asks for the serial queue of a subject on a date. A nil
// Facility means "whatever the subject is associated with".
type SerialQuery struct {
	SubjectKind facility.SubjectKind
	SubjectID   uuid.UUID
	Facility    *facility.Ref
	Date        time.Time
}

func (q SerialQuery) validate() error {
	if !q.SubjectKind.Valid() {
		return invalid("subject_kind", "must be doctor or test")
	}
	if q.SubjectID == uuid.Nil {
		return invalid("subject_id", "is required")
	}
	if q.Date.IsZero() {
		return invalid("date", "is required")
	}
	if q.Facility != nil {
		if err := q.Facility.Validate(); err != nil {
			return invalid("facility", "%s", err.Error())
		}
	}
	return nil
}

func (q SerialQuery) cacheKey() string {
	ref := "auto"
	if q.Facility != nil {
		ref = q.Facility.String()
	}
	return fmt.Sprintf("serials:%s:%s:%s", q.SubjectKind, ref, timewindow.FormatDate(q.Date))
}

func fetch[T any](ctx context.Context, cache AvailabilityCache, subjectID uuid.UUID, key string, compute func(context.Context) (*T, error)) (*T, error) {
	if cache == nil {
		return compute(ctx)
	}
	var out T
	err := cache.Fetch(ctx, subjectID, key, &out, func(ctx context.Context) (interface{}, error) {
		return compute(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Serials lists the free even serials of a doctor or test queue. Closed or
// unconfigured dates produce an empty list with a Reason, not an error.
func (r *Resolver) Serials(ctx context.Context, q SerialQuery) (result *SerialAvailability, err error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	q.Date = timewindow.Day(q.Date)

	ctx, span := tracer.Start(ctx, "scheduling.Resolver.Serials", trace.WithAttributes(
		attribute.String("subject.kind", string(q.SubjectKind)),
		attribute.String("subject.id", q.SubjectID.String()),
		attribute.String("date", timewindow.FormatDate(q.Date)),
	))
	defer func() { endSpan(span, err) }()

	return fetch(ctx, r.cache, q.SubjectID, q.cacheKey(), func(ctx context.Context) (*SerialAvailability, error) {
		return r.computeSerials(ctx, q)
	})
}

func (r *Resolver) computeSerials(ctx context.Context, q SerialQuery) (*SerialAvailability, error) {
	out := &SerialAvailability{
		SubjectKind: q.SubjectKind,
		SubjectID:   q.SubjectID,
		Date:        timewindow.FormatDate(q.Date),
		Serials:     []Serial{},
	}
	if q.Facility != nil {
		out.Facility = q.Facility.Normalized()
	}

	cfg, err := r.serialConfig(ctx, q)
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		out.Reason = unavailable.Reason
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	match := MatcherFor(q.SubjectKind)
	booked, err := r.stores.Bookings.ListOccupying(ctx, cfg.ledgerQuery(q.Date))
	if err != nil {
		return nil, fmt.Errorf("list occupying bookings: %w", err)
	}

	window := cfg.window
	out.Facility = cfg.subject.Facility
	out.Capacity = cfg.capacity
	out.Window = &window
	out.Price = cfg.price
	out.Serials = AvailableSerials(cfg.capacity, cfg.window, OccupiedKeys(booked, match), match)
	return out, nil
}

// serialConfig is the effective configuration of one subject's queue on one
// date after the override has been layered on the policy.
type serialConfig struct {
	subject  *facility.Subject
	policy   *SerialPolicy
	override *DateOverride
	capacity int
	window   timewindow.Window
	price    int64
}

func (c *serialConfig) ledgerQuery(date time.Time) LedgerQuery {
	return LedgerQuery{
		Mode:        ModeSerial,
		SubjectKind: c.subject.Kind,
		SubjectID:   c.subject.ID,
		Facility:    c.subject.Facility,
		Date:        date,
	}
}

func (r *Resolver) lookupSubject(ctx context.Context, kind facility.SubjectKind, id uuid.UUID) (*facility.Subject, error) {
	subject, err := r.directory.Subject(ctx, kind, id)
	if err != nil {
		if errors.Is(err, facility.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return nil, fmt.Errorf("lookup %s: %w", kind, err)
	}
	return subject, nil
}

// checkOpen rejects unapproved facilities and dates before today.
func (r *Resolver) checkOpen(subject *facility.Subject, date time.Time) error {
	if !subject.Facility.IsNone() && !subject.FacilityApproved {
		return &UnavailableError{Reason: ReasonFacilityNotApproved}
	}
	if date.Before(timewindow.Day(r.clock.Now())) {
		return &UnavailableError{Reason: ReasonDatePassed}
	}
	return nil
}

// serialConfig resolves the subject's facility, its active policy and the
// override of the date. Dates without an override are not bookable.
func (r *Resolver) serialConfig(ctx context.Context, q SerialQuery) (*serialConfig, error) {
	subject, err := r.lookupSubject(ctx, q.SubjectKind, q.SubjectID)
	if err != nil {
		return nil, err
	}
	if q.Facility != nil && !q.Facility.Equal(subject.Facility) {
		return nil, fmt.Errorf("%s %s is not associated with %s: %w", q.SubjectKind, q.SubjectID, q.Facility, ErrNotFound)
	}
	if err := r.checkOpen(subject, q.Date); err != nil {
		return nil, err
	}

	policy, err := r.stores.SerialPolicies.FindActive(ctx, subject.Kind, subject.ID, subject.Facility)
	if err != nil {
		return nil, fmt.Errorf("find serial policy: %w", err)
	}

	override, err := r.stores.Overrides.Get(ctx, policy.ID, q.Date)
	if errors.Is(err, ErrNotFound) {
		return nil, &UnavailableError{Reason: ReasonNotAvailable}
	}
	if err != nil {
		return nil, fmt.Errorf("get date override: %w", err)
	}
	if !override.IsEnabled {
		reason := override.AdminNote
		if reason == "" {
			reason = ReasonDateClosed
		}
		return nil, &UnavailableError{Reason: reason}
	}

	cfg := &serialConfig{
		subject:  subject,
		policy:   policy,
		override: override,
		capacity: policy.TotalSerialsPerDay,
		price:    policy.Price,
	}
	start, end := policy.StartTime, policy.EndTime
	if override.TotalSerialsPerDay != nil {
		cfg.capacity = *override.TotalSerialsPerDay
	}
	if override.StartTime != nil {
		start = override.StartTime
	}
	if override.EndTime != nil {
		end = override.EndTime
	}
	if override.Price != nil {
		cfg.price = *override.Price
	}

	if cfg.capacity <= 0 {
		return nil, &ConfigError{PolicyID: policy.ID.String(), Message: "total serials per day must be positive"}
	}
	if start == nil || end == nil {
		return nil, &ConfigError{PolicyID: policy.ID.String(), Message: "time window needs both start and end"}
	}
	cfg.window, err = timewindow.NewWindow(*start, *end)
	if err != nil {
		return nil, &ConfigError{PolicyID: policy.ID.String(), Message: err.Error()}
	}
	if cfg.window.Minutes() < cfg.capacity {
		return nil, &ConfigError{PolicyID: policy.ID.String(), Message: "time window is shorter than one minute per serial"}
	}
	return cfg, nil
}

// Slots lists the free chamber sessions of a doctor on a date in start order.
func (r *Resolver) Slots(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) (result *SlotAvailability, err error) {
	if doctorID == uuid.Nil {
		return nil, invalid("doctor_id", "is required")
	}
	if chamberID == uuid.Nil {
		return nil, invalid("chamber_id", "is required")
	}
	if date.IsZero() {
		return nil, invalid("date", "is required")
	}
	date = timewindow.Day(date)

	ctx, span := tracer.Start(ctx, "scheduling.Resolver.Slots", trace.WithAttributes(
		attribute.String("doctor.id", doctorID.String()),
		attribute.String("chamber.id", chamberID.String()),
		attribute.String("date", timewindow.FormatDate(date)),
	))
	defer func() { endSpan(span, err) }()

	key := fmt.Sprintf("slots:%s:%s", chamberID, timewindow.FormatDate(date))
	return fetch(ctx, r.cache, doctorID, key, func(ctx context.Context) (*SlotAvailability, error) {
		return r.computeSlots(ctx, doctorID, chamberID, date)
	})
}

func (r *Resolver) computeSlots(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) (*SlotAvailability, error) {
	out := &SlotAvailability{
		DoctorID:  doctorID,
		ChamberID: chamberID,
		Date:      timewindow.FormatDate(date),
		Slots:     []AvailableSlot{},
	}

	candidates, err := r.chamberSlots(ctx, doctorID, chamberID, date)
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		out.Reason = unavailable.Reason
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	booked, err := r.stores.Bookings.ListOccupying(ctx, chamberLedgerQuery(doctorID, chamberID, date))
	if err != nil {
		return nil, fmt.Errorf("list occupying bookings: %w", err)
	}
	for _, c := range candidates {
		if taken := overlapping(booked, c.window); taken < c.seats {
			out.Slots = append(out.Slots, AvailableSlot{
				Start:          c.window.Start,
				End:            c.window.End,
				Price:          c.price,
				SeatsRemaining: c.seats - taken,
			})
		}
	}
	return out, nil
}

// chamberSlot is one session expanded from a schedule window.
type chamberSlot struct {
	window timewindow.Window
	seats  int
	price  int64
}

func chamberLedgerQuery(doctorID, chamberID uuid.UUID, date time.Time) LedgerQuery {
	return LedgerQuery{
		Mode:        ModeSlot,
		SubjectKind: facility.SubjectDoctor,
		SubjectID:   doctorID,
		Facility:    facility.None(),
		ChamberID:   &chamberID,
		Date:        date,
	}
}

// chamberSlots expands every schedule window of the day into fixed-length
// sessions. No applicable schedule is reported as Unavailable.
func (r *Resolver) chamberSlots(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) ([]chamberSlot, error) {
	doctor, err := r.lookupSubject(ctx, facility.SubjectDoctor, doctorID)
	if err != nil {
		return nil, err
	}
	if err := r.checkOpen(doctor, date); err != nil {
		return nil, err
	}

	policies, err := r.stores.Schedules.ListForDay(ctx, doctorID, chamberID, date)
	if err != nil {
		return nil, fmt.Errorf("list schedule policies: %w", err)
	}

	var out []chamberSlot
	for _, p := range policies {
		if !p.AppliesOn(date) {
			continue
		}
		for _, w := range p.Windows {
			seats := w.MaxConcurrentPatients
			if seats < 1 {
				seats = 1
			}
			for _, sub := range timewindow.SplitByDuration(w.Window(), w.SessionMinutes) {
				out = append(out, chamberSlot{window: sub, seats: seats, price: p.Fee})
			}
		}
	}
	if len(out) == 0 {
		return nil, &UnavailableError{Reason: ReasonNoSchedule}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].window.Start < out[j].window.Start })
	return out, nil
}

func overlapping(bookings []*Booking, w timewindow.Window) int {
	n := 0
	for _, b := range bookings {
		if b.Status.Occupies() && timewindow.Overlaps(b.Window(), w) {
			n++
		}
	}
	return n
}
