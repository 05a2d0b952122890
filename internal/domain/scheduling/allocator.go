package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/pkg/timewindow"
)

// Notifier is told about new bookings after they are committed. It must not
// block; delivery failures are its own business.
type Notifier interface {
	BookingCreated(ctx context.Context, b *Booking)
}

// AllocateRequest asks for one serial (SerialNumber set) or one chamber
// session (StartTime and EndTime set). Client-sent prices are never accepted.
type AllocateRequest struct {
	SubjectKind  facility.SubjectKind
	SubjectID    uuid.UUID
	Facility     *facility.Ref
	ChamberID    *uuid.UUID
	Date         time.Time
	SerialNumber *int
	StartTime    *timewindow.Clock
	EndTime      *timewindow.Clock
	PatientID    uuid.UUID
}

func (req AllocateRequest) mode() (Mode, error) {
	hasSerial := req.SerialNumber != nil
	hasWindow := req.StartTime != nil || req.EndTime != nil
	switch {
	case hasSerial && hasWindow:
		return "", invalid("", "give either serial_number or start_time/end_time, not both")
	case hasSerial:
		return ModeSerial, nil
	case hasWindow:
		return ModeSlot, nil
	default:
		return "", invalid("", "serial_number or start_time/end_time is required")
	}
}

func (req AllocateRequest) validate() (Mode, error) {
	if req.PatientID == uuid.Nil {
		return "", invalid("patient_id", "is required")
	}
	if req.SubjectID == uuid.Nil {
		return "", invalid("subject_id", "is required")
	}
	if req.Date.IsZero() {
		return "", invalid("date", "is required")
	}
	mode, err := req.mode()
	if err != nil {
		return "", err
	}
	switch mode {
	case ModeSerial:
		if !req.SubjectKind.Valid() {
			return "", invalid("subject_kind", "must be doctor or test")
		}
		n := *req.SerialNumber
		if n < 1 {
			return "", invalid("serial_number", "must be positive")
		}
		if n%2 != 0 {
			return "", invalid("serial_number", "odd serials are reserved for walk-in patients")
		}
		if req.Facility != nil {
			if err := req.Facility.Validate(); err != nil {
				return "", invalid("facility", "%s", err.Error())
			}
		}
	case ModeSlot:
		if req.SubjectKind != facility.SubjectDoctor {
			return "", invalid("subject_kind", "chamber sessions are booked with a doctor")
		}
		if req.ChamberID == nil || *req.ChamberID == uuid.Nil {
			return "", invalid("chamber_id", "is required for chamber sessions")
		}
		if req.StartTime == nil || req.EndTime == nil {
			return "", invalid("", "start_time and end_time are both required")
		}
		if _, err := timewindow.NewWindow(*req.StartTime, *req.EndTime); err != nil {
			return "", invalid("end_time", "%s", err.Error())
		}
	}
	return mode, nil
}

// Allocator is the only writer of bookings. A single insert guarded by the
// ledger's unique natural key decides concurrent races; the read before it
// only produces a friendlier early rejection.
type Allocator struct {
	resolver *Resolver
	bookings BookingRepository
	cache    AvailabilityCache
	notifier Notifier
	logger   zerolog.Logger

	allocated metric.Int64Counter
	conflicts metric.Int64Counter
}

func NewAllocator(resolver *Resolver, notifier Notifier, logger zerolog.Logger) *Allocator {
	meter := otel.Meter("github.com/medibook/medibook/internal/domain/scheduling")
	allocated, _ := meter.Int64Counter("medibook_bookings_allocated_total",
		metric.WithDescription("Bookings committed by the allocator"))
	conflicts, _ := meter.Int64Counter("medibook_booking_conflicts_total",
		metric.WithDescription("Allocation attempts rejected because the slot was taken"))
	return &Allocator{
		resolver:  resolver,
		bookings:  resolver.stores.Bookings,
		cache:     resolver.cache,
		notifier:  notifier,
		logger:    logger.With().Str("component", "allocator").Logger(),
		allocated: allocated,
		conflicts: conflicts,
	}
}

// Allocate validates req, re-derives the canonical time window and price
// server-side and commits a pending booking.
func (a *Allocator) Allocate(ctx context.Context, req AllocateRequest) (b *Booking, err error) {
	mode, err := req.validate()
	if err != nil {
		return nil, err
	}
	req.Date = timewindow.Day(req.Date)

	ctx, span := tracer.Start(ctx, "scheduling.Allocator.Allocate", trace.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("subject.kind", string(req.SubjectKind)),
		attribute.String("subject.id", req.SubjectID.String()),
		attribute.String("date", timewindow.FormatDate(req.Date)),
	))
	defer func() { endSpan(span, err) }()

	switch mode {
	case ModeSerial:
		b, err = a.prepareSerial(ctx, req)
	default:
		b, err = a.prepareSlot(ctx, req)
	}
	if err != nil {
		a.countConflict(ctx, mode, err)
		return nil, err
	}

	if err := a.bookings.Create(ctx, b); err != nil {
		a.countConflict(ctx, mode, err)
		if errors.Is(err, ErrAlreadyBooked) {
			a.logger.Info().Str("slot_key", b.SlotKey).Str("date", timewindow.FormatDate(b.Date)).
				Msg("lost allocation race")
			return nil, err
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	a.afterCommit(ctx, b)
	return b, nil
}

func (a *Allocator) prepareSerial(ctx context.Context, req AllocateRequest) (*Booking, error) {
	q := SerialQuery{SubjectKind: req.SubjectKind, SubjectID: req.SubjectID, Facility: req.Facility, Date: req.Date}
	cfg, err := a.resolver.serialConfig(ctx, q)
	if err != nil {
		return nil, err
	}

	n := *req.SerialNumber
	serial, ok := SerialAt(cfg.capacity, cfg.window, n)
	if !ok {
		return nil, invalid("serial_number", "must be between 1 and %d", cfg.capacity)
	}

	match := MatcherFor(req.SubjectKind)
	key := match.SerialKey(serial)
	booked, err := a.bookings.ListOccupying(ctx, cfg.ledgerQuery(req.Date))
	if err != nil {
		return nil, fmt.Errorf("list occupying bookings: %w", err)
	}
	if _, taken := OccupiedKeys(booked, match)[key]; taken {
		return nil, fmt.Errorf("serial %d on %s: %w", n, timewindow.FormatDate(req.Date), ErrAlreadyBooked)
	}

	return &Booking{
		Mode:         ModeSerial,
		SubjectKind:  req.SubjectKind,
		SubjectID:    req.SubjectID,
		Facility:     cfg.subject.Facility,
		Date:         req.Date,
		StartTime:    serial.Start,
		EndTime:      serial.End,
		SerialNumber: &n,
		SlotKey:      key,
		Status:       StatusPending,
		Price:        cfg.price,
		PatientID:    req.PatientID,
	}, nil
}

func (a *Allocator) prepareSlot(ctx context.Context, req AllocateRequest) (*Booking, error) {
	chamberID := *req.ChamberID
	want := timewindow.Window{Start: *req.StartTime, End: *req.EndTime}

	candidates, err := a.resolver.chamberSlots(ctx, req.SubjectID, chamberID, req.Date)
	if err != nil {
		return nil, err
	}
	var slot *chamberSlot
	for i := range candidates {
		if candidates[i].window == want {
			slot = &candidates[i]
			break
		}
	}
	if slot == nil {
		return nil, invalid("start_time", "%s is not a bookable session", want)
	}

	booked, err := a.bookings.ListOccupying(ctx, chamberLedgerQuery(req.SubjectID, chamberID, req.Date))
	if err != nil {
		return nil, fmt.Errorf("list occupying bookings: %w", err)
	}
	if overlapping(booked, slot.window) >= slot.seats {
		return nil, fmt.Errorf("session %s on %s: %w", want, timewindow.FormatDate(req.Date), ErrAlreadyBooked)
	}

	used := make(map[string]struct{}, len(booked))
	for _, b := range booked {
		used[b.SlotKey] = struct{}{}
	}
	key := ""
	for seat := 1; seat <= slot.seats; seat++ {
		k := chamberSlotKey(chamberID, want.Start, seat)
		if _, ok := used[k]; !ok {
			key = k
			break
		}
	}
	if key == "" {
		return nil, fmt.Errorf("session %s on %s: %w", want, timewindow.FormatDate(req.Date), ErrAlreadyBooked)
	}

	return &Booking{
		Mode:        ModeSlot,
		SubjectKind: facility.SubjectDoctor,
		SubjectID:   req.SubjectID,
		Facility:    facility.None(),
		ChamberID:   &chamberID,
		Date:        req.Date,
		StartTime:   want.Start,
		EndTime:     want.End,
		SlotKey:     key,
		Status:      StatusPending,
		Price:       slot.price,
		PatientID:   req.PatientID,
	}, nil
}

func chamberSlotKey(chamberID uuid.UUID, start timewindow.Clock, seat int) string {
	return fmt.Sprintf("chamber:%s:%s:%d", chamberID, start, seat)
}

func (a *Allocator) countConflict(ctx context.Context, mode Mode, err error) {
	if errors.Is(err, ErrAlreadyBooked) {
		a.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	}
}

// afterCommit runs the side effects of a committed booking. None of them can
// undo it.
func (a *Allocator) afterCommit(ctx context.Context, b *Booking) {
	a.allocated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(b.Mode)),
		attribute.String("subject.kind", string(b.SubjectKind)),
	))

	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, b.SubjectID); err != nil {
			a.logger.Warn().Err(err).Str("subject_id", b.SubjectID.String()).Msg("availability cache invalidation failed")
		}
	}

	a.logger.Info().
		Str("booking_id", b.ID.String()).
		Str("mode", string(b.Mode)).
		Str("subject_id", b.SubjectID.String()).
		Str("date", timewindow.FormatDate(b.Date)).
		Str("slot_key", b.SlotKey).
		Msg("booking allocated")

	if a.notifier != nil {
		a.notifier.BookingCreated(context.WithoutCancel(ctx), b)
	}
}
