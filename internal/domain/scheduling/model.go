package scheduling

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/pkg/timewindow"
)

// TimeWindow is one block of a weekly chamber schedule, cut into sessions of
// SessionMinutes. MaxConcurrentPatients seats are bookable per session.
type TimeWindow struct {
	Start                 timewindow.Clock `json:"start_time"`
	End                   timewindow.Clock `json:"end_time"`
	SessionMinutes        int              `json:"session_duration_minutes"`
	MaxConcurrentPatients int              `json:"max_concurrent_patients"`
}

func (w TimeWindow) Window() timewindow.Window {
	return timewindow.Window{Start: w.Start, End: w.End}
}

// SchedulePolicy maps to the schedule_policy table: the weekly template of a
// doctor in one chamber for one day of week.
type SchedulePolicy struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	DoctorID   uuid.UUID    `db:"doctor_id" json:"doctor_id"`
	ChamberID  uuid.UUID    `db:"chamber_id" json:"chamber_id"`
	DayOfWeek  int          `db:"day_of_week" json:"day_of_week"`
	Windows    []TimeWindow `db:"windows" json:"windows"`
	Fee        int64        `db:"fee" json:"fee"`
	ValidFrom  time.Time    `db:"valid_from" json:"valid_from"`
	ValidUntil *time.Time   `db:"valid_until" json:"valid_until,omitempty"`
	IsActive   bool         `db:"is_active" json:"is_active"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}

// AppliesOn reports whether the policy is active and its validity interval
// contains date. ValidUntil is inclusive.
func (p *SchedulePolicy) AppliesOn(date time.Time) bool {
	if !p.IsActive {
		return false
	}
	day := timewindow.Day(date)
	if timewindow.Weekday(day) != p.DayOfWeek {
		return false
	}
	if !p.ValidFrom.IsZero() && day.Before(timewindow.Day(p.ValidFrom)) {
		return false
	}
	if p.ValidUntil != nil && day.After(timewindow.Day(*p.ValidUntil)) {
		return false
	}
	return true
}

// SerialPolicy maps to the serial_policy table: the base daily queue of a
// doctor or diagnostic test at one facility.
type SerialPolicy struct {
	ID                 uuid.UUID            `db:"id" json:"id"`
	SubjectKind        facility.SubjectKind `db:"subject_kind" json:"subject_kind"`
	SubjectID          uuid.UUID            `db:"subject_id" json:"subject_id"`
	Facility           facility.Ref         `db:"-" json:"facility"`
	TotalSerialsPerDay int                  `db:"total_serials_per_day" json:"total_serials_per_day"`
	StartTime          *timewindow.Clock    `db:"start_minute" json:"start_time,omitempty"`
	EndTime            *timewindow.Clock    `db:"end_minute" json:"end_time,omitempty"`
	Price              int64                `db:"price" json:"price"`
	AvailableWeekdays  []int                `db:"available_weekdays" json:"available_weekdays"`
	IsActive           bool                 `db:"is_active" json:"is_active"`
	CreatedAt          time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time            `db:"updated_at" json:"updated_at"`
}

// DateOverride maps to the date_override table. A date without an override
// row is not bookable.
type DateOverride struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	PolicyID           uuid.UUID         `db:"policy_id" json:"policy_id"`
	Date               time.Time         `db:"override_date" json:"-"`
	TotalSerialsPerDay *int              `db:"total_serials_per_day" json:"total_serials_per_day,omitempty"`
	StartTime          *timewindow.Clock `db:"start_minute" json:"start_time,omitempty"`
	EndTime            *timewindow.Clock `db:"end_minute" json:"end_time,omitempty"`
	Price              *int64            `db:"price" json:"price,omitempty"`
	AdminNote          string            `db:"admin_note" json:"admin_note"`
	IsEnabled          bool              `db:"is_enabled" json:"is_enabled"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

func (o DateOverride) MarshalJSON() ([]byte, error) {
	type alias DateOverride
	return json.Marshal(struct {
		alias
		Date string `json:"date"`
	}{alias(o), timewindow.FormatDate(o.Date)})
}

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusAccepted  BookingStatus = "accepted"
	StatusConfirmed BookingStatus = "confirmed"
	StatusRejected  BookingStatus = "rejected"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
	StatusNoShow    BookingStatus = "no_show"
)

// OccupyingStatuses are the statuses that count against capacity. The
// booking_natural_key index uses the same set.
var OccupyingStatuses = []BookingStatus{StatusPending, StatusAccepted, StatusConfirmed, StatusCompleted}

func (s BookingStatus) Occupies() bool {
	for _, o := range OccupyingStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// Mode distinguishes chamber time-slot bookings from queue serial bookings.
type Mode string

const (
	ModeSlot   Mode = "slot"
	ModeSerial Mode = "serial"
)

// Booking maps to the booking table. It is created only by the Allocator;
// its slot identity never changes afterwards.
type Booking struct {
	ID                 uuid.UUID            `db:"id" json:"id"`
	Mode               Mode                 `db:"mode" json:"mode"`
	SubjectKind        facility.SubjectKind `db:"subject_kind" json:"subject_kind"`
	SubjectID          uuid.UUID            `db:"subject_id" json:"subject_id"`
	Facility           facility.Ref         `db:"-" json:"facility"`
	ChamberID          *uuid.UUID           `db:"chamber_id" json:"chamber_id,omitempty"`
	Date               time.Time            `db:"booking_date" json:"-"`
	StartTime          timewindow.Clock     `db:"start_minute" json:"start_time"`
	EndTime            timewindow.Clock     `db:"end_minute" json:"end_time"`
	SerialNumber       *int                 `db:"serial_number" json:"serial_number,omitempty"`
	SlotKey            string               `db:"slot_key" json:"slot_key"`
	Status             BookingStatus        `db:"status" json:"status"`
	Price              int64                `db:"price" json:"price"`
	PatientID          uuid.UUID            `db:"patient_id" json:"patient_id"`
	CancellationReason *string              `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time            `db:"updated_at" json:"updated_at"`
}

func (b Booking) MarshalJSON() ([]byte, error) {
	type alias Booking
	return json.Marshal(struct {
		alias
		Date string `json:"date"`
	}{alias(b), timewindow.FormatDate(b.Date)})
}

func (b *Booking) Window() timewindow.Window {
	return timewindow.Window{Start: b.StartTime, End: b.EndTime}
}

// Serial is one numbered unit of a day's queue.
type Serial struct {
	Number int              `json:"serial_number"`
	Start  timewindow.Clock `json:"start_time"`
	End    timewindow.Clock `json:"end_time"`
}

func (s Serial) Window() timewindow.Window {
	return timewindow.Window{Start: s.Start, End: s.End}
}

// AvailableSlot is a free chamber session.
type AvailableSlot struct {
	Start          timewindow.Clock `json:"start_time"`
	End            timewindow.Clock `json:"end_time"`
	Price          int64            `json:"price"`
	SeatsRemaining int              `json:"seats_remaining"`
}

// SlotAvailability is the chamber-mode resolver output.
type SlotAvailability struct {
	DoctorID  uuid.UUID       `json:"doctor_id"`
	ChamberID uuid.UUID       `json:"chamber_id"`
	Date      string          `json:"date"`
	Slots     []AvailableSlot `json:"slots"`
	Reason    string          `json:"reason,omitempty"`
}

// SerialAvailability is the serial-mode resolver output. Only even serials
// appear in Serials.
type SerialAvailability struct {
	SubjectKind facility.SubjectKind `json:"subject_kind"`
	SubjectID   uuid.UUID            `json:"subject_id"`
	Facility    facility.Ref         `json:"facility"`
	Date        string               `json:"date"`
	Capacity    int                  `json:"capacity,omitempty"`
	Window      *timewindow.Window   `json:"window,omitempty"`
	Price       int64                `json:"price,omitempty"`
	Serials     []Serial             `json:"serials"`
	Reason      string               `json:"reason,omitempty"`
}
