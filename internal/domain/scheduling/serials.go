package scheduling

import (
	"strconv"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/pkg/timewindow"
)

// OccupancyMatcher decides which serial an existing booking occupies. The key
// it produces for a serial is also the booking's slot_key, so the unique
// index on the ledger enforces the same identity the resolver filters on.
type OccupancyMatcher interface {
	SerialKey(s Serial) string
	BookingKey(b *Booking) string
}

// MatchByStartTime treats a serial as taken when a booking starts at the same
// time. Doctor queues use it.
type MatchByStartTime struct{}

func (MatchByStartTime) SerialKey(s Serial) string     { return "time:" + s.Start.String() }
func (MatchByStartTime) BookingKey(b *Booking) string { return "time:" + b.StartTime.String() }

// MatchBySerialNumber treats a serial as taken when a booking holds the same
// number. Diagnostic test queues use it.
type MatchBySerialNumber struct{}

func (MatchBySerialNumber) SerialKey(s Serial) string { return "serial:" + strconv.Itoa(s.Number) }

func (MatchBySerialNumber) BookingKey(b *Booking) string {
	if b.SerialNumber == nil {
		return ""
	}
	return "serial:" + strconv.Itoa(*b.SerialNumber)
}

// MatcherFor returns the occupancy strategy of a subject kind.
func MatcherFor(kind facility.SubjectKind) OccupancyMatcher {
	if kind == facility.SubjectTest {
		return MatchBySerialNumber{}
	}
	return MatchByStartTime{}
}

// NumberSerials partitions window into capacity serials numbered from 1.
func NumberSerials(capacity int, window timewindow.Window) []Serial {
	parts := timewindow.SplitByCount(window, capacity)
	out := make([]Serial, len(parts))
	for i, p := range parts {
		out[i] = Serial{Number: i + 1, Start: p.Start, End: p.End}
	}
	return out
}

// SerialAt returns serial n of the partition, if it exists.
func SerialAt(capacity int, window timewindow.Window, n int) (Serial, bool) {
	serials := NumberSerials(capacity, window)
	if n < 1 || n > len(serials) {
		return Serial{}, false
	}
	return serials[n-1], true
}

// OccupiedKeys indexes bookings by the key match assigns them.
func OccupiedKeys(bookings []*Booking, match OccupancyMatcher) map[string]struct{} {
	out := make(map[string]struct{}, len(bookings))
	for _, b := range bookings {
		if !b.Status.Occupies() {
			continue
		}
		if k := match.BookingKey(b); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

// AvailableSerials returns the even-numbered serials of the day that are not
// occupied, in window order. Odd serials are kept for walk-in allocation at
// the desk and are never offered.
func AvailableSerials(capacity int, window timewindow.Window, occupied map[string]struct{}, match OccupancyMatcher) []Serial {
	out := []Serial{}
	for _, s := range NumberSerials(capacity, window) {
		if s.Number%2 != 0 {
			continue
		}
		if _, taken := occupied[match.SerialKey(s)]; taken {
			continue
		}
		out = append(out, s)
	}
	return out
}
