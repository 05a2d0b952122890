// Package timewindow holds the time-of-day arithmetic shared by chamber slot
// expansion and serial queue partitioning. Times of day are minutes since
// midnight; calendar dates are UTC midnights.
package timewindow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DateLayout is the only accepted wire format for calendar dates.
const DateLayout = "2006-01-02"

// MinutesPerDay bounds a Clock.
const MinutesPerDay = 24 * 60

// Clock is a time of day expressed as minutes since midnight.
type Clock int

// ParseClock parses a HH:MM time string. "24:00" is accepted as the end of
// the day so every valid Clock survives a String/ParseClock round trip.
func ParseClock(s string) (Clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time format %q: expected HH:MM", s)
	}

	hour, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}

	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range in %q", s)
	}
	// 24:00 is the end-of-day bound; nothing later.
	if hour == 24 && minute == 0 {
		return MinutesPerDay, nil
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range in %q", s)
	}

	return Clock(hour*60 + minute), nil
}

// MustClock is ParseClock for constants and tests.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String formats the clock as HH:MM. 24:00 is allowed as an end-of-day bound.
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Valid reports whether c lies within a day, inclusive of 24:00.
func (c Clock) Valid() bool {
	return c >= 0 && c <= MinutesPerDay
}

// On returns the instant of this clock on the given date, in UTC.
func (c Clock) On(date time.Time) time.Time {
	return Day(date).Add(time.Duration(c) * time.Minute)
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day must be a HH:MM string: %w", err)
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Window is a half-open [Start, End) interval within a day.
type Window struct {
	Start Clock `json:"start_time"`
	End   Clock `json:"end_time"`
}

// NewWindow validates that end is strictly after start.
func NewWindow(start, end Clock) (Window, error) {
	w := Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// ParseWindow parses two HH:MM strings into a validated window.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return NewWindow(s, e)
}

// Validate checks bounds and ordering.
func (w Window) Validate() error {
	if !w.Start.Valid() || !w.End.Valid() {
		return fmt.Errorf("time window %s-%s out of day range", w.Start, w.End)
	}
	if w.End <= w.Start {
		return fmt.Errorf("time window end %s must be after start %s", w.End, w.Start)
	}
	return nil
}

// Minutes returns the window length.
func (w Window) Minutes() int {
	return int(w.End - w.Start)
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Contains reports whether other lies entirely within w.
func (w Window) Contains(other Window) bool {
	return other.Start >= w.Start && other.End <= w.End
}

// Overlaps checks if two windows overlap.
// Adjacent windows (a.End == b.Start) are not considered overlapping.
func Overlaps(a, b Window) bool {
	return a.Start < b.End && b.Start < a.End
}

// SplitByDuration cuts w into consecutive sub-windows of the given length.
// A trailing piece shorter than minutes is dropped.
func SplitByDuration(w Window, minutes int) []Window {
	if minutes <= 0 || w.End <= w.Start {
		return nil
	}
	var out []Window
	for start := w.Start; start+Clock(minutes) <= w.End; start += Clock(minutes) {
		out = append(out, Window{Start: start, End: start + Clock(minutes)})
	}
	return out
}

// SplitByCount partitions w into n consecutive sub-windows using an
// integer-division step. Every sub-window starts at Start+i*step; the last one
// is stretched to w.End, so it is longer than the others by the truncation
// remainder (less than n minutes). Returns nil when the step would be zero.
func SplitByCount(w Window, n int) []Window {
	if n <= 0 || w.End <= w.Start {
		return nil
	}
	step := w.Minutes() / n
	if step == 0 {
		return nil
	}
	out := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		start := w.Start + Clock(i*step)
		out = append(out, Window{Start: start, End: start + Clock(step)})
	}
	out[n-1].End = w.End
	return out
}

// ParseDate parses a YYYY-MM-DD calendar date in UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return Day(t).Format(DateLayout)
}

// Weekday returns the day of week of a UTC date as 0=Sunday..6=Saturday.
func Weekday(date time.Time) int {
	return int(Day(date).Weekday())
}
