package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyBooked     = errors.New("slot or serial is already booked")
	ErrInvalidTransition = errors.New("invalid booking status transition")
	ErrForbidden         = errors.New("forbidden")
)

// Reasons reported with an empty availability result.
const (
	ReasonNotAvailable        = "not available on this date"
	ReasonDateClosed          = "closed on this date"
	ReasonDatePassed          = "date has already passed"
	ReasonFacilityNotApproved = "facility is not approved"
	ReasonNoSchedule          = "no schedule for this date"
)

// UnavailableError means the date or facility is not open for booking. Read
// paths turn it into an empty result carrying Reason.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string { return "unavailable: " + e.Reason }

// InvalidInputError is a client error detected before any storage access.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &InvalidInputError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConfigError is a stored policy that cannot produce availability, for
// example a zero capacity or a missing window bound.
type ConfigError struct {
	PolicyID string
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("serial policy %s misconfigured: %s", e.PolicyID, e.Message)
}
