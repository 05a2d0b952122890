package scheduling

var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:   {StatusAccepted, StatusConfirmed, StatusRejected},
	StatusAccepted:  {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

// ValidStatus reports whether s is a known booking status.
func ValidStatus(s BookingStatus) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusConfirmed, StatusRejected,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s BookingStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether staff may move a booking from one status to
// another.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PatientCancellable reports whether the patient may still cancel.
func PatientCancellable(s BookingStatus) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusConfirmed:
		return true
	}
	return false
}
