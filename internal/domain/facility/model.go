package facility

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Kind tags the facility a subject is attached to.
type Kind string

const (
	KindNone             Kind = "none"
	KindHospital         Kind = "hospital"
	KindDiagnosticCenter Kind = "diagnostic_center"
)

// Ref is a facility reference: independent practice, a hospital or a
// diagnostic center. For KindNone the ID is always uuid.Nil.
type Ref struct {
	Kind Kind      `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func None() Ref                         { return Ref{Kind: KindNone} }
func Hospital(id uuid.UUID) Ref         { return Ref{Kind: KindHospital, ID: id} }
func DiagnosticCenter(id uuid.UUID) Ref { return Ref{Kind: KindDiagnosticCenter, ID: id} }

func (r Ref) IsNone() bool         { return r.Kind == KindNone || r.Kind == "" }
func (r Ref) Equal(other Ref) bool { return r.normalized() == other.normalized() }
func (r Ref) String() string       { return fmt.Sprintf("%s/%s", r.normalized().Kind, r.ID) }

func (r Ref) normalized() Ref {
	if r.IsNone() {
		return None()
	}
	return r
}

// Normalized returns r with the empty kind folded into KindNone.
func (r Ref) Normalized() Ref { return r.normalized() }

// Validate checks that the kind is known and that the ID matches it.
func (r Ref) Validate() error {
	switch r.Kind {
	case KindNone, "":
		if r.ID != uuid.Nil {
			return fmt.Errorf("facility id must be empty for independent practice")
		}
	case KindHospital, KindDiagnosticCenter:
		if r.ID == uuid.Nil {
			return fmt.Errorf("facility id is required for %s", r.Kind)
		}
	default:
		return fmt.Errorf("invalid facility kind: %s", r.Kind)
	}
	return nil
}

// ParseRef builds a Ref from wire values. An empty kind with an empty id is
// independent practice.
func ParseRef(kind, id string) (Ref, error) {
	r := Ref{Kind: Kind(kind)}
	if r.Kind == "" {
		r.Kind = KindNone
	}
	if id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid facility id")
		}
		r.ID = parsed
	}
	if err := r.Validate(); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// FromAssociation resolves the facility from a subject's two nullable
// association columns. A hospital association wins over a diagnostic center.
func FromAssociation(hospitalID, diagnosticCenterID *uuid.UUID) Ref {
	switch {
	case hospitalID != nil && *hospitalID != uuid.Nil:
		return Hospital(*hospitalID)
	case diagnosticCenterID != nil && *diagnosticCenterID != uuid.Nil:
		return DiagnosticCenter(*diagnosticCenterID)
	default:
		return None()
	}
}

// SubjectKind is what is being booked: a doctor's queue or a diagnostic test.
type SubjectKind string

const (
	SubjectDoctor SubjectKind = "doctor"
	SubjectTest   SubjectKind = "test"
)

func (k SubjectKind) Valid() bool {
	return k == SubjectDoctor || k == SubjectTest
}

// Subject is the directory view of a bookable doctor or test.
type Subject struct {
	Kind             SubjectKind `json:"kind"`
	ID               uuid.UUID   `json:"id"`
	Name             string      `json:"name"`
	Facility         Ref         `json:"facility"`
	FacilityName     string      `json:"facility_name,omitempty"`
	FacilityApproved bool        `json:"facility_approved"`
}

// Contact is how a user can be reached for notifications.
type Contact struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Phone string    `json:"phone,omitempty"`
}
