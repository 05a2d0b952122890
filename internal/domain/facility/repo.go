package facility

import (
	"context"

	"github.com/google/uuid"
)

// Directory is the read-only view of the facility/doctor/test/patient records
// owned by the registration and approval workflows.
type Directory interface {
	Subject(ctx context.Context, kind SubjectKind, id uuid.UUID) (*Subject, error)
	PatientContact(ctx context.Context, id uuid.UUID) (*Contact, error)
}
