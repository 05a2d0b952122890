package facility

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/medibook/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type directoryPG struct{ pool *pgxpool.Pool }

func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (r *directoryPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Both subject tables carry the same two nullable association columns.
const subjectQuery = `
	SELECT s.id, s.name, s.hospital_id, s.diagnostic_center_id,
		COALESCE(h.name, dc.name, ''),
		COALESCE(h.approved, dc.approved, TRUE)
	FROM %s s
	LEFT JOIN hospital h ON h.id = s.hospital_id
	LEFT JOIN diagnostic_center dc ON dc.id = s.diagnostic_center_id
	WHERE s.id = $1`

var subjectTables = map[SubjectKind]string{
	SubjectDoctor: "doctor",
	SubjectTest:   "diagnostic_test",
}

func (r *directoryPG) Subject(ctx context.Context, kind SubjectKind, id uuid.UUID) (*Subject, error) {
	table, ok := subjectTables[kind]
	if !ok {
		return nil, fmt.Errorf("invalid subject kind: %s", kind)
	}

	var (
		s          = Subject{Kind: kind}
		hospitalID *uuid.UUID
		centerID   *uuid.UUID
	)
	err := r.conn(ctx).QueryRow(ctx, fmt.Sprintf(subjectQuery, table), id).Scan(
		&s.ID, &s.Name, &hospitalID, &centerID, &s.FacilityName, &s.FacilityApproved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return nil, fmt.Errorf("lookup %s: %w", kind, err)
	}
	s.Facility = FromAssociation(hospitalID, centerID)
	return &s, nil
}

func (r *directoryPG) PatientContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	var c Contact
	var email, phone *string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, email, phone FROM patient WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &email, &phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("patient %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	if email != nil {
		c.Email = *email
	}
	if phone != nil {
		c.Phone = *phone
	}
	return &c, nil
}
