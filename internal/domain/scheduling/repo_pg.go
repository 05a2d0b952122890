package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/internal/platform/db"
	"github.com/medibook/medibook/pkg/timewindow"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func clockArg(c *timewindow.Clock) *int {
	if c == nil {
		return nil
	}
	v := int(*c)
	return &v
}

func clockPtr(v *int) *timewindow.Clock {
	if v == nil {
		return nil
	}
	c := timewindow.Clock(*v)
	return &c
}

func occupyingStatusArgs() []string {
	out := make([]string, len(OccupyingStatuses))
	for i, s := range OccupyingStatuses {
		out[i] = string(s)
	}
	return out
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

func (r *scheduleRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const scheduleCols = `id, doctor_id, chamber_id, day_of_week, windows, fee,
	valid_from, valid_until, is_active, created_at, updated_at`

func (r *scheduleRepoPG) scanSchedule(row pgx.Row) (*SchedulePolicy, error) {
	var p SchedulePolicy
	err := row.Scan(&p.ID, &p.DoctorID, &p.ChamberID, &p.DayOfWeek, &p.Windows, &p.Fee,
		&p.ValidFrom, &p.ValidUntil, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *scheduleRepoPG) Create(ctx context.Context, p *SchedulePolicy) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedule_policy (id, doctor_id, chamber_id, day_of_week, windows, fee,
			valid_from, valid_until, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.DoctorID, p.ChamberID, p.DayOfWeek, p.Windows, p.Fee,
		p.ValidFrom, p.ValidUntil, p.IsActive).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SchedulePolicy, error) {
	p, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+scheduleCols+` FROM schedule_policy WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "schedule policy")
	}
	return p, nil
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM schedule_policy WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule policy: %w", ErrNotFound)
	}
	return nil
}

func (r *scheduleRepoPG) ListForDay(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) ([]*SchedulePolicy, error) {
	return r.list(ctx, `SELECT `+scheduleCols+` FROM schedule_policy
		WHERE doctor_id = $1 AND chamber_id = $2 AND day_of_week = $3 AND is_active
			AND valid_from <= $4 AND (valid_until IS NULL OR valid_until >= $4)
		ORDER BY created_at`,
		doctorID, chamberID, timewindow.Weekday(date), timewindow.Day(date))
}

func (r *scheduleRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, chamberID *uuid.UUID) ([]*SchedulePolicy, error) {
	query := `SELECT ` + scheduleCols + ` FROM schedule_policy WHERE doctor_id = $1`
	args := []interface{}{doctorID}
	if chamberID != nil {
		query += ` AND chamber_id = $2`
		args = append(args, *chamberID)
	}
	query += ` ORDER BY chamber_id, day_of_week, created_at`
	return r.list(ctx, query, args...)
}

func (r *scheduleRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*SchedulePolicy, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SchedulePolicy
	for rows.Next() {
		p, err := r.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Serial Policy Repository ===========

type serialPolicyRepoPG struct{ pool *pgxpool.Pool }

func NewSerialPolicyRepoPG(pool *pgxpool.Pool) SerialPolicyRepository {
	return &serialPolicyRepoPG{pool: pool}
}

func (r *serialPolicyRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const serialPolicyCols = `id, subject_kind, subject_id, facility_kind, facility_id,
	total_serials_per_day, start_minute, end_minute, price, available_weekdays,
	is_active, created_at, updated_at`

func (r *serialPolicyRepoPG) scanPolicy(row pgx.Row) (*SerialPolicy, error) {
	var (
		p          SerialPolicy
		kind       string
		facKind    string
		start, end *int
	)
	err := row.Scan(&p.ID, &kind, &p.SubjectID, &facKind, &p.Facility.ID,
		&p.TotalSerialsPerDay, &start, &end, &p.Price, &p.AvailableWeekdays,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.SubjectKind = facility.SubjectKind(kind)
	p.Facility.Kind = facility.Kind(facKind)
	p.StartTime, p.EndTime = clockPtr(start), clockPtr(end)
	return &p, nil
}

func (r *serialPolicyRepoPG) Upsert(ctx context.Context, p *SerialPolicy) error {
	ref := p.Facility.Normalized()
	if p.AvailableWeekdays == nil {
		p.AvailableWeekdays = []int{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO serial_policy (id, subject_kind, subject_id, facility_kind, facility_id,
			total_serials_per_day, start_minute, end_minute, price, available_weekdays, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE)
		ON CONFLICT (subject_kind, subject_id, facility_kind, facility_id) WHERE is_active
		DO UPDATE SET total_serials_per_day = EXCLUDED.total_serials_per_day,
			start_minute = EXCLUDED.start_minute, end_minute = EXCLUDED.end_minute,
			price = EXCLUDED.price, available_weekdays = EXCLUDED.available_weekdays,
			updated_at = NOW()
		RETURNING id, is_active, created_at, updated_at`,
		uuid.New(), string(p.SubjectKind), p.SubjectID, string(ref.Kind), ref.ID,
		p.TotalSerialsPerDay, clockArg(p.StartTime), clockArg(p.EndTime), p.Price, p.AvailableWeekdays,
	).Scan(&p.ID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
}

func (r *serialPolicyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SerialPolicy, error) {
	p, err := r.scanPolicy(r.conn(ctx).QueryRow(ctx, `SELECT `+serialPolicyCols+` FROM serial_policy WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "serial policy")
	}
	return p, nil
}

func (r *serialPolicyRepoPG) FindActive(ctx context.Context, kind facility.SubjectKind, subjectID uuid.UUID, ref facility.Ref) (*SerialPolicy, error) {
	ref = ref.Normalized()
	p, err := r.scanPolicy(r.conn(ctx).QueryRow(ctx, `SELECT `+serialPolicyCols+` FROM serial_policy
		WHERE subject_kind = $1 AND subject_id = $2 AND facility_kind = $3 AND facility_id = $4 AND is_active`,
		string(kind), subjectID, string(ref.Kind), ref.ID))
	if err != nil {
		return nil, notFound(err, "serial policy")
	}
	return p, nil
}

// =========== Date Override Repository ===========

type overrideRepoPG struct{ pool *pgxpool.Pool }

func NewOverrideRepoPG(pool *pgxpool.Pool) OverrideRepository { return &overrideRepoPG{pool: pool} }

func (r *overrideRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const overrideCols = `id, policy_id, override_date, total_serials_per_day, start_minute, end_minute,
	price, admin_note, is_enabled, created_at, updated_at`

func (r *overrideRepoPG) scanOverride(row pgx.Row) (*DateOverride, error) {
	var (
		o          DateOverride
		start, end *int
	)
	err := row.Scan(&o.ID, &o.PolicyID, &o.Date, &o.TotalSerialsPerDay, &start, &end,
		&o.Price, &o.AdminNote, &o.IsEnabled, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Date = timewindow.Day(o.Date)
	o.StartTime, o.EndTime = clockPtr(start), clockPtr(end)
	return &o, nil
}

func (r *overrideRepoPG) Upsert(ctx context.Context, o *DateOverride) error {
	o.Date = timewindow.Day(o.Date)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO date_override (id, policy_id, override_date, total_serials_per_day,
			start_minute, end_minute, price, admin_note, is_enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (policy_id, override_date)
		DO UPDATE SET total_serials_per_day = EXCLUDED.total_serials_per_day,
			start_minute = EXCLUDED.start_minute, end_minute = EXCLUDED.end_minute,
			price = EXCLUDED.price, admin_note = EXCLUDED.admin_note,
			is_enabled = EXCLUDED.is_enabled, updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		uuid.New(), o.PolicyID, o.Date, o.TotalSerialsPerDay,
		clockArg(o.StartTime), clockArg(o.EndTime), o.Price, o.AdminNote, o.IsEnabled,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("serial policy %s: %w", o.PolicyID, ErrNotFound)
	}
	return err
}

func (r *overrideRepoPG) Get(ctx context.Context, policyID uuid.UUID, date time.Time) (*DateOverride, error) {
	o, err := r.scanOverride(r.conn(ctx).QueryRow(ctx, `SELECT `+overrideCols+` FROM date_override
		WHERE policy_id = $1 AND override_date = $2`, policyID, timewindow.Day(date)))
	if err != nil {
		return nil, notFound(err, "date override")
	}
	return o, nil
}

func (r *overrideRepoPG) Delete(ctx context.Context, policyID uuid.UUID, date time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM date_override WHERE policy_id = $1 AND override_date = $2`,
		policyID, timewindow.Day(date))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("date override: %w", ErrNotFound)
	}
	return nil
}

func (r *overrideRepoPG) ListRange(ctx context.Context, policyID uuid.UUID, from, to time.Time) ([]*DateOverride, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+overrideCols+` FROM date_override
		WHERE policy_id = $1 AND override_date BETWEEN $2 AND $3
		ORDER BY override_date`, policyID, timewindow.Day(from), timewindow.Day(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DateOverride
	for rows.Next() {
		o, err := r.scanOverride(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

// =========== Booking Repository ===========

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) BookingRepository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const bookingCols = `id, mode, subject_kind, subject_id, facility_kind, facility_id, chamber_id,
	booking_date, start_minute, end_minute, serial_number, slot_key, status, price,
	patient_id, cancellation_reason, created_at, updated_at`

func (r *bookingRepoPG) scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b                          Booking
		mode, kind, facKind, state string
		start, end                 int
	)
	err := row.Scan(&b.ID, &mode, &kind, &b.SubjectID, &facKind, &b.Facility.ID, &b.ChamberID,
		&b.Date, &start, &end, &b.SerialNumber, &b.SlotKey, &state, &b.Price,
		&b.PatientID, &b.CancellationReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Mode = Mode(mode)
	b.SubjectKind = facility.SubjectKind(kind)
	b.Facility.Kind = facility.Kind(facKind)
	b.Status = BookingStatus(state)
	b.Date = timewindow.Day(b.Date)
	b.StartTime, b.EndTime = timewindow.Clock(start), timewindow.Clock(end)
	return &b, nil
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	b.ID = uuid.New()
	ref := b.Facility.Normalized()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO booking (id, mode, subject_kind, subject_id, facility_kind, facility_id, chamber_id,
			booking_date, start_minute, end_minute, serial_number, slot_key, status, price, patient_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		b.ID, string(b.Mode), string(b.SubjectKind), b.SubjectID, string(ref.Kind), ref.ID, b.ChamberID,
		timewindow.Day(b.Date), int(b.StartTime), int(b.EndTime), b.SerialNumber, b.SlotKey,
		string(b.Status), b.Price, b.PatientID,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%s on %s: %w", b.SlotKey, timewindow.FormatDate(b.Date), ErrAlreadyBooked)
		}
		return err
	}
	return nil
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := r.scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "booking")
	}
	return b, nil
}

func (r *bookingRepoPG) ListOccupying(ctx context.Context, q LedgerQuery) ([]*Booking, error) {
	ref := q.Facility.Normalized()
	query := `SELECT ` + bookingCols + ` FROM booking
		WHERE mode = $1 AND subject_kind = $2 AND subject_id = $3
			AND facility_kind = $4 AND facility_id = $5 AND booking_date = $6
			AND status = ANY($7)`
	args := []interface{}{string(q.Mode), string(q.SubjectKind), q.SubjectID,
		string(ref.Kind), ref.ID, timewindow.Day(q.Date), occupyingStatusArgs()}
	if q.ChamberID != nil {
		query += ` AND chamber_id = $8`
		args = append(args, *q.ChamberID)
	}
	query += ` ORDER BY start_minute`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := r.scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *bookingRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM booking WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking WHERE patient_id = $1
		ORDER BY booking_date DESC, start_minute LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := r.scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *bookingRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus, reason *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE booking SET status = $3, cancellation_reason = COALESCE($4, cancellation_reason), updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM booking WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("booking: %w", ErrNotFound)
		}
		return fmt.Errorf("booking %s is no longer %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}
