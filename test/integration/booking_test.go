//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/internal/domain/scheduling"
	"github.com/medibook/medibook/pkg/timewindow"
)

func clockPtr(s string) *timewindow.Clock {
	c := timewindow.MustClock(s)
	return &c
}

func intPtr(n int) *int { return &n }

// openSerialDay creates a 10-serial 09:00-13:00 policy for the subject and
// opens the booking date.
func openSerialDay(t *testing.T, a app, tenant string, kind facility.SubjectKind, subjectID, hospitalID uuid.UUID) *scheduling.SerialPolicy {
	t.Helper()
	policy := &scheduling.SerialPolicy{
		SubjectKind:        kind,
		SubjectID:          subjectID,
		Facility:           facility.Hospital(hospitalID),
		TotalSerialsPerDay: 10,
		StartTime:          clockPtr("09:00"),
		EndTime:            clockPtr("13:00"),
		Price:              500,
	}
	require.NoError(t, inTenant(t, tenant, func(ctx context.Context) error {
		if err := a.svc.UpsertSerialPolicy(ctx, policy); err != nil {
			return err
		}
		return a.svc.UpsertOverride(ctx, &scheduling.DateOverride{
			PolicyID:  policy.ID,
			Date:      bookingDate(),
			IsEnabled: true,
		})
	}))
	return policy
}

func serialRequest(kind facility.SubjectKind, subjectID, patientID uuid.UUID, serial int) scheduling.AllocateRequest {
	return scheduling.AllocateRequest{
		SubjectKind:  kind,
		SubjectID:    subjectID,
		Date:         bookingDate(),
		SerialNumber: intPtr(serial),
		PatientID:    patientID,
	}
}

// race runs one allocation per request concurrently, each on its own
// connection, and returns the successes and failures.
func race(t *testing.T, a app, tenant string, reqs []scheduling.AllocateRequest) ([]*scheduling.Booking, []error) {
	t.Helper()
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		won   []*scheduling.Booking
		fails []error
		start = make(chan struct{})
	)
	for _, req := range reqs {
		wg.Add(1)
		go func(req scheduling.AllocateRequest) {
			defer wg.Done()
			<-start
			var b *scheduling.Booking
			err := inTenant(t, tenant, func(ctx context.Context) error {
				var err error
				b, err = a.allocator.Allocate(ctx, req)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, err)
				return
			}
			won = append(won, b)
		}(req)
	}
	close(start)
	wg.Wait()
	return won, fails
}

func TestConcurrentSerialAllocation_SingleWinner(t *testing.T) {
	tenant := newTenant(t)
	f := seedDirectory(t, tenant, 20)
	a := newApp()
	openSerialDay(t, a, tenant, facility.SubjectDoctor, f.doctorID, f.hospitalID)

	reqs := make([]scheduling.AllocateRequest, len(f.patients))
	for i, p := range f.patients {
		reqs[i] = serialRequest(facility.SubjectDoctor, f.doctorID, p, 4)
	}
	won, fails := race(t, a, tenant, reqs)

	require.Len(t, won, 1)
	assert.Len(t, fails, len(reqs)-1)
	for _, err := range fails {
		assert.True(t, errors.Is(err, scheduling.ErrAlreadyBooked), "unexpected error: %v", err)
	}
	assert.Equal(t, "10:12", won[0].StartTime.String())
	assert.Equal(t, "time:10:12", won[0].SlotKey)
	assert.Equal(t, int64(500), won[0].Price)

	var count int
	require.NoError(t, inTenant(t, tenant, func(ctx context.Context) error {
		return globalPool.QueryRow(ctx, `SELECT COUNT(*) FROM "tenant_`+tenant+`".booking WHERE slot_key = 'time:10:12'`).Scan(&count)
	}))
	assert.Equal(t, 1, count)
}

func TestConcurrentTestSerials_DistinctSerialsAllSucceed(t *testing.T) {
	tenant := newTenant(t)
	f := seedDirectory(t, tenant, 5)
	a := newApp()
	openSerialDay(t, a, tenant, facility.SubjectTest, f.testID, f.hospitalID)

	var reqs []scheduling.AllocateRequest
	for i, p := range f.patients {
		reqs = append(reqs, serialRequest(facility.SubjectTest, f.testID, p, 2*(i+1)))
	}
	won, fails := race(t, a, tenant, reqs)
	assert.Empty(t, fails)
	assert.Len(t, won, 5)

	var avail *scheduling.SerialAvailability
	require.NoError(t, inTenant(t, tenant, func(ctx context.Context) error {
		var err error
		avail, err = a.resolver.Serials(ctx, scheduling.SerialQuery{
			SubjectKind: facility.SubjectTest,
			SubjectID:   f.testID,
			Date:        bookingDate(),
		})
		return err
	}))
	assert.Empty(t, avail.Serials, "every even serial is taken")
}

func TestCancelledSerialCanBeRebooked(t *testing.T) {
	tenant := newTenant(t)
	f := seedDirectory(t, tenant, 2)
	a := newApp()
	openSerialDay(t, a, tenant, facility.SubjectDoctor, f.doctorID, f.hospitalID)

	require.NoError(t, inTenant(t, tenant, func(ctx context.Context) error {
		first, err := a.allocator.Allocate(ctx, serialRequest(facility.SubjectDoctor, f.doctorID, f.patients[0], 2))
		if err != nil {
			return err
		}
		_, err = a.allocator.Allocate(ctx, serialRequest(facility.SubjectDoctor, f.doctorID, f.patients[1], 2))
		assert.ErrorIs(t, err, scheduling.ErrAlreadyBooked)

		if _, err := a.svc.CancelByPatient(ctx, first.ID, f.patients[0], "travelling"); err != nil {
			return err
		}
		again, err := a.allocator.Allocate(ctx, serialRequest(facility.SubjectDoctor, f.doctorID, f.patients[1], 2))
		if err != nil {
			return err
		}
		assert.Equal(t, f.patients[1], again.PatientID)
		return nil
	}))
}

func TestConcurrentChamberSlots_RespectSeats(t *testing.T) {
	tenant := newTenant(t)
	f := seedDirectory(t, tenant, 8)
	a := newApp()
	chamberID := uuid.New()
	date := bookingDate()

	require.NoError(t, inTenant(t, tenant, func(ctx context.Context) error {
		return a.svc.CreateSchedule(ctx, &scheduling.SchedulePolicy{
			DoctorID:  f.doctorID,
			ChamberID: chamberID,
			DayOfWeek: timewindow.Weekday(date),
			Windows: []scheduling.TimeWindow{{
				Start:                 timewindow.MustClock("09:00"),
				End:                   timewindow.MustClock("10:00"),
				SessionMinutes:        30,
				MaxConcurrentPatients: 2,
			}},
			Fee:       800,
			ValidFrom: date.AddDate(0, 0, -7),
			IsActive:  true,
		})
	}))

	var reqs []scheduling.AllocateRequest
	for _, p := range f.patients {
		reqs = append(reqs, scheduling.AllocateRequest{
			SubjectKind: facility.SubjectDoctor,
			SubjectID:   f.doctorID,
			ChamberID:   &chamberID,
			Date:        date,
			StartTime:   clockPtr("09:00"),
			EndTime:     clockPtr("09:30"),
			PatientID:   p,
		})
	}
	won, fails := race(t, a, tenant, reqs)

	assert.GreaterOrEqual(t, len(won), 1)
	assert.LessOrEqual(t, len(won), 2)
	for _, err := range fails {
		assert.True(t, errors.Is(err, scheduling.ErrAlreadyBooked), "unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for _, b := range won {
		assert.False(t, seen[b.SlotKey], "seat %s booked twice", b.SlotKey)
		seen[b.SlotKey] = true
		assert.Equal(t, int64(800), b.Price)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	first := newTenant(t)
	second := newTenant(t)
	f := seedDirectory(t, first, 1)
	a := newApp()
	openSerialDay(t, a, first, facility.SubjectDoctor, f.doctorID, f.hospitalID)

	err := inTenant(t, second, func(ctx context.Context) error {
		_, err := a.resolver.Serials(ctx, scheduling.SerialQuery{
			SubjectKind: facility.SubjectDoctor,
			SubjectID:   f.doctorID,
			Date:        bookingDate(),
		})
		return err
	})
	assert.ErrorIs(t, err, scheduling.ErrNotFound)
}
