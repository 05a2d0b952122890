package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/internal/platform/cache"
	"github.com/medibook/medibook/pkg/timewindow"
)

func (f *fixture) serials(t *testing.T, subject *facility.Subject, date string) *SerialAvailability {
	t.Helper()
	got, err := f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: subject.Kind,
		SubjectID:   subject.ID,
		Date:        mustDate(t, date),
	})
	require.NoError(t, err)
	return got
}

func TestResolver_Serials_OptIn(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	require.NoError(t, f.svc.UpsertOverride(context.Background(), &DateOverride{
		PolicyID:  policy.ID,
		Date:      mustDate(t, "2025-03-10"),
		AdminNote: "Doctor on leave",
		IsEnabled: false,
	}))

	closed := f.serials(t, f.doctor, "2025-03-10")
	assert.Empty(t, closed.Serials)
	assert.Equal(t, "Doctor on leave", closed.Reason)

	unconfigured := f.serials(t, f.doctor, "2025-03-11")
	assert.Empty(t, unconfigured.Serials)
	assert.Equal(t, ReasonNotAvailable, unconfigured.Reason)
	assert.NotNil(t, unconfigured.Serials, "empty list, not null")
}

func TestResolver_Serials_DisabledWithoutNote(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	require.NoError(t, f.svc.UpsertOverride(context.Background(), &DateOverride{
		PolicyID: policy.ID, Date: mustDate(t, "2025-03-10"), IsEnabled: false,
	}))
	assert.Equal(t, ReasonDateClosed, f.serials(t, f.doctor, "2025-03-10").Reason)
}

func TestResolver_Serials_EnabledUsesPolicy(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	f.openDate(t, policy, "2025-03-10")

	got := f.serials(t, f.doctor, "2025-03-10")
	assert.Empty(t, got.Reason)
	assert.Equal(t, 20, got.Capacity)
	assert.Equal(t, int64(50000), got.Price)
	assert.Equal(t, facility.Hospital(hospitalA), got.Facility)
	require.NotNil(t, got.Window)
	assert.Equal(t, "09:00-17:00", got.Window.String())
	require.Len(t, got.Serials, 10)
	for _, s := range got.Serials {
		assert.Equal(t, 0, s.Number%2)
	}
}

func TestResolver_Serials_OverrideFields(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	price := int64(80000)
	require.NoError(t, f.svc.UpsertOverride(context.Background(), &DateOverride{
		PolicyID:           policy.ID,
		Date:               mustDate(t, "2025-03-10"),
		TotalSerialsPerDay: intPtr(10),
		StartTime:          clockPtrOf("14:00"),
		EndTime:            clockPtrOf("16:00"),
		Price:              &price,
		IsEnabled:          true,
	}))

	got := f.serials(t, f.doctor, "2025-03-10")
	assert.Equal(t, 10, got.Capacity)
	assert.Equal(t, price, got.Price)
	require.Len(t, got.Serials, 5)
	assert.Equal(t, "14:12", got.Serials[0].Start.String())
	assert.Equal(t, "16:00", got.Serials[4].End.String())
}

func TestResolver_Serials_EndOfDayWindowThroughRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := newFixture(t)
	f.resolver = NewResolver(f.stores, f.directory, fixedClock{now: testToday},
		cache.NewAvailability(client, time.Minute, zerolog.Nop()))

	policy := &SerialPolicy{
		SubjectKind:        f.doctor.Kind,
		SubjectID:          f.doctor.ID,
		Facility:           f.doctor.Facility,
		TotalSerialsPerDay: 8,
		StartTime:          clockPtrOf("20:00"),
		EndTime:            clockPtrOf("24:00"),
		Price:              30000,
	}
	require.NoError(t, f.svc.UpsertSerialPolicy(context.Background(), policy))
	f.openDate(t, policy, "2025-03-10")

	// First call fills the cache, the second decodes the stored entry.
	for i := 0; i < 2; i++ {
		got := f.serials(t, f.doctor, "2025-03-10")
		require.NotNil(t, got.Window)
		assert.Equal(t, "20:00-24:00", got.Window.String())
		require.Len(t, got.Serials, 4)
		assert.Equal(t, 8, got.Serials[3].Number)
		assert.Equal(t, "23:30", got.Serials[3].Start.String())
		assert.Equal(t, "24:00", got.Serials[3].End.String())
	}
}

func TestResolver_Serials_OverrideCapacityOnly(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	require.NoError(t, f.svc.UpsertOverride(context.Background(), &DateOverride{
		PolicyID: policy.ID, Date: mustDate(t, "2025-03-10"), TotalSerialsPerDay: intPtr(4), IsEnabled: true,
	}))

	got := f.serials(t, f.doctor, "2025-03-10")
	assert.Equal(t, int64(50000), got.Price)
	require.Len(t, got.Serials, 2)
	assert.Equal(t, "11:00", got.Serials[0].Start.String())
	assert.Equal(t, "15:00", got.Serials[1].Start.String())
}

func TestResolver_Serials_ConfigError(t *testing.T) {
	f := newFixture(t)
	policy := &SerialPolicy{
		SubjectKind:        f.doctor.Kind,
		SubjectID:          f.doctor.ID,
		Facility:           f.doctor.Facility,
		TotalSerialsPerDay: 20,
	}
	require.NoError(t, f.svc.UpsertSerialPolicy(context.Background(), policy))
	f.openDate(t, policy, "2025-03-10")

	_, err := f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: f.doctor.Kind, SubjectID: f.doctor.ID, Date: mustDate(t, "2025-03-10"),
	})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, policy.ID.String(), cfgErr.PolicyID)
}

func TestResolver_Serials_CapacityExceedsWindow(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	require.NoError(t, f.svc.UpsertOverride(context.Background(), &DateOverride{
		PolicyID: policy.ID, Date: mustDate(t, "2025-03-10"), TotalSerialsPerDay: intPtr(600), IsEnabled: true,
	}))

	_, err := f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: f.doctor.Kind, SubjectID: f.doctor.ID, Date: mustDate(t, "2025-03-10"),
	})
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResolver_Serials_Facility(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	f.openDate(t, policy, "2025-03-10")

	match := facility.Hospital(hospitalA)
	got, err := f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: f.doctor.Kind, SubjectID: f.doctor.ID, Facility: &match, Date: mustDate(t, "2025-03-10"),
	})
	require.NoError(t, err)
	assert.Len(t, got.Serials, 10)

	other := facility.DiagnosticCenter(uuid.New())
	_, err = f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: f.doctor.Kind, SubjectID: f.doctor.ID, Facility: &other, Date: mustDate(t, "2025-03-10"),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_Serials_FacilityNotApproved(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	f.openDate(t, policy, "2025-03-10")
	f.doctor.FacilityApproved = false

	got := f.serials(t, f.doctor, "2025-03-10")
	assert.Empty(t, got.Serials)
	assert.Equal(t, ReasonFacilityNotApproved, got.Reason)
}

func TestResolver_Serials_PastDate(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	f.openDate(t, policy, "2025-02-28")
	f.openDate(t, policy, "2025-03-01")

	assert.Equal(t, ReasonDatePassed, f.serials(t, f.doctor, "2025-02-28").Reason)
	assert.Len(t, f.serials(t, f.doctor, "2025-03-01").Serials, 10, "today is still bookable")
}

func TestResolver_Serials_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: facility.SubjectDoctor, SubjectID: uuid.New(), Date: mustDate(t, "2025-03-10"),
	})
	assert.ErrorIs(t, err, ErrNotFound, "unknown doctor")

	_, err = f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: f.doctor.Kind, SubjectID: f.doctor.ID, Date: mustDate(t, "2025-03-10"),
	})
	assert.ErrorIs(t, err, ErrNotFound, "no serial policy")
}

func TestResolver_Serials_InvalidInput(t *testing.T) {
	f := newFixture(t)
	var target *InvalidInputError

	_, err := f.resolver.Serials(context.Background(), SerialQuery{SubjectKind: "nurse", SubjectID: uuid.New(), Date: testToday})
	assert.ErrorAs(t, err, &target)

	_, err = f.resolver.Serials(context.Background(), SerialQuery{SubjectKind: facility.SubjectTest, SubjectID: uuid.New()})
	assert.ErrorAs(t, err, &target)
}

func TestResolver_Serials_StorageError(t *testing.T) {
	f := newFixture(t)
	policy := f.serialPolicy(t, f.doctor)
	f.openDate(t, policy, "2025-03-10")
	f.bookings.failList = errors.New("connection reset")

	got, err := f.resolver.Serials(context.Background(), SerialQuery{
		SubjectKind: f.doctor.Kind, SubjectID: f.doctor.ID, Date: mustDate(t, "2025-03-10"),
	})
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestResolver_Serials_RoundTrip(t *testing.T) {
	for _, kind := range []string{"doctor", "test"} {
		t.Run(kind, func(t *testing.T) {
			f := newFixture(t)
			subject := f.doctor
			if kind == "test" {
				subject = f.test
			}
			policy := f.serialPolicy(t, subject)
			f.openDate(t, policy, "2025-03-10")

			before := f.serials(t, subject, "2025-03-10")
			require.NotEmpty(t, before.Serials)
			pick := before.Serials[3]

			b := f.bookSerial(t, subject, "2025-03-10", pick.Number)
			assert.Equal(t, pick.Start, b.StartTime)
			assert.Equal(t, pick.End, b.EndTime)

			after := f.serials(t, subject, "2025-03-10")
			assert.Len(t, after.Serials, len(before.Serials)-1)
			for _, s := range after.Serials {
				assert.NotEqual(t, pick.Number, s.Number)
			}
		})
	}
}

// -- Chamber slots --

func (f *fixture) chamberSchedule(t *testing.T, day int, windows ...TimeWindow) uuid.UUID {
	t.Helper()
	chamberID := uuid.New()
	require.NoError(t, f.svc.CreateSchedule(context.Background(), &SchedulePolicy{
		DoctorID:  f.doctor.ID,
		ChamberID: chamberID,
		DayOfWeek: day,
		Windows:   windows,
		Fee:       70000,
	}))
	return chamberID
}

func window(start, end string, session, seats int) TimeWindow {
	return TimeWindow{
		Start:                 timewindow.MustClock(start),
		End:                   timewindow.MustClock(end),
		SessionMinutes:        session,
		MaxConcurrentPatients: seats,
	}
}

func TestResolver_Slots_FullDay(t *testing.T) {
	f := newFixture(t)
	chamberID := f.chamberSchedule(t, 1, window("09:00", "17:00", 15, 1))

	got, err := f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-10"))
	require.NoError(t, err)
	require.Len(t, got.Slots, 32)
	assert.Equal(t, "09:00", got.Slots[0].Start.String())
	assert.Equal(t, "17:00", got.Slots[31].End.String())
	assert.Equal(t, int64(70000), got.Slots[0].Price)
	assert.Equal(t, 1, got.Slots[0].SeatsRemaining)
}

func TestResolver_Slots_DropsPartialTail(t *testing.T) {
	f := newFixture(t)
	chamberID := f.chamberSchedule(t, 1, window("09:00", "10:50", 20, 1))

	got, err := f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-10"))
	require.NoError(t, err)
	require.Len(t, got.Slots, 5)
	assert.Equal(t, "10:40", got.Slots[4].End.String())
}

func TestResolver_Slots_SortedAcrossWindows(t *testing.T) {
	f := newFixture(t)
	chamberID := f.chamberSchedule(t, 1,
		window("14:00", "15:00", 30, 1),
		window("09:00", "10:00", 30, 1),
	)

	got, err := f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-10"))
	require.NoError(t, err)
	require.Len(t, got.Slots, 4)
	for i := 1; i < len(got.Slots); i++ {
		assert.Less(t, int(got.Slots[i-1].Start), int(got.Slots[i].Start))
	}
}

func TestResolver_Slots_ExcludesOverlapping(t *testing.T) {
	f := newFixture(t)
	chamberID := f.chamberSchedule(t, 1, window("09:00", "10:00", 15, 1))
	start, end := timewindow.MustClock("09:15"), timewindow.MustClock("09:30")
	_, err := f.allocator.Allocate(context.Background(), AllocateRequest{
		SubjectKind: facility.SubjectDoctor,
		SubjectID:   f.doctor.ID,
		ChamberID:   &chamberID,
		Date:        mustDate(t, "2025-03-10"),
		StartTime:   &start,
		EndTime:     &end,
		PatientID:   uuid.New(),
	})
	require.NoError(t, err)

	got, err := f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-10"))
	require.NoError(t, err)
	require.Len(t, got.Slots, 3)
	for _, s := range got.Slots {
		assert.NotEqual(t, start, s.Start)
	}
}

func TestResolver_Slots_SharedSeats(t *testing.T) {
	f := newFixture(t)
	chamberID := f.chamberSchedule(t, 1, window("09:00", "09:30", 30, 2))
	start, end := timewindow.MustClock("09:00"), timewindow.MustClock("09:30")
	req := AllocateRequest{
		SubjectKind: facility.SubjectDoctor,
		SubjectID:   f.doctor.ID,
		ChamberID:   &chamberID,
		Date:        mustDate(t, "2025-03-10"),
		StartTime:   &start,
		EndTime:     &end,
		PatientID:   uuid.New(),
	}
	_, err := f.allocator.Allocate(context.Background(), req)
	require.NoError(t, err)

	got, err := f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-10"))
	require.NoError(t, err)
	require.Len(t, got.Slots, 1)
	assert.Equal(t, 1, got.Slots[0].SeatsRemaining)

	req.PatientID = uuid.New()
	_, err = f.allocator.Allocate(context.Background(), req)
	require.NoError(t, err)

	got, err = f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-10"))
	require.NoError(t, err)
	assert.Empty(t, got.Slots)
}

func TestResolver_Slots_NoSchedule(t *testing.T) {
	f := newFixture(t)
	chamberID := f.chamberSchedule(t, 1, window("09:00", "10:00", 15, 1))

	got, err := f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-11"))
	require.NoError(t, err)
	assert.Empty(t, got.Slots)
	assert.Equal(t, ReasonNoSchedule, got.Reason)
}

func TestResolver_Slots_ValidityInterval(t *testing.T) {
	f := newFixture(t)
	chamberID := uuid.New()
	until := mustDate(t, "2025-03-09")
	require.NoError(t, f.svc.CreateSchedule(context.Background(), &SchedulePolicy{
		DoctorID:   f.doctor.ID,
		ChamberID:  chamberID,
		DayOfWeek:  1,
		Windows:    []TimeWindow{window("09:00", "10:00", 15, 1)},
		ValidFrom:  mustDate(t, "2025-03-01"),
		ValidUntil: &until,
	}))

	got, err := f.resolver.Slots(context.Background(), f.doctor.ID, chamberID, mustDate(t, "2025-03-10"))
	require.NoError(t, err)
	assert.Empty(t, got.Slots)
}

func TestResolver_Slots_UnknownDoctor(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Slots(context.Background(), uuid.New(), uuid.New(), mustDate(t, "2025-03-10"))
	assert.ErrorIs(t, err, ErrNotFound)
}
