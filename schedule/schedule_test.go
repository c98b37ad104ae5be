package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/engine/store"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Friday 2025-03-07 08:00 UTC; the next Monday is 2025-03-10.
var testNow = time.Date(2025, time.March, 7, 8, 0, 0, 0, time.UTC)

var monday = engine.Date{Year: 2025, Month: time.March, Day: 10}

func fixedNow() time.Time { return testNow }

func rng(start, end string) engine.TimeRange {
	return engine.TimeRange{Start: engine.MustParseClock(start), End: engine.MustParseClock(end)}
}

func mondayMorning() engine.WeeklyPattern {
	return engine.WeeklyPattern{
		time.Monday: {Available: true, Slots: []engine.TimeRange{rng("09:00", "12:00")}},
	}
}

func defaultPolicy() engine.BookingPolicy {
	return engine.BookingPolicy{Timezone: "UTC", BufferMinutes: 15, MinNoticeHours: 24, MaxAdvanceDays: 30}
}

func setup(t *testing.T) (*schedule.Service, *schedule.Generator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return schedule.NewService(mem, fixedNow), schedule.NewGenerator(mem, mem, fixedNow), mem
}

func at(d engine.Date, hhmm string) time.Time {
	return d.At(engine.MustParseClock(hhmm), time.UTC)
}

// =============================================================================
// SCHEDULE STORE
// =============================================================================

func TestService_GetMissing(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestService_Upsert_SortsAndStores(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	weekly := engine.WeeklyPattern{
		time.Tuesday: {Available: true, Slots: []engine.TimeRange{rng("14:00", "16:00"), rng("09:00", "10:00")}},
	}
	_, err := svc.Upsert(ctx, "m1", weekly, nil, defaultPolicy())
	require.NoError(t, err)

	got, err := svc.Get(ctx, "m1")
	require.NoError(t, err)
	slots := got.Weekly[time.Tuesday].Slots
	require.Len(t, slots, 2)
	assert.Equal(t, "09:00", slots[0].Start.String())
	assert.Equal(t, testNow, got.UpdatedAt)
}

func TestService_Upsert_RejectsInvalidSlots(t *testing.T) {
	tests := []struct {
		name       string
		weekly     engine.WeeklyPattern
		exceptions []engine.Exception
		policy     engine.BookingPolicy
	}{
		{
			name:   "start equals end",
			weekly: engine.WeeklyPattern{time.Monday: {Available: true, Slots: []engine.TimeRange{rng("09:00", "09:00")}}},
			policy: defaultPolicy(),
		},
		{
			name:   "start after end",
			weekly: engine.WeeklyPattern{time.Monday: {Available: true, Slots: []engine.TimeRange{rng("12:00", "09:00")}}},
			policy: defaultPolicy(),
		},
		{
			name: "overlapping ranges",
			weekly: engine.WeeklyPattern{time.Monday: {Available: true, Slots: []engine.TimeRange{
				rng("09:00", "11:00"), rng("10:30", "12:00"),
			}}},
			policy: defaultPolicy(),
		},
		{
			name: "duplicate exception date",
			exceptions: []engine.Exception{
				{Date: monday, Available: false},
				{Date: monday, Available: true, Slots: []engine.TimeRange{rng("09:00", "10:00")}},
			},
			policy: defaultPolicy(),
		},
		{
			name: "overlapping exception ranges",
			exceptions: []engine.Exception{
				{Date: monday, Available: true, Slots: []engine.TimeRange{rng("09:00", "10:00"), rng("09:30", "11:00")}},
			},
			policy: defaultPolicy(),
		},
		{
			name:   "zero horizon",
			policy: engine.BookingPolicy{Timezone: "UTC", MaxAdvanceDays: 0},
		},
		{
			name:   "negative buffer",
			policy: engine.BookingPolicy{Timezone: "UTC", BufferMinutes: -5, MaxAdvanceDays: 1},
		},
		{
			name:   "unknown timezone",
			policy: engine.BookingPolicy{Timezone: "Mars/Olympus", MaxAdvanceDays: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := setup(t)
			_, err := svc.Upsert(context.Background(), "m1", tt.weekly, tt.exceptions, tt.policy)
			assert.ErrorIs(t, err, engine.ErrInvalidSlot)

			_, err = svc.Get(context.Background(), "m1")
			assert.ErrorIs(t, err, engine.ErrNotFound, "nothing stored")
		})
	}
}

func TestService_Upsert_AdjacentRangesAllowed(t *testing.T) {
	svc, _, _ := setup(t)
	weekly := engine.WeeklyPattern{time.Monday: {Available: true, Slots: []engine.TimeRange{
		rng("09:00", "10:00"), rng("10:00", "11:00"),
	}}}
	_, err := svc.Upsert(context.Background(), "m1", weekly, nil, defaultPolicy())
	assert.NoError(t, err)
}

func TestSchedule_Effective_ExceptionReplacesPattern(t *testing.T) {
	sched := engine.Schedule{
		Weekly: mondayMorning(),
		Exceptions: []engine.Exception{
			{Date: monday, Available: false, Reason: "conference"},
			{Date: monday.AddDays(1), Available: true, Slots: []engine.TimeRange{rng("13:00", "14:00")}},
		},
	}

	assert.False(t, sched.Effective(monday).Available, "exception closes an open weekday")
	tuesday := sched.Effective(monday.AddDays(1))
	assert.True(t, tuesday.Available, "exception opens a closed weekday")
	assert.Len(t, tuesday.Slots, 1)
	assert.True(t, sched.Effective(monday.AddDays(7)).Available, "following monday uses the pattern")
}

// =============================================================================
// SLOT GENERATOR
// =============================================================================

func TestGenerate_MondayMorningScenario(t *testing.T) {
	// GIVEN: Monday 09:00-12:00, buffer 15m, notice 24h, duration 60m
	// WHEN: generating for that Monday, requested on the Friday before
	// THEN: 09:00 and 10:00 are offered; 11:00 is not (11:00+60+15 > 12:00)
	svc, gen, _ := setup(t)
	ctx := context.Background()
	_, err := svc.Upsert(ctx, "m1", mondayMorning(), nil, defaultPolicy())
	require.NoError(t, err)

	slots, err := schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 60))
	require.NoError(t, err)

	require.Len(t, slots, 2)
	assert.Equal(t, at(monday, "09:00"), slots[0].Start)
	assert.Equal(t, at(monday, "10:00"), slots[1].Start)
	assert.Equal(t, at(monday, "11:00"), slots[1].End)
}

func TestGenerate_ClosedException_NoSlots(t *testing.T) {
	svc, gen, _ := setup(t)
	ctx := context.Background()
	_, err := svc.Upsert(ctx, "m1", mondayMorning(),
		[]engine.Exception{{Date: monday, Available: false}}, defaultPolicy())
	require.NoError(t, err)

	slots, err := schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 60))
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestGenerate_OpenExceptionWithoutSlots_NoSlots(t *testing.T) {
	svc, gen, _ := setup(t)
	ctx := context.Background()
	_, err := svc.Upsert(ctx, "m1", mondayMorning(),
		[]engine.Exception{{Date: monday, Available: true}}, defaultPolicy())
	require.NoError(t, err)

	slots, err := schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 60))
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestGenerate_BufferLargerThanWindow_NoSlots(t *testing.T) {
	svc, gen, _ := setup(t)
	ctx := context.Background()
	weekly := engine.WeeklyPattern{time.Monday: {Available: true, Slots: []engine.TimeRange{rng("09:00", "10:00")}}}
	_, err := svc.Upsert(ctx, "m1", weekly, nil, defaultPolicy())
	require.NoError(t, err)

	slots, err := schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 60))
	require.NoError(t, err)
	assert.Empty(t, slots, "60m + 15m buffer does not fit a 60m window")
}

func TestGenerate_SkipsConflicts(t *testing.T) {
	// An appointment 09:30-10:30 blocks both 09:00 and 10:00.
	// An appointment spanning the whole morning blocks everything.
	svc, gen, mem := setup(t)
	ctx := context.Background()
	policy := defaultPolicy()
	policy.BufferMinutes = 0
	_, err := svc.Upsert(ctx, "m1", mondayMorning(), nil, policy)
	require.NoError(t, err)

	require.NoError(t, mem.CreateAppointment(ctx, engine.Appointment{
		ID: "a1", MentorID: "m1", StudentID: "s1", Status: engine.StatusConfirmed,
		ScheduledAt: at(monday, "09:30"), DurationMinutes: 60,
	}))

	slots, err := schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 60))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, at(monday, "11:00"), slots[0].Start)

	// Cancelled appointments free their time again.
	a, err := mem.GetAppointment(ctx, "a1")
	require.NoError(t, err)
	a.Status = engine.StatusCancelled
	_, err = mem.UpdateAppointment(ctx, a)
	require.NoError(t, err)

	require.NoError(t, mem.CreateAppointment(ctx, engine.Appointment{
		ID: "a2", MentorID: "m1", StudentID: "s2", Status: engine.StatusPending,
		ScheduledAt: at(monday, "08:00"), DurationMinutes: 300,
	}))
	slots, err = schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 60))
	require.NoError(t, err)
	assert.Empty(t, slots, "spanning appointment blocks every slot")
}

func TestGenerate_NoticeAndHorizon(t *testing.T) {
	svc, gen, _ := setup(t)
	ctx := context.Background()
	everyDay := engine.WeeklyPattern{}
	for d := time.Sunday; d <= time.Saturday; d++ {
		everyDay[d] = engine.DayAvailability{Available: true, Slots: []engine.TimeRange{rng("09:00", "10:00")}}
	}
	policy := engine.BookingPolicy{Timezone: "UTC", MinNoticeHours: 48, MaxAdvanceDays: 5}
	_, err := svc.Upsert(ctx, "m1", everyDay, nil, policy)
	require.NoError(t, err)

	from := engine.DateOf(testNow).AddDays(-3)
	to := engine.DateOf(testNow).AddDays(30)
	slots, err := schedule.Collect(gen.Generate(ctx, "m1", from, to, 60))
	require.NoError(t, err)

	// now = Fri 08:00. Earliest start Sun 08:00, latest Wed 08:00:
	// Sun, Mon, Tue 09:00 qualify.
	require.Len(t, slots, 3)
	assert.Equal(t, at(engine.DateOf(testNow).AddDays(2), "09:00"), slots[0].Start)
	assert.Equal(t, at(engine.DateOf(testNow).AddDays(4), "09:00"), slots[2].Start)
}

func TestGenerate_RespectsTimezone(t *testing.T) {
	svc, gen, _ := setup(t)
	ctx := context.Background()
	policy := defaultPolicy()
	policy.Timezone = "America/New_York"
	policy.BufferMinutes = 0
	weekly := engine.WeeklyPattern{time.Monday: {Available: true, Slots: []engine.TimeRange{rng("09:00", "10:00")}}}
	_, err := svc.Upsert(ctx, "m1", weekly, nil, policy)
	require.NoError(t, err)

	slots, err := schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 60))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	// 2025-03-10 is after the US DST switch: UTC-4.
	assert.Equal(t, time.Date(2025, time.March, 10, 13, 0, 0, 0, time.UTC), slots[0].Start.UTC())
}

func TestGenerate_IsLazy(t *testing.T) {
	svc, gen, _ := setup(t)
	ctx := context.Background()
	policy := defaultPolicy()
	policy.BufferMinutes = 0
	_, err := svc.Upsert(ctx, "m1", mondayMorning(), nil, policy)
	require.NoError(t, err)

	var got []engine.Window
	for w, err := range gen.Generate(ctx, "m1", monday, monday.AddDays(14), 30) {
		require.NoError(t, err)
		got = append(got, w)
		if len(got) == 2 {
			break
		}
	}
	require.Len(t, got, 2)
	assert.True(t, got[0].Start.Before(got[1].Start))
}

func TestGenerate_Errors(t *testing.T) {
	svc, gen, _ := setup(t)
	ctx := context.Background()

	_, err := schedule.Collect(gen.Generate(ctx, "missing", monday, monday, 60))
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = svc.Upsert(ctx, "m1", mondayMorning(), nil, defaultPolicy())
	require.NoError(t, err)
	_, err = schedule.Collect(gen.Generate(ctx, "m1", monday, monday.AddDays(-1), 60))
	assert.ErrorIs(t, err, engine.ErrInvalidTime)
	_, err = schedule.Collect(gen.Generate(ctx, "m1", monday, monday, 0))
	assert.ErrorIs(t, err, engine.ErrInvalidTime)
}

// =============================================================================
// FIT
// =============================================================================

func TestFits(t *testing.T) {
	sched := engine.Schedule{Weekly: mondayMorning(), Policy: defaultPolicy()}

	tests := []struct {
		start string
		want  bool
	}{
		{"09:00", true},
		{"10:00", true},
		{"10:45", true},  // 11:45 + 15m buffer = 12:00
		{"11:00", false}, // buffer spills past 12:00
		{"08:30", false},
	}
	for _, tt := range tests {
		ok, err := schedule.Fits(sched, engine.NewWindow(at(monday, tt.start), time.Hour))
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, tt.start)
	}
}
