package booking

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-reservation/internal/config"
	redisclient "github.com/hackgods/clinic-slot-reservation/internal/redis"
)

func newTestReaper(svc *Service, locker redisclient.Locker) *Reaper {
	r := NewReaper(svc, locker)
	r.shuffle = func(int, func(i, j int)) {}
	return r
}

func TestSweepReleasesOnlyExpiredHolds(t *testing.T) {
	svc, store, clock := newTestService(t)
	res := reserve(t, svc, "P1", "s0900")
	reaper := newTestReaper(svc, nil)

	clock.Set(res.HeldUntil.Add(-time.Nanosecond))
	sweep, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.DaysScanned)
	assert.Zero(t, sweep.SlotsReleased)
	assert.True(t, mustDay(t, store, testDoctor, testDate).Slots["s0900"].Held())

	clock.Set(res.HeldUntil)
	sweep, err = reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.SlotsReleased)
	assert.Equal(t, 1, sweep.DaysReleased)

	day := mustDay(t, store, testDoctor, testDate)
	slot := day.Slots["s0900"]
	assert.True(t, slot.Available)
	assert.Nil(t, slot.HeldUntil)
	assert.Empty(t, slot.AppointmentID)

	assert.Equal(t, []string{EventAppointmentReserved, EventHoldReleased}, eventTypes(store, res.AppointmentID))

	// the slot is immediately bookable again
	reserve(t, svc, "P2", "s0900")
}

func TestSweepIsIdempotent(t *testing.T) {
	svc, store, clock := newTestService(t)
	res := reserve(t, svc, "P1", "s0900")
	reaper := newTestReaper(svc, nil)

	clock.Set(res.HeldUntil.Add(time.Minute))
	_, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	version := mustDay(t, store, testDoctor, testDate).Version
	events := len(store.Events())

	sweep, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sweep.DaysScanned)
	assert.Zero(t, sweep.SlotsReleased)
	assert.Equal(t, version, mustDay(t, store, testDoctor, testDate).Version)
	assert.Len(t, store.Events(), events)
}

func TestSweepWritesEachDayOnce(t *testing.T) {
	svc, store, clock := newTestService(t)
	a := reserve(t, svc, "P1", "s0900")
	reserve(t, svc, "P2", "s1000")
	startVersion := mustDay(t, store, testDoctor, testDate).Version

	clock.Set(a.HeldUntil)
	sweep, err := newTestReaper(svc, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sweep.SlotsReleased)
	assert.Equal(t, 1, sweep.DaysReleased)
	assert.Equal(t, startVersion+1, mustDay(t, store, testDoctor, testDate).Version)
}

func TestSweepPagesThroughDays(t *testing.T) {
	svc, store, clock := newTestService(t)
	expired := testT0.Add(-time.Minute)
	for _, date := range []string{"2026-03-04", "2026-03-05", "2026-03-06"} {
		for _, doctor := range []string{"D1", "D2"} {
			store.PutScheduleDay(ScheduleDay{
				DoctorID: doctor,
				Date:     date,
				Slots:    map[string]SlotState{"s0900": {Time: "09:00", HeldUntil: &expired}},
			})
		}
	}
	clock.Set(testT0)

	sweep, err := newTestReaper(svc, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, sweep.DaysScanned)
	assert.Equal(t, 6, sweep.SlotsReleased)
}

func TestSweepContinuesPastFailingDay(t *testing.T) {
	store := NewMemoryStore()
	seedDirectory(store)
	expired := testT0.Add(-time.Minute)
	for _, date := range []string{"2026-03-04", "2026-03-05"} {
		store.PutScheduleDay(ScheduleDay{
			DoctorID: testDoctor,
			Date:     date,
			Slots:    map[string]SlotState{"s0900": {Time: "09:00", HeldUntil: &expired}},
		})
	}
	faulty := &faultyStore{Store: store, failSaveDay: map[DayKey]bool{{DoctorID: testDoctor, Date: "2026-03-04"}: true}}
	svc, _ := newTestServiceWithStore(t, faulty)

	sweep, err := newTestReaper(svc, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.DaysFailed)
	assert.Equal(t, 1, sweep.SlotsReleased)

	assert.True(t, mustDay(t, store, testDoctor, "2026-03-04").Slots["s0900"].Held())
	assert.True(t, mustDay(t, store, testDoctor, "2026-03-05").Slots["s0900"].Available)
}

func TestSweepCancelsOrphanedAppointmentsWhenConfigured(t *testing.T) {
	svc, store, clock := newTestService(t, func(c *config.Config) { c.ReaperCancelOrphaned = true })
	res := reserve(t, svc, "P1", "s0900")

	clock.Set(res.HeldUntil)
	sweep, err := newTestReaper(svc, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.AppointmentsCancelled)

	appt, err := store.GetAppointment(context.Background(), res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Equal(t, "hold expired", appt.StatusReason)
	assert.Equal(t, []string{EventAppointmentReserved, EventHoldReleased, EventAppointmentCancelled}, eventTypes(store, res.AppointmentID))
}

func TestSweepLeavesPendingByDefault(t *testing.T) {
	svc, store, clock := newTestService(t)
	res := reserve(t, svc, "P1", "s0900")

	clock.Set(res.HeldUntil)
	_, err := newTestReaper(svc, nil).Sweep(context.Background())
	require.NoError(t, err)

	appt, err := store.GetAppointment(context.Background(), res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)
}

func TestSweepSkipsShardLockedByAnotherReaper(t *testing.T) {
	svc, store, clock := newTestService(t)
	expired := testT0.Add(-time.Minute)
	for _, doctor := range []string{"D1", "D2"} {
		store.PutScheduleDay(ScheduleDay{
			DoctorID: doctor,
			Date:     "2026-03-04",
			Slots:    map[string]SlotState{"s0900": {Time: "09:00", HeldUntil: &expired}},
		})
	}
	clock.Set(testT0)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set("lock:reaper:doctor:D1", "other-replica"))

	sweep, err := newTestReaper(svc, redisclient.NewRedisLocker(client, 5*time.Second)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.ShardsSkipped)
	assert.Equal(t, 1, sweep.SlotsReleased)

	assert.True(t, mustDay(t, store, "D1", "2026-03-04").Slots["s0900"].Held())
	assert.True(t, mustDay(t, store, "D2", "2026-03-04").Slots["s0900"].Available)
	assert.False(t, mr.Exists("lock:reaper:doctor:D2"))
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := newTestReaper(svc, nil)
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
