package seed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
)

func TestSlots(t *testing.T) {
	slots := Slots("09:00", "10:30", 30)
	require.Len(t, slots, 3)
	assert.Equal(t, booking.SlotState{Time: "09:00", Available: true}, slots["s0900"])
	assert.Contains(t, slots, "s0930")
	assert.Contains(t, slots, "s1000")
	assert.NotContains(t, slots, "s1030")

	assert.Empty(t, Slots("nine", "10:00", 30))
	assert.Empty(t, Slots("09:00", "10:00", 0))
}

func TestGenerateIsDeterministicForSeed(t *testing.T) {
	opts := Options{Doctors: 3, Days: 7, Start: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Seed: 42, ClosureRate: 0.2}

	a := Generate(opts)
	b := Generate(opts)
	assert.Equal(t, a, b)
	require.Len(t, a.Doctors, 3)
}

func TestGenerateSkipsClosedDates(t *testing.T) {
	ds := Generate(Options{Doctors: 5, Days: 14, Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Seed: 7, ClosureRate: 0.3})

	hours := make(map[string]map[string]booking.WorkingHours)
	for _, d := range ds.Doctors {
		hours[d.ID] = d.WorkingHours
		assert.False(t, d.WorkingHours[time.Sunday.String()].Open)
	}

	closed := make(map[booking.DayKey]bool)
	for _, c := range ds.Closures {
		closed[booking.DayKey{DoctorID: c.DoctorID, Date: c.Date}] = true
	}

	for _, day := range ds.Days {
		date, err := time.Parse(booking.DateLayout, day.Date)
		require.NoError(t, err)
		assert.True(t, hours[day.DoctorID][date.Weekday().String()].Open, "%s generated on a closed weekday", day.Key())
		assert.False(t, closed[day.Key()], "%s has both a closure and a schedule", day.Key())
		assert.NotEmpty(t, day.Slots)
	}
}

func TestLoadIntoMemoryStore(t *testing.T) {
	store := booking.NewMemoryStore()
	ds := Generate(Options{Doctors: 2, Days: 7, Start: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Seed: 1})
	require.NotEmpty(t, ds.Days)

	st, err := Load(context.Background(), MemorySink(store), ds)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Doctors)
	assert.Equal(t, len(ds.Days), st.DaysCreated)

	first := ds.Days[0]
	day, err := store.GetScheduleDay(context.Background(), first.DoctorID, first.Date)
	require.NoError(t, err)
	assert.Equal(t, int64(1), day.Version)

	doc, err := store.GetDoctor(context.Background(), first.DoctorID)
	require.NoError(t, err)
	assert.Equal(t, ds.Doctors[0].Name, doc.Name)

	// reloading keeps existing days
	st, err = Load(context.Background(), MemorySink(store), ds)
	require.NoError(t, err)
	assert.Zero(t, st.DaysCreated)
	assert.Equal(t, len(ds.Days), st.DaysKept)
}
