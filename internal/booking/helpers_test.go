package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-reservation/internal/auth"
	"github.com/hackgods/clinic-slot-reservation/internal/config"
)

const (
	testDoctor = "D1"
	testDate   = "2026-03-03" // Tuesday
	testMonday = "2026-03-02"
)

var testT0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func testConfig() config.Config {
	return config.Config{
		ClinicTimezone:  "UTC",
		HoldDuration:    2 * time.Minute,
		ConflictBuffer:  30 * time.Minute,
		ReserveRetries:  5,
		ReaperBatchSize: 2,
	}
}

func newTestService(t *testing.T, opts ...func(*config.Config)) (*Service, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	seedDirectory(store)
	svc, clock := newTestServiceWithStore(t, store, opts...)
	return svc, store, clock
}

func newTestServiceWithStore(t *testing.T, store Store, opts ...func(*config.Config)) (*Service, *fakeClock) {
	t.Helper()
	cfg := testConfig()
	for _, o := range opts {
		o(&cfg)
	}
	clock := &fakeClock{now: testT0}
	svc := NewService(store, cfg, zerolog.Nop(), nil)
	svc.now = clock.Now
	return svc, clock
}

func seedDirectory(store *MemoryStore) {
	hours := map[string]WorkingHours{}
	for _, d := range []time.Weekday{time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		hours[d.String()] = WorkingHours{Open: true, Start: "09:00", End: "17:00"}
	}
	hours[time.Monday.String()] = WorkingHours{Open: false}
	store.PutDoctor(Doctor{ID: testDoctor, Name: "Dr. Hart", Specialty: "cardiology", WorkingHours: hours})
	store.PutScheduleDay(openDay(testDoctor, testDate))
}

func openDay(doctorID, date string) ScheduleDay {
	return ScheduleDay{
		DoctorID: doctorID,
		Date:     date,
		Slots: map[string]SlotState{
			"s0900": {Time: "09:00", Available: true},
			"s0930": {Time: "09:30", Available: true},
			"s1000": {Time: "10:00", Available: true},
			"s1100": {Time: "11:00", Available: true},
		},
	}
}

func asPatient(id string) context.Context {
	return auth.ContextWithCaller(context.Background(), auth.Caller{Subject: id, Role: "patient"})
}

func reserve(t *testing.T, svc *Service, patientID, slotID string) *Reservation {
	t.Helper()
	res, err := svc.ReserveSlot(asPatient(patientID), ReserveRequest{DoctorID: testDoctor, Date: testDate, SlotID: slotID})
	if err != nil {
		t.Fatalf("reserve %s for %s: %v", slotID, patientID, err)
	}
	return res
}

func mustDay(t *testing.T, store Store, doctorID, date string) *ScheduleDay {
	t.Helper()
	day, err := store.GetScheduleDay(context.Background(), doctorID, date)
	if err != nil {
		t.Fatalf("get day %s/%s: %v", doctorID, date, err)
	}
	return day
}

func eventTypes(store *MemoryStore, appointmentID string) []string {
	var out []string
	for _, ev := range store.Events() {
		if ev.AppointmentID != nil && *ev.AppointmentID == appointmentID {
			out = append(out, ev.EventType)
		}
	}
	return out
}

var errInjected = errors.New("injected failure")

// faultyStore fails selected operations so error paths can be exercised.
type faultyStore struct {
	Store
	failDoctor  bool
	failSaveDay map[DayKey]bool
}

func (f *faultyStore) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	if f.failDoctor {
		return nil, errInjected
	}
	return f.Store.GetDoctor(ctx, id)
}

func (f *faultyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return f.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, failSaveDay: f.failSaveDay})
	})
}

type faultyTx struct {
	Tx
	failSaveDay map[DayKey]bool
}

func (f *faultyTx) SaveScheduleDay(ctx context.Context, day *ScheduleDay) error {
	if f.failSaveDay[day.Key()] {
		return errInjected
	}
	return f.Tx.SaveScheduleDay(ctx, day)
}
