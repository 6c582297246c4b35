package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var closureReasons = []string{
	"Public holiday",
	"Staff training",
	"Doctor on leave",
	"",
}

type Options struct {
	Doctors     int
	Days        int       // consecutive dates starting at Start
	Start       time.Time // first generated date
	SlotMinutes int
	ClosureRate float64 // share of open dates turned into closures
	Seed        uint64  // 0 picks a random seed
}

func (o Options) withDefaults() Options {
	if o.Doctors <= 0 {
		o.Doctors = 10
	}
	if o.Days <= 0 {
		o.Days = 14
	}
	if o.Start.IsZero() {
		o.Start = time.Now().UTC()
	}
	if o.SlotMinutes <= 0 {
		o.SlotMinutes = 30
	}
	return o
}

type Dataset struct {
	Doctors  []booking.Doctor
	Closures []booking.Closure
	Days     []booking.ScheduleDay
}

// Generate builds doctors with weekly hours, a sprinkling of closures and one
// fully available schedule day per open date.
func Generate(opts Options) Dataset {
	opts = opts.withDefaults()
	f := gofakeit.New(opts.Seed)

	var ds Dataset
	for i := 0; i < opts.Doctors; i++ {
		doc := booking.Doctor{
			ID:           fmt.Sprintf("doc-%03d", i+1),
			Name:         "Dr. " + f.LastName(),
			Specialty:    specialties[f.Number(0, len(specialties)-1)],
			WorkingHours: weeklyHours(f),
		}
		ds.Doctors = append(ds.Doctors, doc)

		for d := 0; d < opts.Days; d++ {
			date := opts.Start.AddDate(0, 0, d)
			wh, ok := doc.WorkingHours[date.Weekday().String()]
			if !ok || !wh.Open {
				continue
			}
			day := date.Format(booking.DateLayout)
			if opts.ClosureRate > 0 && f.Float64() < opts.ClosureRate {
				ds.Closures = append(ds.Closures, booking.Closure{
					DoctorID: doc.ID,
					Date:     day,
					Reason:   closureReasons[f.Number(0, len(closureReasons)-1)],
				})
				continue
			}
			ds.Days = append(ds.Days, booking.ScheduleDay{
				DoctorID: doc.ID,
				Date:     day,
				Slots:    Slots(wh.Start, wh.End, opts.SlotMinutes),
			})
		}
	}
	return ds
}

// weeklyHours opens Tuesday to Friday, keeps Sunday closed and flips a coin
// for Monday and Saturday.
func weeklyHours(f *gofakeit.Faker) map[string]booking.WorkingHours {
	start := []string{"08:00", "08:30", "09:00"}[f.Number(0, 2)]
	end := []string{"16:00", "17:00", "18:00"}[f.Number(0, 2)]

	hours := make(map[string]booking.WorkingHours, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		open := true
		switch wd {
		case time.Sunday:
			open = false
		case time.Monday, time.Saturday:
			open = f.Bool()
		}
		if open {
			hours[wd.String()] = booking.WorkingHours{Open: true, Start: start, End: end}
		} else {
			hours[wd.String()] = booking.WorkingHours{Open: false}
		}
	}
	return hours
}

// Slots lays out available slots every step minutes in [start, end). Slot ids
// are the start time without the colon, prefixed with "s".
func Slots(start, end string, step int) map[string]booking.SlotState {
	slots := make(map[string]booking.SlotState)
	from, err := time.Parse(booking.TimeLayout, start)
	if err != nil {
		return slots
	}
	to, err := time.Parse(booking.TimeLayout, end)
	if err != nil || step <= 0 {
		return slots
	}
	for t := from; t.Before(to); t = t.Add(time.Duration(step) * time.Minute) {
		clock := t.Format(booking.TimeLayout)
		slots["s"+t.Format("1504")] = booking.SlotState{Time: clock, Available: true}
	}
	return slots
}

// Sink receives generated records. *booking.PgStore satisfies it; use
// MemorySink for the in-memory store.
type Sink interface {
	UpsertDoctor(ctx context.Context, d booking.Doctor) error
	UpsertClosure(ctx context.Context, c booking.Closure) error
	SaveScheduleDay(ctx context.Context, day *booking.ScheduleDay) error
}

type Stats struct {
	Doctors     int
	Closures    int
	DaysCreated int
	DaysKept    int // already present, left untouched
}

// Load writes ds to sink. Doctors and closures are upserted; schedule days
// are only created, so rerunning never resets live holds or bookings.
func Load(ctx context.Context, sink Sink, ds Dataset) (Stats, error) {
	var st Stats
	for _, d := range ds.Doctors {
		if err := sink.UpsertDoctor(ctx, d); err != nil {
			return st, err
		}
		st.Doctors++
	}
	for _, c := range ds.Closures {
		if err := sink.UpsertClosure(ctx, c); err != nil {
			return st, err
		}
		st.Closures++
	}
	for _, day := range ds.Days {
		day.Version = 0
		err := sink.SaveScheduleDay(ctx, &day)
		switch {
		case err == nil:
			st.DaysCreated++
		case errors.Is(err, booking.ErrWriteConflict):
			st.DaysKept++
		default:
			return st, err
		}
	}
	return st, nil
}

type memorySink struct {
	store *booking.MemoryStore
}

func MemorySink(store *booking.MemoryStore) Sink {
	return memorySink{store: store}
}

func (s memorySink) UpsertDoctor(_ context.Context, d booking.Doctor) error {
	s.store.PutDoctor(d)
	return nil
}

func (s memorySink) UpsertClosure(_ context.Context, c booking.Closure) error {
	s.store.PutClosure(c)
	return nil
}

func (s memorySink) SaveScheduleDay(ctx context.Context, day *booking.ScheduleDay) error {
	return s.store.SaveScheduleDay(ctx, day)
}
