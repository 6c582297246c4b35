package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by local runs and tests.
// Transactions read committed snapshots, buffer their writes and validate
// the version of every written record at commit, which gives the same
// optimistic-concurrency behaviour as the Postgres store.
type MemoryStore struct {
	mu          sync.RWMutex
	days        map[DayKey]*ScheduleDay
	appts       map[string]*Appointment
	doctors     map[string]*Doctor
	closures    map[DayKey]Closure
	events      []EventLog
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		days:     make(map[DayKey]*ScheduleDay),
		appts:    make(map[string]*Appointment),
		doctors:  make(map[string]*Doctor),
		closures: make(map[DayKey]Closure),
	}
}

// Seeding helpers

func (m *MemoryStore) PutDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = &d
}

func (m *MemoryStore) PutClosure(c Closure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closures[DayKey{DoctorID: c.DoctorID, Date: c.Date}] = c
}

func (m *MemoryStore) PutScheduleDay(d ScheduleDay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Version == 0 {
		d.Version = 1
	}
	m.days[d.Key()] = d.clone()
}

func (m *MemoryStore) PutAppointment(a Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Version == 0 {
		a.Version = 1
	}
	m.appts[a.ID] = a.clone()
}

func (m *MemoryStore) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventLog(nil), m.events...)
}

// DirectoryRepository

func (m *MemoryStore) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) FindClosure(ctx context.Context, doctorID, date string) (*Closure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.closures[DayKey{DoctorID: doctorID, Date: date}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ScheduleRepository

func (m *MemoryStore) GetScheduleDay(ctx context.Context, doctorID, date string) (*ScheduleDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.days[DayKey{DoctorID: doctorID, Date: date}]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) SaveScheduleDay(ctx context.Context, day *ScheduleDay) error {
	return m.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveScheduleDay(ctx, day)
	})
}

func (m *MemoryStore) ListHeldScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error) {
	return m.listDays(after, limit, func(d *ScheduleDay) bool {
		for _, s := range d.Slots {
			if s.Held() {
				return true
			}
		}
		return false
	})
}

func (m *MemoryStore) ListScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error) {
	return m.listDays(after, limit, func(*ScheduleDay) bool { return true })
}

func (m *MemoryStore) listDays(after DayKey, limit int, keep func(*ScheduleDay) bool) ([]ScheduleDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]DayKey, 0, len(m.days))
	for k := range m.days {
		if after.Less(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	var out []ScheduleDay
	for _, k := range keys {
		d := m.days[k]
		if !keep(d) {
			continue
		}
		out = append(out, *d.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AppointmentRepository

func (m *MemoryStore) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) InsertAppointment(ctx context.Context, appt *Appointment) error {
	return m.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertAppointment(ctx, appt)
	})
}

func (m *MemoryStore) SaveAppointment(ctx context.Context, appt *Appointment) error {
	return m.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveAppointment(ctx, appt)
	})
}

func (m *MemoryStore) FindActiveForPatient(ctx context.Context, patientID, doctorID, date string) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterAppointments(m.appts, nil, func(a *Appointment) bool {
		return a.PatientID == patientID && a.DoctorID == doctorID && a.Date == date && a.Status.Active()
	}), nil
}

func (m *MemoryStore) FindActiveForDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterAppointments(m.appts, nil, activeForDoctorBetween(doctorID, from, to)), nil
}

func (m *MemoryStore) ListAppointments(ctx context.Context, afterID string, limit int) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := filterAppointments(m.appts, nil, func(a *Appointment) bool { return a.ID > afterID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// EventRepository

func (m *MemoryStore) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEvent(ev)
	return nil
}

func (m *MemoryStore) appendEvent(ev EventLog) {
	m.nextEventID++
	ev.ID = m.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
}

// WithinTx runs fn against a buffered transaction and commits it only if
// every record fn wrote is still at the version fn read.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		store:    m,
		days:     make(map[DayKey]*ScheduleDay),
		dayBase:  make(map[DayKey]int64),
		appts:    make(map[string]*Appointment),
		apptBase: make(map[string]int64),
		inserted: make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

type memTx struct {
	store    *MemoryStore
	days     map[DayKey]*ScheduleDay
	dayBase  map[DayKey]int64
	appts    map[string]*Appointment
	apptBase map[string]int64
	inserted map[string]bool
	events   []EventLog
}

func (t *memTx) commit() error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, base := range t.dayBase {
		var current int64
		if d, ok := m.days[k]; ok {
			current = d.Version
		}
		if current != base {
			return fmt.Errorf("schedule day %s: %w", k, ErrWriteConflict)
		}
	}
	for id := range t.inserted {
		if _, exists := m.appts[id]; exists {
			return fmt.Errorf("appointment %s already exists", id)
		}
	}
	for id, base := range t.apptBase {
		a, ok := m.appts[id]
		if !ok || a.Version != base {
			return fmt.Errorf("appointment %s: %w", id, ErrWriteConflict)
		}
	}

	for k, d := range t.days {
		m.days[k] = d
	}
	for id, a := range t.appts {
		m.appts[id] = a
	}
	for _, ev := range t.events {
		m.appendEvent(ev)
	}
	return nil
}

func (t *memTx) GetScheduleDay(ctx context.Context, doctorID, date string) (*ScheduleDay, error) {
	if d, ok := t.days[DayKey{DoctorID: doctorID, Date: date}]; ok {
		return d.clone(), nil
	}
	return t.store.GetScheduleDay(ctx, doctorID, date)
}

func (t *memTx) SaveScheduleDay(ctx context.Context, day *ScheduleDay) error {
	k := day.Key()
	if local, ok := t.days[k]; ok {
		if local.Version != day.Version {
			return ErrWriteConflict
		}
	} else {
		t.dayBase[k] = day.Version
		day.Version++
	}
	day.UpdatedAt = time.Now()
	t.days[k] = day.clone()
	return nil
}

func (t *memTx) ListHeldScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error) {
	return t.store.ListHeldScheduleDays(ctx, after, limit)
}

func (t *memTx) ListScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error) {
	return t.store.ListScheduleDays(ctx, after, limit)
}

func (t *memTx) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	if a, ok := t.appts[id]; ok {
		return a.clone(), nil
	}
	return t.store.GetAppointment(ctx, id)
}

func (t *memTx) InsertAppointment(ctx context.Context, appt *Appointment) error {
	if _, ok := t.appts[appt.ID]; ok {
		return fmt.Errorf("appointment %s already exists", appt.ID)
	}
	appt.Version = 1
	t.inserted[appt.ID] = true
	t.appts[appt.ID] = appt.clone()
	return nil
}

func (t *memTx) SaveAppointment(ctx context.Context, appt *Appointment) error {
	if local, ok := t.appts[appt.ID]; ok {
		if local.Version != appt.Version {
			return ErrWriteConflict
		}
	} else {
		t.apptBase[appt.ID] = appt.Version
		appt.Version++
	}
	t.appts[appt.ID] = appt.clone()
	return nil
}

func (t *memTx) FindActiveForPatient(ctx context.Context, patientID, doctorID, date string) ([]Appointment, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return filterAppointments(t.store.appts, t.appts, func(a *Appointment) bool {
		return a.PatientID == patientID && a.DoctorID == doctorID && a.Date == date && a.Status.Active()
	}), nil
}

func (t *memTx) FindActiveForDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return filterAppointments(t.store.appts, t.appts, activeForDoctorBetween(doctorID, from, to)), nil
}

func (t *memTx) ListAppointments(ctx context.Context, afterID string, limit int) ([]Appointment, error) {
	return t.store.ListAppointments(ctx, afterID, limit)
}

func (t *memTx) InsertEvent(ctx context.Context, ev EventLog) error {
	t.events = append(t.events, ev)
	return nil
}

func activeForDoctorBetween(doctorID string, from, to time.Time) func(*Appointment) bool {
	return func(a *Appointment) bool {
		return a.DoctorID == doctorID && a.Status.Active() &&
			!a.ScheduledAt.Before(from) && !a.ScheduledAt.After(to)
	}
}

// filterAppointments returns clones of the matching records, with overlay
// entries taking precedence over base, ordered by id.
func filterAppointments(base, overlay map[string]*Appointment, keep func(*Appointment) bool) []Appointment {
	var out []Appointment
	for id, a := range base {
		if o, ok := overlay[id]; ok {
			a = o
		}
		if keep(a) {
			out = append(out, *a.clone())
		}
	}
	for id, a := range overlay {
		if _, ok := base[id]; ok {
			continue
		}
		if keep(a) {
			out = append(out, *a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
