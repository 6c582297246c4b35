package booking

import (
	"context"
	"time"
)

// ScheduleRepository reads and writes ScheduleDay records. SaveScheduleDay is
// a compare-and-set on day.Version and returns ErrWriteConflict when the
// stored record moved on; on success day.Version is advanced.
type ScheduleRepository interface {
	GetScheduleDay(ctx context.Context, doctorID, date string) (*ScheduleDay, error)
	SaveScheduleDay(ctx context.Context, day *ScheduleDay) error

	// ListHeldScheduleDays pages through days that carry at least one hold,
	// ordered by DayKey, strictly after the given key.
	ListHeldScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error)
	// ListScheduleDays pages through every day, ordered by DayKey.
	ListScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error)
}

// AppointmentRepository reads and writes Appointment records. SaveAppointment
// is a compare-and-set on appt.Version, like SaveScheduleDay.
type AppointmentRepository interface {
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	InsertAppointment(ctx context.Context, appt *Appointment) error
	SaveAppointment(ctx context.Context, appt *Appointment) error

	FindActiveForPatient(ctx context.Context, patientID, doctorID, date string) ([]Appointment, error)
	FindActiveForDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error)
	ListAppointments(ctx context.Context, afterID string, limit int) ([]Appointment, error)
}

// DirectoryRepository is the read model of doctors and closures owned by
// other subsystems. FindClosure returns nil, nil when no closure exists.
type DirectoryRepository interface {
	GetDoctor(ctx context.Context, id string) (*Doctor, error)
	FindClosure(ctx context.Context, doctorID, date string) (*Closure, error)
}

type EventRepository interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Tx is the set of operations available inside one atomic unit.
type Tx interface {
	ScheduleRepository
	AppointmentRepository
	EventRepository
}

// Store is the persistence boundary of the booking core. Reads outside
// WithinTx are not isolated from concurrent writers. WithinTx commits only
// if fn returns nil; otherwise nothing fn wrote is kept.
type Store interface {
	Tx
	DirectoryRepository
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
