package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBTX is a querier that can open transactions.
type DBTX interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ Store = (*PgStore)(nil)

type PgStore struct {
	pgRepository
	db DBTX
}

func NewPgStore(db DBTX) *PgStore {
	return &PgStore{pgRepository: pgRepository{q: db}, db: db}
}

// WithinTx runs fn in a read-committed transaction. Version checks on every
// write make lost updates surface as ErrWriteConflict.
func (s *PgStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgRepository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgRepository struct {
	q querier
}

// Helpers

const scheduleDayColumns = `doctor_id, day::text, slots, version, updated_at`

func scanScheduleDay(row pgx.Row) (*ScheduleDay, error) {
	var d ScheduleDay
	var slots []byte

	err := row.Scan(&d.DoctorID, &d.Date, &slots, &d.Version, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}

	d.Slots = make(map[string]SlotState)
	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &d.Slots); err != nil {
			return nil, fmt.Errorf("decode slots of %s/%s: %w", d.DoctorID, d.Date, err)
		}
	}
	return &d, nil
}

const appointmentColumns = `id, patient_id, doctor_id, day::text, slot_id, slot_time, scheduled_at, status,
	medical_history, reason, notes, diagnosis, prescription, status_reason, hold_expires_at,
	version, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var history []byte
	var holdExpiresAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Date,
		&a.SlotID,
		&a.Time,
		&a.ScheduledAt,
		&a.Status,
		&history,
		&a.Reason,
		&a.Notes,
		&a.Diagnosis,
		&a.Prescription,
		&a.StatusReason,
		&holdExpiresAt,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.MedicalHistory); err != nil {
			return nil, fmt.Errorf("decode medical history of %s: %w", a.ID, err)
		}
	}
	a.HoldExpiresAt = holdExpiresAt
	return &a, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]Appointment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Directory

func (r *pgRepository) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	var d Doctor
	var hours []byte

	err := r.q.QueryRow(ctx, `
		SELECT id, name, specialty, working_hours
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Specialty, &hours)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &d.WorkingHours); err != nil {
			return nil, fmt.Errorf("decode working hours of %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func (r *pgRepository) FindClosure(ctx context.Context, doctorID, date string) (*Closure, error) {
	var c Closure
	err := r.q.QueryRow(ctx, `
		SELECT doctor_id, day::text, reason
		FROM closures
		WHERE doctor_id = $1 AND day = $2::date
	`, doctorID, date).Scan(&c.DoctorID, &c.Date, &c.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Schedule days

func (r *pgRepository) GetScheduleDay(ctx context.Context, doctorID, date string) (*ScheduleDay, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+scheduleDayColumns+`
		FROM schedule_days
		WHERE doctor_id = $1 AND day = $2::date
	`, doctorID, date)
	return scanScheduleDay(row)
}

func (r *pgRepository) SaveScheduleDay(ctx context.Context, day *ScheduleDay) error {
	slots, err := json.Marshal(day.Slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}

	now := time.Now()
	var tag pgconn.CommandTag
	if day.Version == 0 {
		tag, err = r.q.Exec(ctx, `
			INSERT INTO schedule_days (doctor_id, day, slots, version, updated_at)
			VALUES ($1, $2::date, $3, 1, $4)
			ON CONFLICT (doctor_id, day) DO NOTHING
		`, day.DoctorID, day.Date, slots, now)
	} else {
		tag, err = r.q.Exec(ctx, `
			UPDATE schedule_days
			SET slots = $3,
			    version = version + 1,
			    updated_at = $4
			WHERE doctor_id = $1
			  AND day = $2::date
			  AND version = $5
		`, day.DoctorID, day.Date, slots, now, day.Version)
	}
	if err != nil {
		return fmt.Errorf("save schedule day %s: %w", day.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule day %s: %w", day.Key(), ErrWriteConflict)
	}

	day.Version++
	day.UpdatedAt = now
	return nil
}

func (r *pgRepository) ListHeldScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error) {
	return r.listScheduleDays(ctx, `AND jsonb_path_exists(slots, '$.*.heldUntil')`, after, limit)
}

func (r *pgRepository) ListScheduleDays(ctx context.Context, after DayKey, limit int) ([]ScheduleDay, error) {
	return r.listScheduleDays(ctx, "", after, limit)
}

func (r *pgRepository) listScheduleDays(ctx context.Context, filter string, after DayKey, limit int) ([]ScheduleDay, error) {
	afterDate := after.Date
	if afterDate == "" {
		afterDate = "0001-01-01"
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+scheduleDayColumns+`
		FROM schedule_days
		WHERE (doctor_id, day) > ($1, $2::date)
		  `+filter+`
		ORDER BY doctor_id, day
		LIMIT $3
	`, after.DoctorID, afterDate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ScheduleDay
	for rows.Next() {
		d, err := scanScheduleDay(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Appointments

func (r *pgRepository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *pgRepository) InsertAppointment(ctx context.Context, appt *Appointment) error {
	history, err := json.Marshal(appt.MedicalHistory)
	if err != nil {
		return fmt.Errorf("encode medical history: %w", err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO appointments (
			id, patient_id, doctor_id, day, slot_id, slot_time, scheduled_at, status,
			medical_history, reason, notes, diagnosis, prescription, status_reason, hold_expires_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $17)
	`,
		appt.ID, appt.PatientID, appt.DoctorID, appt.Date, appt.SlotID, appt.Time, appt.ScheduledAt, appt.Status,
		history, appt.Reason, appt.Notes, appt.Diagnosis, appt.Prescription, appt.StatusReason, appt.HoldExpiresAt,
		appt.CreatedAt, appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}

	appt.Version = 1
	return nil
}

func (r *pgRepository) SaveAppointment(ctx context.Context, appt *Appointment) error {
	history, err := json.Marshal(appt.MedicalHistory)
	if err != nil {
		return fmt.Errorf("encode medical history: %w", err)
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    medical_history = $3,
		    reason = $4,
		    notes = $5,
		    diagnosis = $6,
		    prescription = $7,
		    status_reason = $8,
		    hold_expires_at = $9,
		    updated_at = $10,
		    version = version + 1
		WHERE id = $1
		  AND version = $11
	`,
		appt.ID, appt.Status, history, appt.Reason, appt.Notes, appt.Diagnosis, appt.Prescription,
		appt.StatusReason, appt.HoldExpiresAt, appt.UpdatedAt, appt.Version,
	)
	if err != nil {
		return fmt.Errorf("save appointment %s: %w", appt.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", appt.ID, ErrWriteConflict)
	}

	appt.Version++
	return nil
}

func (r *pgRepository) FindActiveForPatient(ctx context.Context, patientID, doctorID, date string) ([]Appointment, error) {
	return collectAppointments(r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND doctor_id = $2
		  AND day = $3::date
		  AND status IN ('pending', 'confirmed')
		ORDER BY id
	`, patientID, doctorID, date))
}

func (r *pgRepository) FindActiveForDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	return collectAppointments(r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND scheduled_at BETWEEN $2 AND $3
		ORDER BY scheduled_at, id
	`, doctorID, from, to))
}

func (r *pgRepository) ListAppointments(ctx context.Context, afterID string, limit int) ([]Appointment, error) {
	return collectAppointments(r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit))
}

// Events

func (r *pgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
