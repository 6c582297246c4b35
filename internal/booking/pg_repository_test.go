package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scheduleDayCols = []string{"doctor_id", "day", "slots", "version", "updated_at"}

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPgStore(mock), mock
}

func TestPgGetScheduleDay(t *testing.T) {
	store, mock := newMockStore(t)
	updated := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM schedule_days").
		WithArgs(testDoctor, testDate).
		WillReturnRows(pgxmock.NewRows(scheduleDayCols).
			AddRow(testDoctor, testDate, []byte(`{"s0900":{"time":"09:00","available":true}}`), int64(3), updated))

	day, err := store.GetScheduleDay(context.Background(), testDoctor, testDate)
	require.NoError(t, err)
	assert.Equal(t, int64(3), day.Version)
	assert.Equal(t, SlotState{Time: "09:00", Available: true}, day.Slots["s0900"])

	mock.ExpectQuery("FROM schedule_days").
		WithArgs(testDoctor, "2026-03-04").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetScheduleDay(context.Background(), testDoctor, "2026-03-04")
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgSaveScheduleDayCompareAndSet(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE schedule_days").
		WithArgs(testDoctor, testDate, pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	day := &ScheduleDay{DoctorID: testDoctor, Date: testDate, Slots: map[string]SlotState{}, Version: 3}
	require.NoError(t, store.SaveScheduleDay(context.Background(), day))
	assert.Equal(t, int64(4), day.Version)

	mock.ExpectExec("UPDATE schedule_days").
		WithArgs(testDoctor, testDate, pgxmock.AnyArg(), pgxmock.AnyArg(), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SaveScheduleDay(context.Background(), day)
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, int64(4), day.Version)

	mock.ExpectExec("INSERT INTO schedule_days").
		WithArgs("D2", testDate, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	fresh := &ScheduleDay{DoctorID: "D2", Date: testDate, Slots: map[string]SlotState{}}
	require.NoError(t, store.SaveScheduleDay(context.Background(), fresh))
	assert.Equal(t, int64(1), fresh.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

var appointmentCols = []string{
	"id", "patient_id", "doctor_id", "day", "slot_id", "slot_time", "scheduled_at", "status",
	"medical_history", "reason", "notes", "diagnosis", "prescription", "status_reason", "hold_expires_at",
	"version", "created_at", "updated_at",
}

func TestPgBookReleasedSlotWithPendingOrphan(t *testing.T) {
	store, mock := newMockStore(t)
	svc, clock := newTestServiceWithStore(t, store)
	clock.Set(testT0.Add(10 * time.Minute))

	lapsed := testT0.Add(2 * time.Minute)
	at := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	released := []byte(`{"s0900":{"time":"09:00","available":true},"s0930":{"time":"09:30","available":true}}`)
	dayRow := func() *pgxmock.Rows {
		return pgxmock.NewRows(scheduleDayCols).AddRow(testDoctor, testDate, released, int64(3), testT0)
	}

	mock.ExpectQuery("FROM doctors").
		WithArgs(testDoctor).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "specialty", "working_hours"}).
			AddRow(testDoctor, "Dr. Hart", "cardiology", []byte(`{}`)))
	mock.ExpectQuery("FROM closures").WithArgs(testDoctor, testDate).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`patient_id = \$1`).
		WithArgs("P2", testDoctor, testDate).
		WillReturnRows(pgxmock.NewRows(appointmentCols))
	mock.ExpectQuery("FROM schedule_days").WithArgs(testDoctor, testDate).WillReturnRows(dayRow())
	// the reaped orphan still sits in the conflict window
	mock.ExpectQuery("scheduled_at BETWEEN").
		WithArgs(testDoctor, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(
			"A1", "P1", testDoctor, testDate, "s0900", "09:00", at, "pending",
			[]byte(`{}`), "", "", "", "", "", &lapsed, int64(1), testT0, testT0))
	mock.ExpectQuery("FROM schedule_days").WithArgs(testDoctor, testDate).WillReturnRows(dayRow())

	mock.ExpectBegin()
	mock.ExpectQuery("FROM schedule_days").WithArgs(testDoctor, testDate).WillReturnRows(dayRow())
	mock.ExpectQuery(`patient_id = \$1`).
		WithArgs("P2", testDoctor, testDate).
		WillReturnRows(pgxmock.NewRows(appointmentCols))
	mock.ExpectExec("UPDATE schedule_days").
		WithArgs(testDoctor, testDate, pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO appointments").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO event_logs").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := svc.Book(asPatient("P2"), ReserveRequest{DoctorID: testDoctor, Date: testDate, SlotID: "s0900"})
	require.NoError(t, err)
	assert.Equal(t, "P2", res.Appointment.PatientID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgInsertAppointmentWrapsErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO appointments").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "appointments_pkey"})

	err := store.InsertAppointment(context.Background(), &Appointment{ID: "a1", DoctorID: testDoctor, Date: testDate, SlotID: "s0900", Status: StatusPending})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSlotTaken)
	assert.Contains(t, err.Error(), "insert appointment")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgFindClosure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM closures").
		WithArgs(testDoctor, testDate).
		WillReturnError(pgx.ErrNoRows)
	c, err := store.FindClosure(context.Background(), testDoctor, testDate)
	require.NoError(t, err)
	assert.Nil(t, c)

	mock.ExpectQuery("FROM closures").
		WithArgs(testDoctor, "2026-03-04").
		WillReturnRows(pgxmock.NewRows([]string{"doctor_id", "day", "reason"}).AddRow(testDoctor, "2026-03-04", "Public holiday"))
	c, err = store.FindClosure(context.Background(), testDoctor, "2026-03-04")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Public holiday", c.Reason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetDoctor(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM doctors").
		WithArgs(testDoctor).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "specialty", "working_hours"}).
			AddRow(testDoctor, "Dr. Hart", "cardiology", []byte(`{"Monday":{"open":false}}`)))

	d, err := store.GetDoctor(context.Background(), testDoctor)
	require.NoError(t, err)
	assert.False(t, d.WorkingHours["Monday"].Open)

	mock.ExpectQuery("FROM doctors").WithArgs("D404").WillReturnError(pgx.ErrNoRows)
	_, err = store.GetDoctor(context.Background(), "D404")
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithinTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO event_logs").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertEvent(ctx, EventLog{EventType: EventHoldReleased})
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		store, mock := newMockStore(t)
		boom := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgListHeldScheduleDaysPagesByKey(t *testing.T) {
	store, mock := newMockStore(t)
	updated := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("jsonb_path_exists").
		WithArgs("", "0001-01-01", 2).
		WillReturnRows(pgxmock.NewRows(scheduleDayCols).
			AddRow("D1", "2026-03-04", []byte(`{}`), int64(1), updated).
			AddRow("D2", "2026-03-04", []byte(`{}`), int64(1), updated))

	days, err := store.ListHeldScheduleDays(context.Background(), DayKey{}, 2)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, DayKey{DoctorID: "D2", Date: "2026-03-04"}, days[1].Key())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpsertDirectory(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO doctors").
		WithArgs(testDoctor, "Dr. Hart", "cardiology", []byte(`{"Monday":{"open":false}}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO closures").
		WithArgs(testDoctor, "2026-03-04", "Staff training").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertDoctor(context.Background(), Doctor{
		ID:           testDoctor,
		Name:         "Dr. Hart",
		Specialty:    "cardiology",
		WorkingHours: map[string]WorkingHours{"Monday": {Open: false}},
	}))
	require.NoError(t, store.UpsertClosure(context.Background(), Closure{DoctorID: testDoctor, Date: "2026-03-04", Reason: "Staff training"}))

	require.NoError(t, mock.ExpectationsWereMet())
}
