package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-reservation/internal/auth"
	"github.com/hackgods/clinic-slot-reservation/internal/booking"
	"github.com/hackgods/clinic-slot-reservation/internal/config"
	"github.com/hackgods/clinic-slot-reservation/internal/telemetry"
)

const testSecret = "test-secret"

type testServer struct {
	handler  http.Handler
	store    *booking.MemoryStore
	verifier *auth.Verifier
}

func newTestServer(t *testing.T, postgres Pinger) *testServer {
	t.Helper()

	store := booking.NewMemoryStore()
	store.PutDoctor(booking.Doctor{
		ID:   "D1",
		Name: "Dr. Hart",
		WorkingHours: map[string]booking.WorkingHours{
			"Monday":  {Open: false},
			"Tuesday": {Open: true, Start: "09:00", End: "17:00"},
		},
	})
	store.PutScheduleDay(booking.ScheduleDay{
		DoctorID: "D1",
		Date:     "2026-03-03",
		Slots: map[string]booking.SlotState{
			"s0900": {Time: "09:00", Available: true},
			"s1100": {Time: "11:00", Available: true},
		},
	})
	store.PutScheduleDay(booking.ScheduleDay{
		DoctorID: "D1",
		Date:     "2026-03-02",
		Slots:    map[string]booking.SlotState{"s0900": {Time: "09:00", Available: true}},
	})

	cfg := config.Config{ClinicTimezone: "UTC", HoldDuration: 2 * time.Minute}
	svc := booking.NewService(store, cfg, zerolog.Nop(), nil)
	reg := prometheus.NewRegistry()
	verifier := auth.NewVerifier(testSecret)

	return &testServer{
		handler: NewRouter(RouterConfig{
			Service:  svc,
			Reaper:   booking.NewReaper(svc, nil),
			Verifier: verifier,
			Postgres: postgres,
			Metrics:  telemetry.NewHTTPMetrics(reg),
			Gatherer: reg,
			Logger:   zerolog.Nop(),
			Env:      "test",
			Version:  "v0.0.1",
		}),
		store:    store,
		verifier: verifier,
	}
}

func (s *testServer) do(t *testing.T, method, path, subject, role string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		token, err := s.verifier.Sign(auth.Caller{Subject: subject, Role: role}, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestReserveRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/reservations", "", "", ReserveRequest{DoctorID: "D1", Date: "2026-03-03", SlotID: "s0900"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode[ErrorResponse](t, rec).Error)
}

func TestReserveThenSlotTaken(t *testing.T) {
	s := newTestServer(t, nil)
	body := ReserveRequest{DoctorID: "D1", Date: "2026-03-03", SlotID: "s0900", Reason: "checkup"}

	rec := s.do(t, http.MethodPost, "/reservations", "P1", auth.RolePatient, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ReservationResponse](t, rec)
	assert.NotEmpty(t, res.AppointmentID)
	assert.Equal(t, "pending", res.Appointment.Status)
	assert.Equal(t, "P1", res.Appointment.PatientID)
	assert.Equal(t, "checkup", res.Appointment.Reason)

	rec = s.do(t, http.MethodPost, "/reservations", "P2", auth.RolePatient, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "failed_precondition", errResp.Error)
	assert.Equal(t, "Slot taken", errResp.Details)
}

func TestReserveMissingFields(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/reservations", "P1", auth.RolePatient, ReserveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing fields: doctorId, date, slotId", decode[ErrorResponse](t, rec).Details)
}

func TestBookOnClosedDay(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/appointments", "P1", auth.RolePatient, ReserveRequest{DoctorID: "D1", Date: "2026-03-02", SlotID: "s0900"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Clinic is closed on Mondays", decode[ErrorResponse](t, rec).Details)
}

func TestAppointmentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/appointments", "P1", auth.RolePatient, ReserveRequest{DoctorID: "D1", Date: "2026-03-03", SlotID: "s1100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[ReservationResponse](t, rec).AppointmentID

	rec = s.do(t, http.MethodPost, "/appointments/"+id+"/confirm", "D1", auth.RoleDoctor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/appointments/"+id+"/confirm", "D1", auth.RoleDoctor, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/appointments/"+id+"/check-in", "D1", auth.RoleDoctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/appointments/"+id+"/complete", "D1", auth.RoleDoctor, CompleteRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/appointments/"+id+"/complete", "D1", auth.RoleDoctor, CompleteRequest{Diagnosis: "flu", Prescription: "rest"})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "flu", done.Diagnosis)

	rec = s.do(t, http.MethodGet, "/appointments/"+id, "P1", auth.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/schedules/D1/2026-03-03", "P1", auth.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	day := decode[ScheduleDayResponse](t, rec)
	assert.False(t, day.Slots["s1100"].Available)
	assert.Nil(t, day.Slots["s1100"].HeldUntil)
}

func TestCancelWithReason(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/reservations", "P1", auth.RolePatient, ReserveRequest{DoctorID: "D1", Date: "2026-03-03", SlotID: "s0900"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[ReservationResponse](t, rec).AppointmentID

	rec = s.do(t, http.MethodPost, "/appointments/"+id+"/cancel", "P1", auth.RolePatient, ReasonRequest{Reason: "travel"})
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.Equal(t, "travel", cancelled.StatusReason)
}

func TestUnknownAppointment(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/appointments/nope", "P1", auth.RolePatient, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Error)
}

func TestChecks(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/checks/closure?doctorId=D1&date=2026-03-02", "P1", auth.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ClosureResponse{IsClosed: true, Reason: "Clinic is closed on Mondays"}, decode[ClosureResponse](t, rec))

	rec = s.do(t, http.MethodGet, "/checks/duplicate?patientId=P1&doctorId=D1&date=2026-03-03", "P1", auth.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[DuplicateResponse](t, rec).IsDuplicate)

	rec = s.do(t, http.MethodGet, "/checks/conflict?doctorId=D1&datetime=2026-03-03T09:00:00Z", "P1", auth.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ConflictResponse](t, rec).HasConflict)

	rec = s.do(t, http.MethodGet, "/checks/conflict?doctorId=D1&datetime=nine", "P1", auth.RolePatient, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReapRequiresAdmin(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/internal/reap", "P1", auth.RolePatient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/internal/reap", "ops", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[SweepResponse](t, rec).SlotsReleased)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health/live", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v0.0.1", decode[LivenessResponse](t, rec).Version)

	rec = s.do(t, http.MethodGet, "/health/ready", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", decode[ReadinessResponse](t, rec).Dependencies["postgres"])

	down := newTestServer(t, PingFunc(func(context.Context) error { return errors.New("connection refused") }))
	rec = down.do(t, http.MethodGet, "/health/ready", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", decode[ReadinessResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
