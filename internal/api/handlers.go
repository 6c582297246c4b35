package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
)

type handlers struct {
	svc    *booking.Service
	reaper *booking.Reaper
	logger zerolog.Logger
}

func (h *handlers) book(w http.ResponseWriter, r *http.Request) {
	h.reserveWith(w, r, h.svc.Book)
}

func (h *handlers) reserve(w http.ResponseWriter, r *http.Request) {
	h.reserveWith(w, r, h.svc.ReserveSlot)
}

func (h *handlers) reserveWith(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, req booking.ReserveRequest) (*booking.Reservation, error)) {
	var req ReserveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := op(r.Context(), req.toBooking())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ReservationResponse{
		AppointmentID: res.AppointmentID,
		HeldUntil:     res.HeldUntil,
		Appointment:   newAppointmentResponse(res.Appointment),
	})
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.GetAppointment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
}

func (h *handlers) confirm(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.ConfirmAppointment(r.Context(), chi.URLParam(r, "id"))
	writeTransition(w, appt, err)
}

func (h *handlers) reject(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	appt, err := h.svc.RejectAppointment(r.Context(), chi.URLParam(r, "id"), req.Reason)
	writeTransition(w, appt, err)
}

func (h *handlers) checkIn(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.CheckIn(r.Context(), chi.URLParam(r, "id"))
	writeTransition(w, appt, err)
}

func (h *handlers) complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	appt, err := h.svc.CompleteAppointment(r.Context(), chi.URLParam(r, "id"), req.Diagnosis, req.Prescription)
	writeTransition(w, appt, err)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	appt, err := h.svc.CancelAppointment(r.Context(), chi.URLParam(r, "id"), req.Reason)
	writeTransition(w, appt, err)
}

func (h *handlers) checkClosure(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := h.svc.CheckClinicClosure(r.Context(), q.Get("doctorId"), q.Get("date"))
	writeJSON(w, http.StatusOK, ClosureResponse{IsClosed: res.IsClosed, Reason: res.Reason})
}

func (h *handlers) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.svc.CheckDuplicateBooking(r.Context(), q.Get("patientId"), q.Get("doctorId"), q.Get("date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DuplicateResponse{IsDuplicate: res.IsDuplicate, Existing: newAppointmentResponse(res.Existing)})
}

func (h *handlers) checkConflict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	at, err := time.Parse(time.RFC3339, q.Get("datetime"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(booking.CodeInvalidArgument), "datetime must be RFC 3339")
		return
	}
	res, err := h.svc.CheckAppointmentConflict(r.Context(), q.Get("doctorId"), at, q.Get("excludeId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConflictResponse{HasConflict: res.HasConflict, Conflicting: newAppointmentResponse(res.Conflicting)})
}

func (h *handlers) getSchedule(w http.ResponseWriter, r *http.Request) {
	day, err := h.svc.GetScheduleDay(r.Context(), chi.URLParam(r, "doctorID"), chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleDayResponse{
		DoctorID: day.DoctorID,
		Date:     day.Date,
		Slots:    day.Slots,
		Version:  day.Version,
	})
}

func (h *handlers) reap(w http.ResponseWriter, r *http.Request) {
	if h.reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "reaper_disabled", "hold reaper is not configured")
		return
	}
	res, err := h.reaper.Sweep(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("manual sweep failed")
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse(res))
}

func writeTransition(w http.ResponseWriter, appt *booking.Appointment, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}
