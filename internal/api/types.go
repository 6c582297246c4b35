package api

import (
	"time"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
)

type ReserveRequest struct {
	DoctorID       string                  `json:"doctorId"`
	Date           string                  `json:"date"`
	SlotID         string                  `json:"slotId"`
	PatientID      string                  `json:"patientId,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	Notes          string                  `json:"notes,omitempty"`
	MedicalHistory *booking.MedicalHistory `json:"medicalHistory,omitempty"`
}

func (r ReserveRequest) toBooking() booking.ReserveRequest {
	req := booking.ReserveRequest{
		DoctorID:  r.DoctorID,
		Date:      r.Date,
		SlotID:    r.SlotID,
		PatientID: r.PatientID,
		Payload: booking.ReservePayload{
			Reason: r.Reason,
			Notes:  r.Notes,
		},
	}
	if r.MedicalHistory != nil {
		req.Payload.MedicalHistory = *r.MedicalHistory
	}
	return req
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type CompleteRequest struct {
	Diagnosis    string `json:"diagnosis"`
	Prescription string `json:"prescription"`
}

type AppointmentResponse struct {
	ID             string                 `json:"id"`
	PatientID      string                 `json:"patientId"`
	DoctorID       string                 `json:"doctorId"`
	Date           string                 `json:"date"`
	SlotID         string                 `json:"slotId"`
	Time           string                 `json:"time"`
	ScheduledAt    time.Time              `json:"scheduledAt"`
	Status         string                 `json:"status"`
	Reason         string                 `json:"reason,omitempty"`
	Notes          string                 `json:"notes,omitempty"`
	MedicalHistory booking.MedicalHistory `json:"medicalHistory"`
	Diagnosis      string                 `json:"diagnosis,omitempty"`
	Prescription   string                 `json:"prescription,omitempty"`
	StatusReason   string                 `json:"statusReason,omitempty"`
	HoldExpiresAt  *time.Time             `json:"holdExpiresAt,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

func newAppointmentResponse(a *booking.Appointment) *AppointmentResponse {
	if a == nil {
		return nil
	}
	return &AppointmentResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		DoctorID:       a.DoctorID,
		Date:           a.Date,
		SlotID:         a.SlotID,
		Time:           a.Time,
		ScheduledAt:    a.ScheduledAt,
		Status:         string(a.Status),
		Reason:         a.Reason,
		Notes:          a.Notes,
		MedicalHistory: a.MedicalHistory,
		Diagnosis:      a.Diagnosis,
		Prescription:   a.Prescription,
		StatusReason:   a.StatusReason,
		HoldExpiresAt:  a.HoldExpiresAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

type ReservationResponse struct {
	AppointmentID string               `json:"appointmentId"`
	HeldUntil     time.Time            `json:"heldUntil"`
	Appointment   *AppointmentResponse `json:"appointment"`
}

type ScheduleDayResponse struct {
	DoctorID string                       `json:"doctorId"`
	Date     string                       `json:"date"`
	Slots    map[string]booking.SlotState `json:"slots"`
	Version  int64                        `json:"version"`
}

type ClosureResponse struct {
	IsClosed bool   `json:"isClosed"`
	Reason   string `json:"reason,omitempty"`
}

type DuplicateResponse struct {
	IsDuplicate bool                 `json:"isDuplicate"`
	Existing    *AppointmentResponse `json:"existingAppointment,omitempty"`
}

type ConflictResponse struct {
	HasConflict bool                 `json:"hasConflict"`
	Conflicting *AppointmentResponse `json:"conflictingAppointment,omitempty"`
}

type SweepResponse struct {
	DaysScanned           int `json:"daysScanned"`
	DaysReleased          int `json:"daysReleased"`
	SlotsReleased         int `json:"slotsReleased"`
	AppointmentsCancelled int `json:"appointmentsCancelled"`
	DaysFailed            int `json:"daysFailed"`
	ShardsSkipped         int `json:"shardsSkipped"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
