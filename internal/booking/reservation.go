package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-slot-reservation/internal/auth"
)

// ReservePayload carries the caller-supplied appointment fields merged into
// the new record. Identity, schedule and status fields cannot be overridden.
type ReservePayload struct {
	Reason         string
	Notes          string
	MedicalHistory MedicalHistory
}

type ReserveRequest struct {
	DoctorID  string
	Date      string
	SlotID    string
	PatientID string // defaults to the caller
	Payload   ReservePayload
}

type Reservation struct {
	AppointmentID string
	HeldUntil     time.Time
	Appointment   *Appointment
}

// ReserveSlot atomically flips a slot from available to held and creates the
// pending appointment that owns the hold. Of any number of concurrent calls
// for the same slot exactly one succeeds; the rest fail with ErrSlotTaken.
func (s *Service) ReserveSlot(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "booking.ReserveSlot")
	defer span.End()
	span.SetAttributes(
		attribute.String("doctor_id", req.DoctorID),
		attribute.String("date", req.Date),
		attribute.String("slot_id", req.SlotID),
	)

	res, err := s.reserveSlot(ctx, req)
	s.metrics.ObserveReservation(outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, MessageOf(err))
		return nil, err
	}
	return res, nil
}

func (s *Service) reserveSlot(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if req.PatientID == "" {
		req.PatientID = caller.Subject
	}

	if err := validateReserveRequest(req); err != nil {
		return nil, err
	}

	var created *Appointment
	var heldUntil time.Time

	err := s.withRetry(ctx, "reserve", func() error {
		created = nil
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			day, err := tx.GetScheduleDay(ctx, req.DoctorID, req.Date)
			if err != nil {
				return err
			}

			slot, ok := day.Slots[req.SlotID]
			if !ok || !slot.Available {
				return ErrSlotTaken
			}

			// Same-day records serialise on the day's version, so this
			// re-check closes the gap left by the advisory validator.
			dups, err := tx.FindActiveForPatient(ctx, req.PatientID, req.DoctorID, req.Date)
			if err != nil {
				return fmt.Errorf("check duplicate booking: %w", err)
			}
			now := s.now()
			for i := range dups {
				if !holdLapsed(&dups[i], day, now) {
					return ErrDuplicateBooking
				}
			}

			at, err := scheduledAt(req.Date, slot.Time, s.loc)
			if err != nil {
				return failedPrecondition(err.Error())
			}

			heldUntil = now.Add(s.cfg.HoldDuration)
			appt := &Appointment{
				ID:             uuid.NewString(),
				PatientID:      req.PatientID,
				DoctorID:       req.DoctorID,
				Date:           req.Date,
				SlotID:         req.SlotID,
				Time:           slot.Time,
				ScheduledAt:    at,
				Status:         StatusPending,
				MedicalHistory: req.Payload.MedicalHistory,
				Reason:         req.Payload.Reason,
				Notes:          req.Payload.Notes,
				HoldExpiresAt:  &heldUntil,
				CreatedAt:      now,
				UpdatedAt:      now,
			}

			slot.Available = false
			slot.HeldUntil = &heldUntil
			slot.AppointmentID = appt.ID
			day.Slots[req.SlotID] = slot

			if err := tx.SaveScheduleDay(ctx, day); err != nil {
				return err
			}
			if err := tx.InsertAppointment(ctx, appt); err != nil {
				return err
			}

			if err := s.logEvent(ctx, tx, appt.ID, EventAppointmentReserved, map[string]any{
				"doctor_id":  req.DoctorID,
				"date":       req.Date,
				"slot_id":    req.SlotID,
				"patient_id": req.PatientID,
				"held_until": heldUntil,
				"actor":      caller.Subject,
			}); err != nil {
				return err
			}

			created = appt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", created.ID).
		Str("doctor_id", req.DoctorID).
		Str("date", req.Date).
		Str("slot_id", req.SlotID).
		Time("held_until", heldUntil).
		Msg("slot reserved")

	return &Reservation{
		AppointmentID: created.ID,
		HeldUntil:     heldUntil,
		Appointment:   created,
	}, nil
}

// Book is the validated booking path: the advisory checks give fast feedback,
// then ReserveSlot takes the final decision.
func (s *Service) Book(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "booking.Book")
	defer span.End()

	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if req.PatientID == "" {
		req.PatientID = caller.Subject
	}
	if err := validateReserveRequest(req); err != nil {
		return nil, err
	}

	closure := s.CheckClinicClosure(ctx, req.DoctorID, req.Date)
	if closure.IsClosed {
		return nil, failedPrecondition(closure.Reason)
	}

	dup, err := s.CheckDuplicateBooking(ctx, req.PatientID, req.DoctorID, req.Date)
	if err != nil {
		return nil, err
	}
	if dup.IsDuplicate {
		return nil, ErrDuplicateBooking
	}

	day, err := s.store.GetScheduleDay(ctx, req.DoctorID, req.Date)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	slot, ok := day.Slots[req.SlotID]
	if !ok || !slot.Available {
		return nil, ErrSlotTaken
	}
	at, err := scheduledAt(req.Date, slot.Time, s.loc)
	if err != nil {
		return nil, failedPrecondition(err.Error())
	}

	conflict, err := s.CheckAppointmentConflict(ctx, req.DoctorID, at, "")
	if err != nil {
		return nil, err
	}
	if conflict.HasConflict {
		return nil, ErrTimeConflict
	}

	return s.ReserveSlot(ctx, req)
}

func validateReserveRequest(req ReserveRequest) error {
	var missing []string
	if req.DoctorID == "" {
		missing = append(missing, "doctorId")
	}
	if req.Date == "" {
		missing = append(missing, "date")
	}
	if req.SlotID == "" {
		missing = append(missing, "slotId")
	}
	if len(missing) > 0 {
		return invalidArgument("Missing fields: " + strings.Join(missing, ", "))
	}
	if _, err := parseDate(req.Date); err != nil {
		return invalidArgument(err.Error())
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrSlotTaken) {
		return "slot_taken"
	}
	return string(CodeOf(err))
}
