package booking

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-slot-reservation/internal/auth"
)

type Transition string

const (
	TransitionConfirm  Transition = "confirm"
	TransitionReject   Transition = "reject"
	TransitionCheckIn  Transition = "check-in"
	TransitionComplete Transition = "complete"
	TransitionCancel   Transition = "cancel"
)

type transitionRule struct {
	from  []AppointmentStatus
	to    AppointmentStatus
	event string
}

var transitionRules = map[Transition]transitionRule{
	TransitionConfirm:  {from: []AppointmentStatus{StatusPending}, to: StatusConfirmed, event: EventAppointmentConfirmed},
	TransitionReject:   {from: []AppointmentStatus{StatusPending}, to: StatusRejected, event: EventAppointmentRejected},
	TransitionCheckIn:  {from: []AppointmentStatus{StatusConfirmed}, to: StatusCheckedIn, event: EventAppointmentCheckedIn},
	TransitionComplete: {from: []AppointmentStatus{StatusCheckedIn, StatusConfirmed}, to: StatusCompleted, event: EventAppointmentCompleted},
	TransitionCancel:   {from: []AppointmentStatus{StatusPending, StatusConfirmed}, to: StatusCancelled, event: EventAppointmentCancelled},
}

// NextStatus returns the status t leads to from current, if t is allowed.
func NextStatus(current AppointmentStatus, t Transition) (AppointmentStatus, bool) {
	rule, ok := transitionRules[t]
	if !ok {
		return "", false
	}
	for _, from := range rule.from {
		if from == current {
			return rule.to, true
		}
	}
	return "", false
}

func (s *Service) ConfirmAppointment(ctx context.Context, id string) (*Appointment, error) {
	return s.transition(ctx, id, TransitionConfirm, nil)
}

func (s *Service) RejectAppointment(ctx context.Context, id, reason string) (*Appointment, error) {
	return s.transition(ctx, id, TransitionReject, func(a *Appointment) error {
		a.StatusReason = reason
		return nil
	})
}

func (s *Service) CheckIn(ctx context.Context, id string) (*Appointment, error) {
	return s.transition(ctx, id, TransitionCheckIn, nil)
}

// CompleteAppointment requires diagnosis and prescription, checked after the
// status so a closed appointment reports the invalid transition.
func (s *Service) CompleteAppointment(ctx context.Context, id, diagnosis, prescription string) (*Appointment, error) {
	return s.transition(ctx, id, TransitionComplete, func(a *Appointment) error {
		if diagnosis == "" || prescription == "" {
			return invalidArgument("diagnosis and prescription are required")
		}
		a.Diagnosis = diagnosis
		a.Prescription = prescription
		return nil
	})
}

func (s *Service) CancelAppointment(ctx context.Context, id, reason string) (*Appointment, error) {
	return s.transition(ctx, id, TransitionCancel, func(a *Appointment) error {
		a.StatusReason = reason
		return nil
	})
}

// transition applies t to the appointment with a compare-and-set on its
// version. A concurrent writer forces a reload, so the rule table is always
// evaluated against the latest status.
func (s *Service) transition(ctx context.Context, id string, t Transition, mutate func(*Appointment) error) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "booking.Transition")
	defer span.End()
	span.SetAttributes(attribute.String("appointment_id", id), attribute.String("transition", string(t)))

	if id == "" {
		return nil, invalidArgument("appointment id is required")
	}

	var updated *Appointment
	err := s.withRetry(ctx, string(t), func() error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			appt, err := tx.GetAppointment(ctx, id)
			if err != nil {
				return err
			}

			next, ok := NextStatus(appt.Status, t)
			if !ok {
				return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, appt.Status)
			}

			prev := appt.Status
			if mutate != nil {
				if err := mutate(appt); err != nil {
					return err
				}
			}

			switch t {
			case TransitionConfirm:
				if err := s.bookHeldSlot(ctx, tx, appt); err != nil {
					return err
				}
				appt.HoldExpiresAt = nil
			case TransitionCancel, TransitionReject:
				if s.cfg.ReleaseSlotOnCancel {
					if err := s.releaseClaimedSlot(ctx, tx, appt); err != nil {
						return err
					}
				}
			}

			appt.Status = next
			appt.UpdatedAt = s.now()
			if err := tx.SaveAppointment(ctx, appt); err != nil {
				return err
			}

			payload := map[string]any{"from": prev, "to": next}
			if appt.StatusReason != "" && (t == TransitionCancel || t == TransitionReject) {
				payload["reason"] = appt.StatusReason
			}
			if caller, ok := auth.CallerFromContext(ctx); ok {
				payload["actor"] = caller.Subject
			}
			if err := s.logEvent(ctx, tx, appt.ID, transitionRules[t].event, payload); err != nil {
				return err
			}

			updated = appt
			return nil
		})
	})

	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, MessageOf(err))
	}
	s.metrics.ObserveTransition(string(t), result)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Debug().Str("appointment_id", id).Str("transition", string(t)).Msg(err.Error())
		}
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", updated.ID).
		Str("transition", string(t)).
		Str("status", string(updated.Status)).
		Msg("appointment transitioned")
	return updated, nil
}

// bookHeldSlot turns the appointment's hold into a booking so the reaper no
// longer considers it. A hold past its expiry still converts while the slot
// points at appt; once the reaper released it, or another patient took it,
// the confirm fails.
func (s *Service) bookHeldSlot(ctx context.Context, tx Tx, appt *Appointment) error {
	day, err := tx.GetScheduleDay(ctx, appt.DoctorID, appt.Date)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return ErrHoldExpired
		}
		return err
	}

	slot, ok := day.Slots[appt.SlotID]
	if !ok || !slot.Held() || slot.AppointmentID != appt.ID {
		return ErrHoldExpired
	}
	if slot.HoldExpired(s.now()) {
		s.logger.Debug().
			Str("appointment_id", appt.ID).
			Time("held_until", *slot.HeldUntil).
			Msg("confirming hold that expired before the reaper ran")
	}

	slot.HeldUntil = nil
	day.Slots[appt.SlotID] = slot
	return tx.SaveScheduleDay(ctx, day)
}

// releaseClaimedSlot frees the slot if it is still claimed by appt.
func (s *Service) releaseClaimedSlot(ctx context.Context, tx Tx, appt *Appointment) error {
	day, err := tx.GetScheduleDay(ctx, appt.DoctorID, appt.Date)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil
		}
		return err
	}

	slot, ok := day.Slots[appt.SlotID]
	if !ok || slot.Available || slot.AppointmentID != appt.ID {
		return nil
	}

	slot.Available = true
	slot.HeldUntil = nil
	slot.AppointmentID = ""
	day.Slots[appt.SlotID] = slot
	return tx.SaveScheduleDay(ctx, day)
}
