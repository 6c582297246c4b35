package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	reasonDoctorNotFound = "Doctor not found"
	reasonClosedOnDate   = "Clinic is closed on this date"
	reasonCannotVerify   = "Unable to verify clinic availability. Please try again or contact support."
)

type ClosureResult struct {
	IsClosed bool
	Reason   string
}

type DuplicateResult struct {
	IsDuplicate bool
	Existing    *Appointment
}

type ConflictResult struct {
	HasConflict bool
	Conflicting *Appointment
}

// CheckClinicClosure reports whether the doctor sees patients on date. Any
// failure to decide is reported as closed, never as open.
func (s *Service) CheckClinicClosure(ctx context.Context, doctorID, date string) ClosureResult {
	ctx, span := tracer.Start(ctx, "booking.CheckClinicClosure")
	defer span.End()

	d, err := parseDate(date)
	if err != nil || doctorID == "" {
		return ClosureResult{IsClosed: true, Reason: reasonCannotVerify}
	}

	doctor, err := s.store.GetDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return ClosureResult{IsClosed: true, Reason: reasonDoctorNotFound}
		}
		s.logger.Error().Err(err).Str("doctor_id", doctorID).Msg("closure check: load doctor")
		return ClosureResult{IsClosed: true, Reason: reasonCannotVerify}
	}

	weekday := d.Weekday().String()
	if wh, ok := doctor.WorkingHours[weekday]; ok && !wh.Open {
		return ClosureResult{IsClosed: true, Reason: fmt.Sprintf("Clinic is closed on %ss", weekday)}
	}

	closure, err := s.store.FindClosure(ctx, doctorID, date)
	if err != nil {
		s.logger.Error().Err(err).Str("doctor_id", doctorID).Str("date", date).Msg("closure check: find closure")
		return ClosureResult{IsClosed: true, Reason: reasonCannotVerify}
	}
	if closure != nil {
		reason := closure.Reason
		if reason == "" {
			reason = reasonClosedOnDate
		}
		return ClosureResult{IsClosed: true, Reason: reason}
	}

	return ClosureResult{IsClosed: false}
}

// CheckDuplicateBooking reports an active appointment of the patient with the
// doctor on date.
func (s *Service) CheckDuplicateBooking(ctx context.Context, patientID, doctorID, date string) (DuplicateResult, error) {
	ctx, span := tracer.Start(ctx, "booking.CheckDuplicateBooking")
	defer span.End()

	if patientID == "" || doctorID == "" || date == "" {
		return DuplicateResult{}, invalidArgument("patientId, doctorId and date are required")
	}
	if _, err := parseDate(date); err != nil {
		return DuplicateResult{}, invalidArgument(err.Error())
	}

	appts, err := s.store.FindActiveForPatient(ctx, patientID, doctorID, date)
	if err != nil {
		return DuplicateResult{}, fmt.Errorf("check duplicate booking: %w", err)
	}
	appts, err = s.liveAppointments(ctx, s.store, appts)
	if err != nil {
		return DuplicateResult{}, fmt.Errorf("check duplicate booking: %w", err)
	}
	if len(appts) > 0 {
		return DuplicateResult{IsDuplicate: true, Existing: &appts[0]}, nil
	}
	return DuplicateResult{}, nil
}

// CheckAppointmentConflict reports another active appointment of the doctor
// within the conflict buffer of at. excludeID skips the appointment being
// rescheduled.
func (s *Service) CheckAppointmentConflict(ctx context.Context, doctorID string, at time.Time, excludeID string) (ConflictResult, error) {
	ctx, span := tracer.Start(ctx, "booking.CheckAppointmentConflict")
	defer span.End()

	if doctorID == "" || at.IsZero() {
		return ConflictResult{}, invalidArgument("doctorId and datetime are required")
	}

	buf := s.cfg.ConflictBuffer
	appts, err := s.store.FindActiveForDoctorBetween(ctx, doctorID, at.Add(-buf), at.Add(buf))
	if err != nil {
		return ConflictResult{}, fmt.Errorf("check appointment conflict: %w", err)
	}
	appts, err = s.liveAppointments(ctx, s.store, appts)
	if err != nil {
		return ConflictResult{}, fmt.Errorf("check appointment conflict: %w", err)
	}
	for i := range appts {
		a := &appts[i]
		if a.ID == excludeID {
			continue
		}
		if within(a.ScheduledAt, at, buf) {
			return ConflictResult{HasConflict: true, Conflicting: a}, nil
		}
	}
	return ConflictResult{}, nil
}

// liveAppointments drops the records that no longer count as active: the
// store filter has already kept pending and confirmed ones, and a pending
// record whose hold lapsed only counts while its slot still points at it.
func (s *Service) liveAppointments(ctx context.Context, days ScheduleRepository, appts []Appointment) ([]Appointment, error) {
	now := s.now()
	loaded := make(map[DayKey]*ScheduleDay)

	out := appts[:0]
	for i := range appts {
		a := appts[i]
		if !a.Status.Active() {
			continue
		}
		if a.Status == StatusPending && a.HoldExpiresAt != nil && !now.Before(*a.HoldExpiresAt) {
			key := DayKey{DoctorID: a.DoctorID, Date: a.Date}
			day, ok := loaded[key]
			if !ok {
				d, err := days.GetScheduleDay(ctx, a.DoctorID, a.Date)
				if err != nil && !errors.Is(err, ErrScheduleNotFound) {
					return nil, err
				}
				day = d
				loaded[key] = day
			}
			if holdLapsed(&a, day, now) {
				continue
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// holdLapsed reports a pending appointment whose hold expired and whose slot
// was released or handed to someone else. Such records are left behind by
// the reaper when it does not cancel orphans.
func holdLapsed(a *Appointment, day *ScheduleDay, now time.Time) bool {
	if a.Status != StatusPending || a.HoldExpiresAt == nil || now.Before(*a.HoldExpiresAt) {
		return false
	}
	if day == nil {
		return true
	}
	slot, ok := day.Slots[a.SlotID]
	return !ok || slot.Available || slot.AppointmentID != a.ID
}

func within(a, b time.Time, buf time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= buf
}
