// Package integrity cross-checks schedule slots against appointments and
// reports records that diverged. It never writes; expired holds are repaired
// by the reaper.
package integrity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

type Kind string

const (
	KindExpiredHold         Kind = "expired_hold"
	KindHoldWithoutOwner    Kind = "hold_without_appointment"
	KindHoldNotPending      Kind = "hold_owner_not_pending"
	KindBookedWithoutActive Kind = "booked_without_active_appointment"
	KindPendingWithoutHold  Kind = "pending_without_hold"
	KindMissingSchedule     Kind = "appointment_missing_schedule"
	KindMissingSlot         Kind = "appointment_missing_slot"
)

var severities = map[Kind]Severity{
	KindExpiredHold:         SeverityWarning,
	KindHoldWithoutOwner:    SeverityCritical,
	KindHoldNotPending:      SeverityCritical,
	KindBookedWithoutActive: SeverityWarning,
	KindPendingWithoutHold:  SeverityWarning,
	KindMissingSchedule:     SeverityCritical,
	KindMissingSlot:         SeverityCritical,
}

type Finding struct {
	Kind          Kind     `json:"kind"`
	Severity      Severity `json:"severity"`
	DoctorID      string   `json:"doctorId"`
	Date          string   `json:"date"`
	SlotID        string   `json:"slotId,omitempty"`
	AppointmentID string   `json:"appointmentId,omitempty"`
	Detail        string   `json:"detail"`
}

type Report struct {
	CheckedAt           time.Time `json:"checkedAt"`
	DaysChecked         int       `json:"daysChecked"`
	AppointmentsChecked int       `json:"appointmentsChecked"`
	Findings            []Finding `json:"findings"`
}

func (r Report) Count(s Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// Source is the read side of booking.Store the checker needs.
type Source interface {
	ListScheduleDays(ctx context.Context, after booking.DayKey, limit int) ([]booking.ScheduleDay, error)
	ListAppointments(ctx context.Context, afterID string, limit int) ([]booking.Appointment, error)
}

type Checker struct {
	src    Source
	logger zerolog.Logger
	batch  int
	now    func() time.Time
}

func NewChecker(src Source, logger zerolog.Logger) *Checker {
	return &Checker{
		src:    src,
		logger: logger.With().Str("component", "integrity").Logger(),
		batch:  500,
		now:    time.Now,
	}
}

// Check loads every schedule day and appointment and reports divergences.
// Records are read page by page without a transaction, so writes racing the
// check can surface as transient findings.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	rep := Report{CheckedAt: c.now()}

	days, err := c.loadDays(ctx)
	if err != nil {
		return rep, err
	}
	appts, err := c.loadAppointments(ctx)
	if err != nil {
		return rep, err
	}
	rep.DaysChecked = len(days)
	rep.AppointmentsChecked = len(appts)

	add := func(kind Kind, doctorID, date, slotID, apptID, detail string) {
		rep.Findings = append(rep.Findings, Finding{
			Kind:          kind,
			Severity:      severities[kind],
			DoctorID:      doctorID,
			Date:          date,
			SlotID:        slotID,
			AppointmentID: apptID,
			Detail:        detail,
		})
	}

	for key, day := range days {
		for slotID, slot := range day.Slots {
			switch {
			case slot.Held():
				if slot.HoldExpired(rep.CheckedAt) {
					add(KindExpiredHold, key.DoctorID, key.Date, slotID, slot.AppointmentID,
						fmt.Sprintf("hold expired at %s and was not released", slot.HeldUntil.Format(time.RFC3339)))
				}
				owner, ok := appts[slot.AppointmentID]
				switch {
				case !ok:
					add(KindHoldWithoutOwner, key.DoctorID, key.Date, slotID, slot.AppointmentID, "held slot has no appointment")
				case owner.Status != booking.StatusPending:
					add(KindHoldNotPending, key.DoctorID, key.Date, slotID, slot.AppointmentID,
						fmt.Sprintf("held slot belongs to a %s appointment", owner.Status))
				}
			case slot.Booked():
				owner, ok := appts[slot.AppointmentID]
				if !ok || !bookedStatus(owner.Status) {
					detail := "booked slot has no appointment"
					if ok {
						detail = fmt.Sprintf("booked slot belongs to a %s appointment", owner.Status)
					}
					add(KindBookedWithoutActive, key.DoctorID, key.Date, slotID, slot.AppointmentID, detail)
				}
			}
		}
	}

	for id, a := range appts {
		day, ok := days[booking.DayKey{DoctorID: a.DoctorID, Date: a.Date}]
		if !ok {
			if a.Status.Active() {
				add(KindMissingSchedule, a.DoctorID, a.Date, a.SlotID, id, "appointment references a missing schedule day")
			}
			continue
		}
		slot, ok := day.Slots[a.SlotID]
		if !ok {
			if a.Status.Active() {
				add(KindMissingSlot, a.DoctorID, a.Date, a.SlotID, id, "appointment references a missing slot")
			}
			continue
		}
		if a.Status == booking.StatusPending && (!slot.Held() || slot.AppointmentID != id) {
			add(KindPendingWithoutHold, a.DoctorID, a.Date, a.SlotID, id, "pending appointment no longer holds its slot")
		}
	}

	sort.Slice(rep.Findings, func(i, j int) bool {
		a, b := rep.Findings[i], rep.Findings[j]
		if a.DoctorID != b.DoctorID {
			return a.DoctorID < b.DoctorID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.SlotID != b.SlotID {
			return a.SlotID < b.SlotID
		}
		return a.Kind < b.Kind
	})

	c.logger.Info().
		Int("days_checked", rep.DaysChecked).
		Int("appointments_checked", rep.AppointmentsChecked).
		Int("critical", rep.Count(SeverityCritical)).
		Int("warnings", rep.Count(SeverityWarning)).
		Msg("integrity check complete")

	return rep, nil
}

// bookedStatus reports whether a booked slot may legitimately belong to an
// appointment in status s.
func bookedStatus(s booking.AppointmentStatus) bool {
	return s == booking.StatusConfirmed || s == booking.StatusCheckedIn || s == booking.StatusCompleted
}

func (c *Checker) loadDays(ctx context.Context) (map[booking.DayKey]booking.ScheduleDay, error) {
	out := make(map[booking.DayKey]booking.ScheduleDay)
	var after booking.DayKey
	for {
		page, err := c.src.ListScheduleDays(ctx, after, c.batch)
		if err != nil {
			return nil, fmt.Errorf("list schedule days: %w", err)
		}
		for _, d := range page {
			out[d.Key()] = d
			after = d.Key()
		}
		if len(page) < c.batch {
			return out, nil
		}
	}
}

func (c *Checker) loadAppointments(ctx context.Context) (map[string]booking.Appointment, error) {
	out := make(map[string]booking.Appointment)
	var after string
	for {
		page, err := c.src.ListAppointments(ctx, after, c.batch)
		if err != nil {
			return nil, fmt.Errorf("list appointments: %w", err)
		}
		for _, a := range page {
			out[a.ID] = a
			after = a.ID
		}
		if len(page) < c.batch {
			return out, nil
		}
	}
}
