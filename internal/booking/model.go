package booking

import (
	"fmt"
	"time"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCheckedIn AppointmentStatus = "checked-in"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusRejected  AppointmentStatus = "rejected"
)

// Active statuses count towards duplicate and conflict checks.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn, StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// WorkingHours is one weekday entry of a doctor's weekly schedule.
type WorkingHours struct {
	Open  bool   `json:"open"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Doctor struct {
	ID           string
	Name         string
	Specialty    string
	WorkingHours map[string]WorkingHours // keyed by time.Weekday.String()
}

// Closure overrides normal working hours for one date.
type Closure struct {
	DoctorID string
	Date     string
	Reason   string
}

// SlotState is one bookable unit inside a ScheduleDay.
// HeldUntil is set only while the slot is under an unconfirmed hold.
type SlotState struct {
	Time          string     `json:"time"`
	Available     bool       `json:"available"`
	HeldUntil     *time.Time `json:"heldUntil,omitempty"`
	AppointmentID string     `json:"appointmentId,omitempty"`
}

// Held reports whether the slot is under an unconfirmed hold, expired or not.
func (s SlotState) Held() bool {
	return !s.Available && s.HeldUntil != nil
}

// HoldExpired reports whether the hold has reached its expiry at now.
// A hold placed at T0 with duration H is active for [T0, T0+H).
func (s SlotState) HoldExpired(now time.Time) bool {
	return s.Held() && !now.Before(*s.HeldUntil)
}

// Booked reports whether the slot is claimed by a confirmed appointment.
func (s SlotState) Booked() bool {
	return !s.Available && s.HeldUntil == nil
}

type ScheduleDay struct {
	DoctorID  string
	Date      string
	Slots     map[string]SlotState
	Version   int64
	UpdatedAt time.Time
}

func (d *ScheduleDay) Key() DayKey {
	return DayKey{DoctorID: d.DoctorID, Date: d.Date}
}

func (d *ScheduleDay) clone() *ScheduleDay {
	cp := *d
	cp.Slots = make(map[string]SlotState, len(d.Slots))
	for id, s := range d.Slots {
		if s.HeldUntil != nil {
			t := *s.HeldUntil
			s.HeldUntil = &t
		}
		cp.Slots[id] = s
	}
	return &cp
}

// DayKey identifies a ScheduleDay. It orders by doctor then date for paging.
type DayKey struct {
	DoctorID string
	Date     string
}

func (k DayKey) String() string {
	return k.DoctorID + "/" + k.Date
}

func (k DayKey) Less(o DayKey) bool {
	if k.DoctorID != o.DoctorID {
		return k.DoctorID < o.DoctorID
	}
	return k.Date < o.Date
}

type MedicalHistory struct {
	Allergies   []string `json:"allergies,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
}

type Appointment struct {
	ID             string
	PatientID      string
	DoctorID       string
	Date           string
	SlotID         string
	Time           string
	ScheduledAt    time.Time
	Status         AppointmentStatus
	MedicalHistory MedicalHistory
	Reason         string
	Notes          string
	Diagnosis      string
	Prescription   string
	StatusReason   string
	HoldExpiresAt  *time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a *Appointment) clone() *Appointment {
	cp := *a
	if a.HoldExpiresAt != nil {
		t := *a.HoldExpiresAt
		cp.HoldExpiresAt = &t
	}
	cp.MedicalHistory = MedicalHistory{
		Allergies:   append([]string(nil), a.MedicalHistory.Allergies...),
		Medications: append([]string(nil), a.MedicalHistory.Medications...),
		Conditions:  append([]string(nil), a.MedicalHistory.Conditions...),
	}
	return &cp
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *string
	Payload       []byte
	CreatedAt     time.Time
}

// parseDate validates a YYYY-MM-DD calendar date.
func parseDate(date string) (time.Time, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed date %q", date)
	}
	return d, nil
}

// scheduledAt combines a calendar date and an HH:MM slot time in loc.
func scheduledAt(date, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed slot time %q on %s", clock, date)
	}
	return t, nil
}
