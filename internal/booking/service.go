package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/hackgods/clinic-slot-reservation/internal/config"
)

const (
	EventAppointmentReserved  = "APPOINTMENT_RESERVED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentRejected  = "APPOINTMENT_REJECTED"
	EventAppointmentCheckedIn = "APPOINTMENT_CHECKED_IN"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventHoldReleased         = "HOLD_RELEASED"
)

var tracer = otel.Tracer("github.com/hackgods/clinic-slot-reservation/internal/booking")

// Metrics receives booking outcomes. internal/telemetry provides the
// Prometheus implementation.
type Metrics interface {
	ObserveReservation(outcome string)
	ObserveWriteConflict(op string)
	ObserveTransition(transition, outcome string)
	ObserveSweep(releasedSlots, failedDays int, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveReservation(string)        {}
func (noopMetrics) ObserveWriteConflict(string)      {}
func (noopMetrics) ObserveTransition(string, string) {}
func (noopMetrics) ObserveSweep(int, int, float64)   {}

type Service struct {
	store   Store
	cfg     config.Config
	loc     *time.Location
	logger  zerolog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewService(store Store, cfg config.Config, logger zerolog.Logger, metrics Metrics) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.HoldDuration <= 0 {
		cfg.HoldDuration = 2 * time.Minute
	}
	if cfg.ConflictBuffer <= 0 {
		cfg.ConflictBuffer = 30 * time.Minute
	}
	if cfg.ReserveRetries <= 0 {
		cfg.ReserveRetries = 5
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		loc:     cfg.Location(),
		logger:  logger.With().Str("component", "booking").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// GetAppointment loads an appointment by id.
func (s *Service) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	if id == "" {
		return nil, invalidArgument("appointment id is required")
	}
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// GetScheduleDay loads the schedule of a doctor for one date.
func (s *Service) GetScheduleDay(ctx context.Context, doctorID, date string) (*ScheduleDay, error) {
	if doctorID == "" || date == "" {
		return nil, invalidArgument("doctorId and date are required")
	}
	if _, err := parseDate(date); err != nil {
		return nil, invalidArgument(err.Error())
	}
	day, err := s.store.GetScheduleDay(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("get schedule day: %w", err)
	}
	return day, nil
}

// withRetry runs op until it stops returning ErrWriteConflict, the retry
// budget is spent or ctx ends.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.ReserveRetries)), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrWriteConflict) {
			s.metrics.ObserveWriteConflict(op)
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if errors.Is(err, ErrWriteConflict) {
		s.logger.Warn().Str("op", op).Msg("write conflict retries exhausted")
		return fmt.Errorf("%w: %s", ErrRetriesExhausted, op)
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, tx EventRepository, appointmentID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: s.now(),
	}
	if appointmentID != "" {
		apptID := appointmentID
		ev.AppointmentID = &apptID
	}

	if err := tx.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event %s: %w", eventType, err)
	}
	return nil
}
