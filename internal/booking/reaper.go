package booking

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	redisclient "github.com/hackgods/clinic-slot-reservation/internal/redis"
)

const orphanCancelReason = "hold expired"

type SweepResult struct {
	DaysScanned           int
	DaysReleased          int
	SlotsReleased         int
	AppointmentsCancelled int
	DaysFailed            int
	ShardsSkipped         int
}

// Reaper releases slots whose hold expired without confirmation. Days are
// grouped into per-doctor shards; each shard is processed under a
// distributed lock when a Locker is configured, so replicas never sweep the
// same doctor at once.
type Reaper struct {
	svc      *Service
	locker   redisclient.Locker
	logger   zerolog.Logger
	interval time.Duration
	jitter   time.Duration
	batch    int
	shuffle  func(n int, swap func(i, j int))
}

func NewReaper(svc *Service, locker redisclient.Locker) *Reaper {
	cfg := svc.cfg
	interval := cfg.ReaperInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batch := cfg.ReaperBatchSize
	if batch <= 0 {
		batch = 200
	}
	return &Reaper{
		svc:      svc,
		locker:   locker,
		logger:   svc.logger.With().Str("component", "hold_reaper").Logger(),
		interval: interval,
		jitter:   cfg.ReaperJitter,
		batch:    batch,
		shuffle:  rand.Shuffle,
	}
}

// Run sweeps once immediately and then every interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("shutdown signal received, stopping hold reaper")
			return ctx.Err()
		case <-ticker.C:
			if !r.sleepJitter(ctx) {
				return ctx.Err()
			}
			r.runOnce(ctx)
		}
	}
}

func (r *Reaper) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	if _, err := r.Sweep(runCtx); err != nil {
		r.logger.Error().Err(err).Msg("sweep failed")
	}
}

func (r *Reaper) sleepJitter(ctx context.Context) bool {
	if r.jitter <= 0 {
		return true
	}
	t := time.NewTimer(rand.N(r.jitter))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Sweep releases every expired hold once. It is idempotent: days without
// expired holds are never written. A failure on one day is logged and
// counted; the other days are still processed.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "booking.Reaper.Sweep")
	defer span.End()

	start := time.Now()
	var res SweepResult

	shards, order, err := r.collectShards(ctx)
	if err != nil {
		return res, fmt.Errorf("list held schedule days: %w", err)
	}

	r.shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, doctorID := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r.sweepShard(ctx, doctorID, shards[doctorID], &res)
	}

	elapsed := time.Since(start)
	r.svc.metrics.ObserveSweep(res.SlotsReleased, res.DaysFailed, elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("days_scanned", res.DaysScanned),
		attribute.Int("slots_released", res.SlotsReleased),
		attribute.Int("days_failed", res.DaysFailed),
	)

	r.logger.Info().
		Int("days_scanned", res.DaysScanned).
		Int("days_released", res.DaysReleased).
		Int("slots_released", res.SlotsReleased).
		Int("appointments_cancelled", res.AppointmentsCancelled).
		Int("days_failed", res.DaysFailed).
		Int("shards_skipped", res.ShardsSkipped).
		Dur("duration", elapsed).
		Msg("hold sweep complete")

	return res, nil
}

func (r *Reaper) collectShards(ctx context.Context) (map[string][]DayKey, []string, error) {
	shards := make(map[string][]DayKey)
	var order []string
	var after DayKey

	for {
		days, err := r.svc.store.ListHeldScheduleDays(ctx, after, r.batch)
		if err != nil {
			return nil, nil, err
		}
		for i := range days {
			key := days[i].Key()
			if _, ok := shards[key.DoctorID]; !ok {
				order = append(order, key.DoctorID)
			}
			shards[key.DoctorID] = append(shards[key.DoctorID], key)
			after = key
		}
		if len(days) < r.batch {
			return shards, order, nil
		}
	}
}

func (r *Reaper) sweepShard(ctx context.Context, doctorID string, keys []DayKey, res *SweepResult) {
	process := func(ctx context.Context) error {
		for _, key := range keys {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.DaysScanned++
			released, cancelled, err := r.releaseDay(ctx, key)
			if err != nil {
				res.DaysFailed++
				r.logger.Error().Err(err).Str("doctor_id", key.DoctorID).Str("date", key.Date).Msg("failed to release expired holds")
				continue
			}
			if released > 0 {
				res.DaysReleased++
				res.SlotsReleased += released
				res.AppointmentsCancelled += cancelled
			}
		}
		return nil
	}

	if r.locker == nil {
		_ = process(ctx)
		return
	}

	err := r.locker.WithLock(ctx, "reaper:doctor:"+doctorID, process)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		res.ShardsSkipped++
		r.logger.Debug().Str("doctor_id", doctorID).Msg("shard locked by another reaper, skipping")
	case err != nil:
		r.logger.Error().Err(err).Str("doctor_id", doctorID).Msg("shard sweep aborted")
	}
}

// releaseDay frees the expired holds of one day in a single write.
func (r *Reaper) releaseDay(ctx context.Context, key DayKey) (released, cancelled int, err error) {
	s := r.svc
	err = s.withRetry(ctx, "reap", func() error {
		released, cancelled = 0, 0
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			day, err := tx.GetScheduleDay(ctx, key.DoctorID, key.Date)
			if err != nil {
				return err
			}

			now := s.now()
			var owners []string
			for id, slot := range day.Slots {
				if !slot.HoldExpired(now) {
					continue
				}
				if slot.AppointmentID != "" {
					owners = append(owners, slot.AppointmentID)
				}
				slot.Available = true
				slot.HeldUntil = nil
				slot.AppointmentID = ""
				day.Slots[id] = slot
				released++
			}
			if released == 0 {
				return nil
			}

			if err := tx.SaveScheduleDay(ctx, day); err != nil {
				return err
			}

			for _, apptID := range owners {
				if err := s.logEvent(ctx, tx, apptID, EventHoldReleased, map[string]any{
					"doctor_id": key.DoctorID,
					"date":      key.Date,
				}); err != nil {
					return err
				}
				if !s.cfg.ReaperCancelOrphaned {
					continue
				}
				ok, err := r.cancelOrphan(ctx, tx, apptID, now)
				if err != nil {
					return err
				}
				if ok {
					cancelled++
				}
			}
			return nil
		})
	})
	return released, cancelled, err
}

func (r *Reaper) cancelOrphan(ctx context.Context, tx Tx, apptID string, now time.Time) (bool, error) {
	appt, err := tx.GetAppointment(ctx, apptID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return false, nil
		}
		return false, err
	}
	next, ok := NextStatus(appt.Status, TransitionCancel)
	if !ok || appt.Status != StatusPending {
		return false, nil
	}

	appt.Status = next
	appt.StatusReason = orphanCancelReason
	appt.UpdatedAt = now
	if err := tx.SaveAppointment(ctx, appt); err != nil {
		return false, err
	}
	if err := r.svc.logEvent(ctx, tx, appt.ID, EventAppointmentCancelled, map[string]any{
		"from":   StatusPending,
		"to":     next,
		"reason": orphanCancelReason,
	}); err != nil {
		return false, err
	}
	return true, nil
}
