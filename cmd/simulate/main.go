package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-reservation/internal/api"
	"github.com/hackgods/clinic-slot-reservation/internal/auth"
	"github.com/hackgods/clinic-slot-reservation/internal/booking"
	"github.com/hackgods/clinic-slot-reservation/internal/config"
	"github.com/hackgods/clinic-slot-reservation/internal/db"
	"github.com/hackgods/clinic-slot-reservation/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ReserveRatio float64
	ConfirmRatio float64
	ReadRatio    float64
	Patients     int
	SlotLimit    int
	HotSlot      bool // every worker races for the same slot once
}

type target struct {
	DoctorID string
	Date     string
	SlotID   string
}

type holding struct {
	AppointmentID string
	PatientToken  string
}

type DataPool struct {
	Targets  []target
	Patients []string // bearer tokens

	mu       sync.RWMutex
	holdings []holding
}

func (dp *DataPool) AddHolding(h holding) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.holdings = append(dp.holdings, h)
}

func (dp *DataPool) RandomHolding() (holding, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.holdings) == 0 {
		return holding{}, false
	}
	return dp.holdings[rand.IntN(len(dp.holdings))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	SlotTaken int64
	Rejected  int64 // other 4xx outcomes: duplicate, closed, hold expired
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSlotTaken
	outcomeRejected
	outcomeError
)

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch o {
	case outcomeSuccess:
		atomic.AddInt64(&om.Success, 1)
	case outcomeSlotTaken:
		atomic.AddInt64(&om.SlotTaken, 1)
	case outcomeRejected:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pick(50), pick(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Reserve  OperationMetrics
	Confirm  OperationMetrics
	ReadByID OperationMetrics
	Schedule OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(baseCfg.Env, baseCfg.LogLevel).With().Str("service", "simulate").Logger()

	cfg := loadConfig()
	if err := validateConfig(cfg, baseCfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("reserve", cfg.ReserveRatio).
		Float64("confirm", cfg.ConfirmRatio).
		Float64("read", cfg.ReadRatio).
		Bool("hot_slot", cfg.HotSlot).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, db.PoolOptions{MaxConns: 2}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, booking.NewPgStore(pgPool), auth.NewVerifier(baseCfg.JWTSecret), cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("patients", len(dataPool.Patients)).Int("slots", len(dataPool.Targets)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	if cfg.HotSlot {
		sim.RunHotSlot()
	} else {
		sim.Run()
	}
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		ReserveRatio: getFloat("SIM_RESERVE_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		Patients:     getInt("SIM_PATIENTS", 500),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 2000),
		HotSlot:      getBool("SIM_HOT_SLOT", false),
	}

	total := cfg.ReserveRatio + cfg.ConfirmRatio + cfg.ReadRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.ConfirmRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig, base config.Config) error {
	if base.StoreDriver != config.StorePostgres {
		return errors.New("simulate reads targets from postgres, set STORE_DRIVER=postgres")
	}
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 {
		return errors.New("SIM_PATIENTS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, store *booking.PgStore, verifier *auth.Verifier, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	var after booking.DayKey
	for len(dp.Targets) < cfg.SlotLimit {
		days, err := store.ListScheduleDays(ctx, after, 200)
		if err != nil {
			return nil, fmt.Errorf("list schedule days: %w", err)
		}
		if len(days) == 0 {
			break
		}
		for _, day := range days {
			for id, slot := range day.Slots {
				if slot.Available && len(dp.Targets) < cfg.SlotLimit {
					dp.Targets = append(dp.Targets, target{DoctorID: day.DoctorID, Date: day.Date, SlotID: id})
				}
			}
		}
		after = days[len(days)-1].Key()
	}
	if len(dp.Targets) == 0 {
		return nil, errors.New("no available slots, run cmd/seed first")
	}

	for i := 0; i < cfg.Patients; i++ {
		tok, err := verifier.Sign(auth.Caller{Subject: "sim-" + uuid.NewString(), Role: auth.RolePatient}, cfg.Duration+time.Hour)
		if err != nil {
			return nil, fmt.Errorf("sign patient token: %w", err)
		}
		dp.Patients = append(dp.Patients, tok)
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

// RunHotSlot releases every worker at once against the first target. Exactly
// one reservation should succeed.
func (s *Simulator) RunHotSlot() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	t := s.pool.Targets[0]
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		token := s.pool.Patients[i%len(s.pool.Patients)]
		go func() {
			defer wg.Done()
			<-start
			s.doReserve(ctx, t, token)
		}()
	}
	close(start)
	wg.Wait()

	winners := atomic.LoadInt64(&s.metrics.Reserve.Success)
	if winners != 1 {
		s.logger.Error().Int64("winners", winners).Str("slot", t.SlotID).Msg("hot slot produced an unexpected number of winners")
		return
	}
	s.logger.Info().Str("doctor_id", t.DoctorID).Str("date", t.Date).Str("slot", t.SlotID).Msg("hot slot had exactly one winner")
}

func (s *Simulator) worker(ctx context.Context) {
	for ctx.Err() == nil {
		r := rand.Float64()
		switch {
		case r < s.config.ReserveRatio:
			t := s.pool.Targets[rand.IntN(len(s.pool.Targets))]
			s.doReserve(ctx, t, s.pool.Patients[rand.IntN(len(s.pool.Patients))])
		case r < s.config.ReserveRatio+s.config.ConfirmRatio:
			s.doConfirm(ctx)
		default:
			if rand.IntN(2) == 0 {
				s.doReadByID(ctx)
			} else {
				s.doReadSchedule(ctx)
			}
		}
	}
}

func (s *Simulator) do(ctx context.Context, method, path, token string, body any) (*http.Response, time.Duration, error) {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, payload)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := s.client.Do(req)
	return resp, time.Since(start), err
}

func classify(resp *http.Response, okStatus int) outcome {
	if resp.StatusCode == okStatus {
		return outcomeSuccess
	}
	if resp.StatusCode == http.StatusConflict {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Details == booking.ErrSlotTaken.Message {
			return outcomeSlotTaken
		}
		return outcomeRejected
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return outcomeRejected
	}
	return outcomeError
}

func (s *Simulator) doReserve(ctx context.Context, t target, token string) {
	resp, latency, err := s.do(ctx, http.MethodPost, "/reservations", token, api.ReserveRequest{
		DoctorID: t.DoctorID,
		Date:     t.Date,
		SlotID:   t.SlotID,
		Reason:   "load test",
	})
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Reserve.Record(latency, outcomeError)
		}
		return
	}
	defer resp.Body.Close()

	o := classify(resp, http.StatusCreated)
	if o == outcomeSuccess {
		var res api.ReservationResponse
		if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.AppointmentID != "" {
			s.pool.AddHolding(holding{AppointmentID: res.AppointmentID, PatientToken: token})
		}
	}
	s.metrics.Reserve.Record(latency, o)
}

func (s *Simulator) doConfirm(ctx context.Context) {
	h, ok := s.pool.RandomHolding()
	if !ok {
		return
	}
	resp, latency, err := s.do(ctx, http.MethodPost, "/appointments/"+h.AppointmentID+"/confirm", h.PatientToken, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Confirm.Record(latency, outcomeError)
		}
		return
	}
	defer resp.Body.Close()
	s.metrics.Confirm.Record(latency, classify(resp, http.StatusOK))
}

func (s *Simulator) doReadByID(ctx context.Context) {
	h, ok := s.pool.RandomHolding()
	if !ok {
		return
	}
	resp, latency, err := s.do(ctx, http.MethodGet, "/appointments/"+h.AppointmentID, h.PatientToken, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.ReadByID.Record(latency, outcomeError)
		}
		return
	}
	defer resp.Body.Close()
	s.metrics.ReadByID.Record(latency, classify(resp, http.StatusOK))
}

func (s *Simulator) doReadSchedule(ctx context.Context) {
	t := s.pool.Targets[rand.IntN(len(s.pool.Targets))]
	token := s.pool.Patients[rand.IntN(len(s.pool.Patients))]
	resp, latency, err := s.do(ctx, http.MethodGet, "/schedules/"+t.DoctorID+"/"+t.Date, token, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Schedule.Record(latency, outcomeError)
		}
		return
	}
	defer resp.Body.Close()
	s.metrics.Schedule.Record(latency, classify(resp, http.StatusOK))
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Read schedule", &s.metrics.Schedule)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	success := atomic.LoadInt64(&om.Success)
	taken := atomic.LoadInt64(&om.SlotTaken)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if taken > 0 {
		fmt.Printf("  Slot taken: %d (%.1f%%)\n", taken, pct(taken))
	}
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, pct(rejected))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
