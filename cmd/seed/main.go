package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
	"github.com/hackgods/clinic-slot-reservation/internal/config"
	"github.com/hackgods/clinic-slot-reservation/internal/db"
	"github.com/hackgods/clinic-slot-reservation/internal/logging"
	"github.com/hackgods/clinic-slot-reservation/internal/seed"
)

var (
	doctors     int
	days        int
	startDate   string
	slotMinutes int
	closureRate float64
	seedValue   uint64
)

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate Postgres with doctors, closures and open schedule days",
	Long: `Generates doctors with weekly working hours and one fully available
schedule day per open date. Existing schedule days are never overwritten, so
the command can be rerun against a live database.`,
	SilenceUsage: true,
	RunE:         runSeed,
}

func init() {
	rootCmd.Flags().IntVarP(&doctors, "doctors", "d", 100, "Number of doctors")
	rootCmd.Flags().IntVar(&days, "days", 14, "Number of consecutive dates to schedule")
	rootCmd.Flags().StringVar(&startDate, "start", "", "First date (YYYY-MM-DD), defaults to today")
	rootCmd.Flags().IntVar(&slotMinutes, "slot-minutes", 30, "Slot length in minutes")
	rootCmd.Flags().Float64Var(&closureRate, "closure-rate", 0.05, "Share of open dates turned into closures")
	rootCmd.Flags().Uint64Var(&seedValue, "seed", 0, "Random seed, 0 picks one")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("seed writes to postgres, STORE_DRIVER is %q", cfg.StoreDriver)
	}
	logger := logging.Setup(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()

	start := time.Now().In(cfg.Location())
	if startDate != "" {
		start, err = time.ParseInLocation(booking.DateLayout, startDate, cfg.Location())
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConn}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	ds := seed.Generate(seed.Options{
		Doctors:     doctors,
		Days:        days,
		Start:       start,
		SlotMinutes: slotMinutes,
		ClosureRate: closureRate,
		Seed:        seedValue,
	})
	logger.Info().
		Int("doctors", len(ds.Doctors)).
		Int("closures", len(ds.Closures)).
		Int("schedule_days", len(ds.Days)).
		Msg("seeding")

	st, err := seed.Load(ctx, booking.NewPgStore(pool), ds)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	logger.Info().
		Int("doctors", st.Doctors).
		Int("closures", st.Closures).
		Int("days_created", st.DaysCreated).
		Int("days_kept", st.DaysKept).
		Msg("seed complete")
	return nil
}
