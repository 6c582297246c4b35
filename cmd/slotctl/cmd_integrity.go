package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-slot-reservation/internal/app"
	"github.com/hackgods/clinic-slot-reservation/internal/integrity"
)

var integrityFailOnWarning bool

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Cross-check schedule slots against appointments",
	Long: `Reads every schedule day and appointment and prints the divergences as a
JSON report. Exits non-zero when critical findings are present.

Expired holds are reported as warnings; run "slotctl reap" to release them.`,
	RunE: runIntegrity,
}

func init() {
	integrityCmd.Flags().BoolVarP(&integrityFailOnWarning, "strict", "s", false, "Also exit non-zero on warnings")
	rootCmd.AddCommand(integrityCmd)
}

func runIntegrity(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := integrity.NewChecker(a.Store, logger).Check(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}

	critical := rep.Count(integrity.SeverityCritical)
	warnings := rep.Count(integrity.SeverityWarning)
	logger.Info().
		Int("days", rep.DaysChecked).
		Int("appointments", rep.AppointmentsChecked).
		Int("critical", critical).
		Int("warnings", warnings).
		Msg("integrity check complete")

	if critical > 0 || (integrityFailOnWarning && warnings > 0) {
		return fmt.Errorf("integrity check found %d critical and %d warning findings", critical, warnings)
	}
	return nil
}
