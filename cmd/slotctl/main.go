package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-slot-reservation/internal/config"
	"github.com/hackgods/clinic-slot-reservation/internal/logging"
)

var (
	logger zerolog.Logger
	cfg    config.Config
)

var rootCmd = &cobra.Command{
	Use:   "slotctl",
	Short: "Operator tooling for clinic slot reservation",
	Long:  "slotctl runs schema migrations, one-off hold sweeps and integrity checks against the reservation store.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Env, cfg.LogLevel).With().Str("service", "slotctl").Logger()
	return nil
}
