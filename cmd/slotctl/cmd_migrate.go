package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-slot-reservation/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Mark the schema as being at version without running migrations",
	Long: `Clears the dirty flag left by a failed migration. Fix the schema by hand
first, then force the version it is actually at.`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrateForce,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE:  runMigrateVersion,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateForceCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func openMigrator() (*db.Migrator, error) {
	if err := loadConfig(); err != nil {
		return nil, err
	}
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	return db.NewMigrator(cfg.PostgresDSN)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	m, err := openMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	logger.Info().Msg("applying migrations")
	if err := m.Up(); err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrations applied")
	return nil
}

func runMigrateForce(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[0], err)
	}

	m, err := openMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Force(version); err != nil {
		return err
	}
	logger.Warn().Int("version", version).Msg("schema version forced")
	return nil
}

func runMigrateVersion(cmd *cobra.Command, args []string) error {
	m, err := openMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
	return nil
}
