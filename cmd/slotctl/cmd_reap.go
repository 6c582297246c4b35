package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-slot-reservation/internal/app"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release expired holds once and print the sweep result",
	Long: `Runs a single hold sweep with the same shard locks the hold-reaper uses,
so it is safe to run while reaper replicas are live.`,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
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

	res, err := a.Reaper.Sweep(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
