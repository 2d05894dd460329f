package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartenergy/schedulerd/config"
	"github.com/smartenergy/schedulerd/core/dispatch"
	"github.com/smartenergy/schedulerd/infra/logger"
	"github.com/smartenergy/schedulerd/infra/postgres"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Time out commands past their ack deadline and exit",
	RunE:  runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logg := logger.New("reap-command")
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database pool: %w", err)
	}
	defer pool.Close()

	store := postgres.NewCommandStore(pool)
	reaper := dispatch.NewReaper(store, postgres.NewAuditStore(pool), nil, nil, logg, cfg.Dispatch)
	total, err := reaper.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	logg.Infof("timed out %d commands", total)
	return nil
}
