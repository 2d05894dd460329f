package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartenergy/schedulerd/config"
	"github.com/smartenergy/schedulerd/core/schedule"
	"github.com/smartenergy/schedulerd/infra/logger"
	"github.com/smartenergy/schedulerd/infra/postgres"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Evaluate the schedule for the current minute and exit",
	RunE:  runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

// runTick performs a single schedule evaluation without starting the
// dispatcher. Enqueued commands are picked up by the running service; the
// idempotency key makes overlapping with it harmless.
func runTick(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logg := logger.New("tick-command")
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database pool: %w", err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	runner := schedule.NewRunner(
		postgres.NewScheduleRepo(pool),
		postgres.NewMeasurementRepo(pool),
		postgres.NewCommandStore(pool),
		postgres.NewAuditStore(pool),
		nil,
		nil,
		logg,
	)
	at := time.Now().UTC()
	if err := runner.Tick(ctx, at); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	logg.Infof("evaluated schedule for %s", at.Truncate(time.Minute).Format(time.RFC3339))
	return nil
}
