package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/internal/config"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
)

func newHarvestCommand(flags *rootFlags) *cobra.Command {
	var date string
	opts := harvest.TriggerOptions{Trigger: harvest.TriggerManual}

	var cmd = &cobra.Command{
		Use:   "harvest",
		Short: "Harvests the due period once and waits for the run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date != "" {
				day, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
				opts.Now = day
			}

			c, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			h, err := config.Initialize(ctx, c, logger)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer h.Close(context.Background())

			orch := h.Orchestrator
			if err := orch.Start(ctx); err != nil {
				return err
			}
			defer orch.Shutdown(context.Background())

			run, err := orch.Trigger(ctx, opts)
			if err != nil {
				return err
			}
			if run == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing due")
				return nil
			}
			logger.Info("run created", zap.String("run_id", run.ID), zap.Int("jobs", run.TotalJobs))

			if err := orch.Wait(ctx, run.ID); err != nil {
				return err
			}
			run, err = orch.Run(ctx, run.ID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
			if run.Failed+run.Interrupted > 0 {
				return fmt.Errorf("run %s: %d failed, %d interrupted", run.ID, run.Failed, run.Interrupted)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Reference day (YYYY-MM-DD); the period before it is harvested")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Re-create failed and interrupted jobs")
	cmd.Flags().StringSliceVarP(&opts.Schedules, "schedule", "s", nil, "Schedules to evaluate (default all)")
	cmd.Flags().StringSliceVar(&opts.Credentials, "credential", nil, "Credentials to harvest (default all)")
	cmd.Flags().StringSliceVarP(&opts.Reports, "report", "r", nil, "Reports to harvest, replaces the schedule lists")
	return cmd
}
