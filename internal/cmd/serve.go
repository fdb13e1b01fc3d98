package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/internal/config"
	"github.com/ezpaarse-project/ezmesure-harvester/internal/server"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(flags *rootFlags) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduled harvests and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			h, err := config.Initialize(ctx, c, logger)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := h.Close(closeCtx); err != nil {
					logger.Error("close integrations", zap.Error(err))
				}
			}()

			orch := h.Orchestrator
			if err := orch.Start(ctx); err != nil {
				return err
			}

			loc, err := c.Location()
			if err != nil {
				return err
			}
			scheduler, err := newScheduler(ctx, orch, c.Schedules, loc, logger)
			if err != nil {
				return err
			}
			scheduler.Start()
			logger.Info("harvester started",
				zap.Int("schedules", len(scheduler.Entries())),
				zap.Int("workers", c.Harvest.Workers))

			if c.Server.Addr != "" {
				s := server.New(orch,
					server.WithLogger(logger),
					server.WithIntegrationStats(h.IntegrationStats),
				)
				go func() {
					if err := s.Start(ctx, c.Server.Addr); err != nil {
						logger.Error("control API error", zap.Error(err))
						stop()
					}
				}()
			}

			<-ctx.Done()
			logger.Info("shutting down")

			// wait for in-flight ticks before stopping the workers
			<-scheduler.Stop().Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return orch.Shutdown(shutdownCtx)
		},
	}
	return cmd
}

// newScheduler registers one cron entry per schedule that has a cron
// expression.
func newScheduler(ctx context.Context, orch *harvest.Orchestrator, schedules []harvest.Schedule, loc *time.Location, logger *zap.Logger) (*cron.Cron, error) {
	l := logger.Named("scheduler")
	scheduler := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{l.Sugar()}),
	)

	for _, s := range schedules {
		if s.Cron == "" {
			continue
		}
		name := s.Name
		_, err := scheduler.AddFunc(s.Cron, func() {
			run, err := orch.TickSchedule(ctx, name, time.Now())
			switch {
			case err != nil:
				l.Error("tick failed", zap.String("schedule", name), zap.Error(err))
			case run == nil:
				l.Debug("tick: nothing due", zap.String("schedule", name))
			default:
				l.Info("tick created run",
					zap.String("schedule", name),
					zap.String("run_id", run.ID),
					zap.Int("jobs", run.TotalJobs))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", name, err)
		}
		l.Info("schedule registered", zap.String("schedule", name), zap.String("cron", s.Cron))
	}
	return scheduler, nil
}

// cronLogger routes the cron library logs to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.s.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
