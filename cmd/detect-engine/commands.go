package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-detect/internal/api"
	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/scheduler"
	"github.com/miradorstack/mirador-detect/internal/services"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution loop and the admin gRPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, stop, *configPath)
		},
	}
}

func serve(ctx context.Context, stop context.CancelFunc, configPath string) error {
	a, err := loadApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg
	logger.Info("starting mirador-detect", slog.String("address", cfg.Server.Address), slog.String("queue", cfg.Store.QueueName))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	svc := services.NewSchedulerService(logger, a.scheduler, a.jobs, a.orchestrator)
	server, err := api.NewServer(cfg.Server, svc, logger)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	loop := scheduler.NewExecutionLoop(a.scheduler, a.queue, a.orchestrator, nil, scheduler.LoopConfig{
		Delay:         cfg.Scheduler.ExecutionDelay,
		Workers:       cfg.Scheduler.Workers,
		BackfillOnLag: cfg.Scheduler.BackfillOnLag,
	}, logger)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("execution loop exited", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		logger.Warn("execution loop did not stop before the graceful timeout")
	}
	logger.Info("mirador-detect stopped")
	return nil
}

func newScheduleCommand(configPath *string) *cobra.Command {
	var jobID int64
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Queue a job for its next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			times, err := a.scheduler.ScheduleJobByID(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d scheduled: run at %s, query end %s\n", jobID,
				utils.FromEpochMinutes(times.RunTime).Format(time.RFC3339),
				utils.FromEpochMinutes(times.QueryTime).Format(time.RFC3339))
			return nil
		},
	}
	requireJobID(cmd, &jobID)
	return cmd
}

func newStopCommand(configPath *string) *cobra.Command {
	var jobID int64
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Remove a job from the queue and mark it stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.scheduler.StopJob(cmd.Context(), jobID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d stopped\n", jobID)
			return nil
		},
	}
	requireJobID(cmd, &jobID)
	return cmd
}

func newPeekCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "peek",
		Short: "Count the jobs that are due now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.scheduler.PeekQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newBackfillCommand(configPath *string) *cobra.Command {
	var (
		jobID      int64
		start, end string
	)
	cmd := &cobra.Command{
		Use:     "backfill",
		Short:   "Re-run detection for a job over a historical window",
		Example: "  detect-engine backfill --job-id 12 --start 2024-05-01T00:00 --end 2024-05-02T00:00",
		RunE: func(cmd *cobra.Command, args []string) error {
			startTime, err := utils.ParseCLITime(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			endTime, err := utils.ParseCLITime(end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if !endTime.After(startTime) {
				return fmt.Errorf("--end must be after --start")
			}

			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			job, err := a.jobs.GetJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			report, err := a.orchestrator.Backfill(cmd.Context(), job, startTime.UTC(), endTime.UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "buckets=%d failed=%d findings=%d\n", report.Buckets, report.Failed, report.Findings)
			return nil
		},
	}
	requireJobID(cmd, &jobID)
	cmd.Flags().StringVar(&start, "start", "", "window start, yyyy-MM-ddTHH:mm (UTC)")
	cmd.Flags().StringVar(&end, "end", "", "window end, yyyy-MM-ddTHH:mm (UTC)")
	for _, name := range []string{"start", "end"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func requireJobID(cmd *cobra.Command, jobID *int64) {
	cmd.Flags().Int64Var(jobID, "job-id", 0, "job id")
	if err := cmd.MarkFlagRequired("job-id"); err != nil {
		panic(err)
	}
}
