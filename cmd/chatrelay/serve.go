package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chatrelay/pkg/server"
	"github.com/pario-ai/chatrelay/pkg/worker"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chatrelay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			sched := worker.NewScheduler(logger)
			jobs := []worker.Job{
				&worker.KeepAliveJob{
					Workers:      a.workers,
					Conns:        a.conns,
					Logger:       logger,
					ScheduleExpr: cfg.Workers.KeepAliveSchedule,
				},
				&worker.EvictionJob{
					Workers:      a.workers,
					Cache:        a.evicter(),
					Sessions:     a.sessions,
					IdleTTL:      cfg.Session.IdleTTL,
					Logger:       logger,
					ScheduleExpr: cfg.Workers.EvictionSchedule,
				},
			}
			for _, j := range jobs {
				if err := sched.RegisterJob(j); err != nil {
					_ = a.close(context.Background())
					return fmt.Errorf("register job: %w", err)
				}
			}
			if err := sched.Start(); err != nil {
				_ = a.close(context.Background())
				return fmt.Errorf("start scheduler: %w", err)
			}

			// open the minimum idle connections before the first request arrives
			a.workers.Enqueue(worker.KeepAliveTask(a.conns, logger))

			srv := server.New(cfg.Listen, server.Deps{
				Asker:    a.coord,
				Metrics:  a.metrics,
				Pool:     a.conns,
				Cache:    a.cache,
				Workers:  a.workers,
				Sessions: a.sessions,
				Gatherer: a.registry,
				Logger:   logger,
			})

			logger.Info("starting chatrelay", "config", flags.configPath, "provider", cfg.Provider.Type, "pool_capacity", cfg.Pool.Capacity)
			serveErr := srv.ListenAndServe(ctx)

			sched.Stop()
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.close(closeCtx); err != nil {
				logger.Error("shutdown", "error", err)
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address; overrides config")
	return cmd
}
