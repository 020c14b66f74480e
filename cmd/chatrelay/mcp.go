package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chatrelay/pkg/mcp"
)

func newMCPCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve chatrelay as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.close(closeCtx); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()

			deps := mcp.Deps{
				Asker:   a.coord,
				History: a.sessions,
				Metrics: a.metrics,
				Logger:  logger,
			}
			if a.cache != nil {
				deps.Cache = a.cache
			}
			return mcp.New(deps, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
