package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chatrelay/pkg/coordinator"
	"github.com/pario-ai/chatrelay/pkg/models"
)

func newAskCmd(flags *rootFlags) *cobra.Command {
	var (
		sessionID   string
		newConv     bool
		bypassCache bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and print the JSON response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

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

			resp, err := a.coord.Ask(ctx, models.AskRequest{
				Question:        strings.Join(args, " "),
				SessionID:       sessionID,
				NewConversation: newConv,
				BypassCache:     bypassCache,
			})

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err != nil {
				var ce *coordinator.Error
				if errors.As(err, &ce) {
					_ = enc.Encode(map[string]any{
						"error":               ce.Kind.String(),
						"status":              ce.Err.Error(),
						"performance_metrics": ce.Metrics,
					})
				}
				return err
			}
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (generated when empty)")
	cmd.Flags().BoolVar(&newConv, "new", false, "start a new conversation")
	cmd.Flags().BoolVar(&bypassCache, "bypass-cache", false, "skip the cache lookup")
	return cmd
}
