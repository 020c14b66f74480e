package main

import (
	"fmt"

	"github.com/spf13/cobra"

	cachepkg "github.com/pario-ai/chatrelay/pkg/cache/sqlite"
)

func newCacheCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	open := func() (*cachepkg.Cache, error) {
		cfg, logger, err := loadConfig(flags)
		if err != nil {
			return nil, err
		}
		return cachepkg.New(cachepkg.Options{
			Path:       cfg.DBPath,
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
			Logger:     logger,
		})
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\n", stats.Entries)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Clear(cmd.Context(), expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Println("Expired cache entries cleared.")
			} else {
				fmt.Println("All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	evictCmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove expired entries and trim the cache to max_entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Evict(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Evicted %d entries.\n", n)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, clearCmd, evictCmd)
	return cmd
}
