package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyatlas/resolve-cli/internal/store"
)

var purgeOlderThan time.Duration

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the lookup cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cache entries older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		n, err := st.PurgeCache(cmd.Context(), purgeOlderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d cache entries.\n", n)
		return nil
	},
}

func init() {
	cachePurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", store.DefaultCacheTTL,
		"delete entries cached longer ago than this (e.g. 168h)")
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
