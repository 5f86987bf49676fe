package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storyatlas/resolve-cli/internal/config"
	"github.com/storyatlas/resolve-cli/internal/store"
)

var cfg *config.Config

// exitCode lets commands report partial failure (2) distinctly from a
// hard error (1) without skipping deferred cleanup.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "resolve-cli",
	Short: "Tiered location resolution pipeline",
	Long:  "Classifies extracted place references into effort tiers, then resolves them to precise addresses via reasoning, web research, and a geocoder cascade.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// openStore opens the configured backend.
func openStore(cmd *cobra.Command) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(cmd.Context(), cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return store.NewSQLite(cfg.Store.Path)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
