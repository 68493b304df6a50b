package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/logging"
)

var version = "v1.2.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pointlake",
		Short: "Tiered time-series lake for building sensor data",
		Long: `pointlake keeps building sensor readings queryable forever without an
ever-growing database: recent days live in a hot Postgres tier, complete
days past the hot window are archived as immutable parquet day files on
S3, and range queries merge both tiers behind one API.

Commands either run the long-lived service (serve) or execute a single
worker pass for cron and operational use (sync, archive, backfill).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (environment overrides apply on top)")

	rootCmd.AddCommand(
		serveCmd(),
		syncCmd(),
		archiveCmd(),
		backfillCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pointlake version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pointlake %s\n", version)
		},
	}
}

// loadConfig reads the file named by --config plus the environment and
// points the global logger at the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel)
	return cfg, nil
}
