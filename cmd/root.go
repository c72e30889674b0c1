package cmd

import (
	"os"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmdiffstats/internal/config"
	"github.com/wegman-software/osmdiffstats/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
	source     string
	stateFile  string
	verbose    bool
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "osmdiffstats",
	Short: "Edit statistics from the OpenStreetMap replication feed",
	Long: `osmdiffstats follows an OpenStreetMap replication feed one sequence at a
time and aggregates every change file into per-second edit statistics.

Features:
  - Minutely, hourly and daily planet feeds or any custom replication URL
  - Counts per action and per user, written to JSON, Parquet or PostgreSQL
  - Lua filters to select which objects are counted
  - Prometheus metrics for feed lag and batch results`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = loaded

		flags := cmd.Flags()
		if flags.Changed("source") {
			cfg.Source = source
		}
		if flags.Changed("state-file") {
			cfg.StateFile = stateFile
		}
		if flags.Changed("verbose") {
			cfg.Verbose = verbose
		}
		if flags.Changed("log-file") {
			cfg.LogFile = logFile
		}

		logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&source, "source", "s", cfg.Source, "Replication source name or base URL")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state-file", cfg.StateFile, "Path to the local replication state file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
