package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmdiffstats/internal/config"
	"github.com/wegman-software/osmdiffstats/internal/flex"
	"github.com/wegman-software/osmdiffstats/internal/logger"
	"github.com/wegman-software/osmdiffstats/internal/metrics"
	"github.com/wegman-software/osmdiffstats/internal/replication"
	"github.com/wegman-software/osmdiffstats/internal/stats"
)

// run flags are bound to a scratch config and copied into cfg when set
var runFlags = config.DefaultConfig()

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the replication feed and aggregate edit statistics",
	Long: `Start the replication loop. For every sequence the change file is
downloaded, decoded and aggregated, then the loop waits until the next
sequence is due and advances the state file.

Each batch is counted per second and action, and per second and user:
  - --json-output writes the action counts of the latest batch (current.json)
  - --parquet-dir writes one stats-<sequence>.parquet file per batch
  - --db-name accumulates all counts in <schema>.osm_edit_stats

Use --filter to count only the objects a Lua filter(object) function accepts.
Run 'init' first to create the state file. Stop with Ctrl+C.`,
	Run: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.DurationVar(&runFlags.Interval, "interval", 0, "Time between sequences (0 = interval of the source)")
	f.DurationVar(&runFlags.Skew, "skew", runFlags.Skew, "Extra wait for the feed's publication lag")
	f.DurationVar(&runFlags.StateRetryDelay, "state-retry-delay", runFlags.StateRetryDelay, "Wait before polling again for the next state")
	f.DurationVar(&runFlags.BatchRetryDelay, "batch-retry-delay", runFlags.BatchRetryDelay, "Wait before downloading a failed batch again")
	f.IntVar(&runFlags.MaxBatchFailures, "max-failures", runFlags.MaxBatchFailures, "Stop after this many consecutive batch failures (0 = never)")
	f.BoolVar(&runFlags.Strict, "strict", runFlags.Strict, "Stop on malformed change files instead of skipping them")
	f.StringVar(&runFlags.JSONOutput, "json-output", runFlags.JSONOutput, "File for the time/action counts of the latest batch (empty = off)")
	f.StringVar(&runFlags.ParquetDir, "parquet-dir", "", "Directory for per-batch Parquet files")
	f.StringVar(&runFlags.FilterFile, "filter", "", "Lua filter script")
	f.StringVar(&runFlags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	f.DurationVar(&runFlags.MetricsInterval, "metrics-interval", runFlags.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")

	// Database flags
	f.StringVar(&runFlags.DBHost, "db-host", runFlags.DBHost, "PostgreSQL host")
	f.IntVar(&runFlags.DBPort, "db-port", runFlags.DBPort, "PostgreSQL port")
	f.StringVarP(&runFlags.DBName, "db-name", "d", "", "PostgreSQL database name (empty = no database output)")
	f.StringVarP(&runFlags.DBUser, "db-user", "U", runFlags.DBUser, "PostgreSQL user")
	f.StringVarP(&runFlags.DBPassword, "db-password", "W", "", "PostgreSQL password")
	f.StringVar(&runFlags.DBSchema, "db-schema", runFlags.DBSchema, "PostgreSQL schema")
}

// applyRunFlags copies explicitly set flags over the loaded config
func applyRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}

	set("interval", func() { cfg.Interval = runFlags.Interval })
	set("skew", func() { cfg.Skew = runFlags.Skew })
	set("state-retry-delay", func() { cfg.StateRetryDelay = runFlags.StateRetryDelay })
	set("batch-retry-delay", func() { cfg.BatchRetryDelay = runFlags.BatchRetryDelay })
	set("max-failures", func() { cfg.MaxBatchFailures = runFlags.MaxBatchFailures })
	set("strict", func() { cfg.Strict = runFlags.Strict })
	set("json-output", func() { cfg.JSONOutput = runFlags.JSONOutput })
	set("parquet-dir", func() { cfg.ParquetDir = runFlags.ParquetDir })
	set("filter", func() { cfg.FilterFile = runFlags.FilterFile })
	set("metrics-addr", func() { cfg.MetricsAddr = runFlags.MetricsAddr })
	set("metrics-interval", func() { cfg.MetricsInterval = runFlags.MetricsInterval })
	set("db-host", func() { cfg.DBHost = runFlags.DBHost })
	set("db-port", func() { cfg.DBPort = runFlags.DBPort })
	set("db-name", func() { cfg.DBName = runFlags.DBName })
	set("db-user", func() { cfg.DBUser = runFlags.DBUser })
	set("db-password", func() { cfg.DBPassword = runFlags.DBPassword })
	set("db-schema", func() { cfg.DBSchema = runFlags.DBSchema })
}

func runRun(cmd *cobra.Command, args []string) {
	log := logger.Get()

	applyRunFlags(cmd)
	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	fetcher, err := newFetcher()
	if err != nil {
		exitWithError("failed to create fetcher", err)
	}
	store := replication.NewFileStore(cfg.StateFile)

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, closeFilter, err := newStatsCollector(ctx)
	if err != nil {
		exitWithError("failed to set up outputs", err)
	}
	defer closeFilter()
	defer collector.Close()

	registry := metrics.NewRegistry()

	interval := cfg.Interval
	if interval == 0 {
		interval = fetcher.Source().Interval
	}
	cursor := replication.NewCursor(fetcher, store, collector, replication.Options{
		Interval:         interval,
		Skew:             cfg.Skew,
		StateRetryDelay:  cfg.StateRetryDelay,
		BatchRetryDelay:  cfg.BatchRetryDelay,
		MaxBatchFailures: cfg.MaxBatchFailures,
		Strict:           cfg.Strict,
		Logger:           log,
		Observer:         registry,
	})

	log.Info("Starting replication",
		zap.String("source", fetcher.Source().Name),
		zap.String("url", fetcher.Source().BaseURL),
		zap.String("state_file", store.Path()),
		zap.Duration("interval", interval),
		zap.Duration("skew", cfg.Skew),
		zap.Bool("strict", cfg.Strict))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return cursor.Run(gctx)
	})
	g.Go(func() error {
		return metrics.NewCollector(cfg.MetricsInterval, log, registry).Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.NewServer(cfg.MetricsAddr, registry, log).Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("Replication stopped")
		fmt.Println("\nReplication stopped.")
		return
	}
	exitWithError("replication failed", err)
}

// newStatsCollector builds the collector with the configured filter and
// sinks. The returned function releases the filter.
func newStatsCollector(ctx context.Context) (*stats.Collector, func(), error) {
	log := logger.Get()

	var filter stats.Filter
	closeFilter := func() {}
	if cfg.FilterFile != "" {
		f := flex.NewFilter()
		if err := f.LoadFile(cfg.FilterFile); err != nil {
			f.Close()
			return nil, nil, err
		}
		if !f.HasFilter() {
			log.Warn("Lua script defines no filter function, counting everything",
				zap.String("file", cfg.FilterFile))
		}
		filter = f
		closeFilter = f.Close
	}

	var sinks []stats.Sink
	if cfg.JSONOutput != "" {
		sinks = append(sinks, stats.NewJSONSink(cfg.JSONOutput))
	}
	if cfg.ParquetDir != "" {
		sink, err := stats.NewParquetSink(cfg.ParquetDir)
		if err != nil {
			closeFilter()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.PostgresEnabled() {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		sink, err := stats.NewPostgresSink(connectCtx, cfg.ConnectionString(), cfg.DBSchema)
		if err != nil {
			closeFilter()
			return nil, nil, err
		}
		if err := sink.EnsureTables(connectCtx); err != nil {
			sink.Close()
			closeFilter()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}

	for _, sink := range sinks {
		log.Info("Writing statistics", zap.String("sink", sink.Name()))
	}
	if len(sinks) == 0 {
		log.Warn("No output configured")
	}

	return stats.NewCollector(filter, sinks...), closeFilter, nil
}
