package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osmdiffstats/internal/logger"
)

const (
	statsTable    = "osm_edit_stats"
	progressTable = "osm_edit_stats_progress"
)

// PostgresSink accumulates collation rows in <schema>.osm_edit_stats.
// The last applied sequence is stored in the same transaction, so a batch
// that is handed over again after a restart is not counted twice.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresSink connects to PostgreSQL
func NewPostgresSink(ctx context.Context, connString, schema string) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if schema == "" {
		schema = "public"
	}
	return &PostgresSink{pool: pool, schema: schema}, nil
}

// Name returns "postgres"
func (s *PostgresSink) Name() string { return "postgres" }

// EnsureTables creates the stats and progress tables if they don't exist
func (s *PostgresSink) EnsureTables(ctx context.Context) error {
	log := logger.Get()

	tables := []struct {
		name   string
		schema string
	}{
		{
			name: statsTable,
			schema: `
				CREATE TABLE IF NOT EXISTS %s.%s (
					bucket_ms BIGINT NOT NULL,
					axis TEXT NOT NULL,
					key TEXT NOT NULL,
					count BIGINT NOT NULL,
					PRIMARY KEY (bucket_ms, axis, key)
				)`,
		},
		{
			name: progressTable,
			schema: `
				CREATE TABLE IF NOT EXISTS %s.%s (
					id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
					sequence BIGINT NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL
				)`,
		},
	}

	for _, t := range tables {
		log.Info("Creating stats table", zap.String("schema", s.schema), zap.String("table", t.name))
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(t.schema, s.schema, t.name)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}
	return nil
}

// Write upserts the rows of snap. Counts add up across batches.
func (s *PostgresSink) Write(ctx context.Context, snap *Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var applied int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf("SELECT sequence FROM %s.%s FOR UPDATE", s.schema, progressTable),
	).Scan(&applied)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// first batch
	case err != nil:
		return fmt.Errorf("failed to read progress: %w", err)
	case applied >= snap.Sequence:
		logger.Get().Warn("Batch already applied, skipping",
			zap.Int64("sequence", snap.Sequence),
			zap.Int64("applied", applied))
		return nil
	}

	batch := s.upsertBatch(snap)
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to upsert stats: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresSink) upsertBatch(snap *Snapshot) *pgx.Batch {
	batch := &pgx.Batch{}
	upsert := upsertSQL(s.schema)
	for _, row := range snap.Rows() {
		batch.Queue(upsert, row.BucketMs, string(row.Axis), row.Key, row.Count)
	}
	batch.Queue(progressSQL(s.schema), snap.Sequence, snap.Timestamp)
	return batch
}

func upsertSQL(schema string) string {
	return fmt.Sprintf(`
		INSERT INTO %[1]s.%[2]s (bucket_ms, axis, key, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket_ms, axis, key) DO UPDATE SET count = %[1]s.%[2]s.count + EXCLUDED.count
	`, schema, statsTable)
}

func progressSQL(schema string) string {
	return fmt.Sprintf(`
		INSERT INTO %s.%s (id, sequence, timestamp)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (id) DO UPDATE SET sequence = EXCLUDED.sequence, timestamp = EXCLUDED.timestamp
	`, schema, progressTable)
}

// Close closes the connection pool
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
