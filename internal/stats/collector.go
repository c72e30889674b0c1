package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmdiffstats/internal/logger"
	"github.com/wegman-software/osmdiffstats/internal/osc"
	"github.com/wegman-software/osmdiffstats/internal/replication"
)

// Filter decides whether a primitive is counted
type Filter interface {
	Accept(p osc.Primitive) (bool, error)
}

// Snapshot is the aggregate of one batch
type Snapshot struct {
	Sequence  int64
	Timestamp time.Time

	TimeAction Collation
	TimeUser   Collation

	Nodes        int
	Ways         int
	Relations    int
	Filtered     int
	DanglingRefs int
}

// Rows returns the rows of both collations, action axis first
func (s *Snapshot) Rows() []Row {
	return append(s.TimeAction.Rows(AxisAction), s.TimeUser.Rows(AxisUser)...)
}

// Sink receives one snapshot per batch
type Sink interface {
	Name() string
	Write(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Collector turns decoded batches into snapshots and hands them to its sinks.
// It implements replication.BatchHandler.
type Collector struct {
	filter Filter
	sinks  []Sink
}

// NewCollector creates a collector. filter may be nil to count every primitive.
func NewCollector(filter Filter, sinks ...Sink) *Collector {
	return &Collector{filter: filter, sinks: sinks}
}

// Collate counts the primitives of batch. Nodes are visited first, then ways,
// then relations. A primitive without user is counted under the empty key.
func (c *Collector) Collate(seq int64, batch *osc.Batch) (*Snapshot, error) {
	snap := &Snapshot{
		Sequence:     seq,
		TimeAction:   make(Collation),
		TimeUser:     make(Collation),
		DanglingRefs: len(batch.DanglingRefs),
	}

	for _, p := range batch.Primitives() {
		if c.filter != nil {
			ok, err := c.filter.Accept(p)
			if err != nil {
				meta := p.Meta()
				return nil, fmt.Errorf("filter failed on %s %d: %w", p.Kind(), meta.ID, err)
			}
			if !ok {
				snap.Filtered++
				continue
			}
		}

		meta := p.Meta()
		bucket := meta.Timestamp * 1000
		snap.TimeAction.Add(bucket, string(meta.Action))
		snap.TimeUser.Add(bucket, meta.User)

		switch p.(type) {
		case *osc.Node:
			snap.Nodes++
		case *osc.Way:
			snap.Ways++
		case *osc.Relation:
			snap.Relations++
		}
	}

	return snap, nil
}

// HandleBatch collates batch and writes the snapshot to all sinks concurrently
func (c *Collector) HandleBatch(ctx context.Context, state *replication.State, batch *osc.Batch) error {
	snap, err := c.Collate(state.SequenceNumber, batch)
	if err != nil {
		return err
	}
	snap.Timestamp = state.Timestamp

	logger.Get().Debug("Collated batch",
		zap.Int64("sequence", snap.Sequence),
		zap.Int("buckets", len(snap.TimeAction)),
		zap.Int64("counted", snap.TimeAction.Total()),
		zap.Int("filtered", snap.Filtered))

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range c.sinks {
		g.Go(func() error {
			if err := sink.Write(gctx, snap); err != nil {
				return fmt.Errorf("%s sink: %w", sink.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every sink and returns the first error
func (c *Collector) Close() error {
	var first error
	for _, sink := range c.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = fmt.Errorf("%s sink: %w", sink.Name(), err)
		}
	}
	return first
}
