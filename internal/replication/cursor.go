package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmdiffstats/internal/osc"
)

// ErrTooManyFailures is returned once a batch failed to download more often
// in a row than Options.MaxBatchFailures allows
var ErrTooManyFailures = errors.New("too many consecutive batch failures")

// BatchFetcher is the remote side of the replication feed
type BatchFetcher interface {
	FetchBatch(ctx context.Context, seq int64) (*osc.Batch, error)
	FetchSequenceState(ctx context.Context, seq int64) (*State, error)
}

// BatchHandler consumes every decoded batch, in sequence order
type BatchHandler interface {
	HandleBatch(ctx context.Context, state *State, batch *osc.Batch) error
}

// HandlerFunc adapts a function to BatchHandler
type HandlerFunc func(ctx context.Context, state *State, batch *osc.Batch) error

// HandleBatch calls fn
func (fn HandlerFunc) HandleBatch(ctx context.Context, state *State, batch *osc.Batch) error {
	return fn(ctx, state, batch)
}

// Observer is notified of cursor progress, e.g. to export metrics
type Observer interface {
	BatchProcessed(state *State, batch *osc.Batch)
	BatchFailed(seq int64, err error)
	StateRetry(seq int64)
	Advanced(state *State, now time.Time)
}

type nopObserver struct{}

func (nopObserver) BatchProcessed(*State, *osc.Batch) {}
func (nopObserver) BatchFailed(int64, error)          {}
func (nopObserver) StateRetry(int64)                  {}
func (nopObserver) Advanced(*State, time.Time)        {}

// Clock abstracts time so the polling schedule can be tested without delays
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is cancelled
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options controls the polling schedule and failure policy
type Options struct {
	Interval         time.Duration // time between two sequences of the feed
	Skew             time.Duration // extra wait for the feed's publication lag
	StateRetryDelay  time.Duration // wait before asking again for an unpublished state
	BatchRetryDelay  time.Duration // wait before downloading a failed batch again
	MaxBatchFailures int           // 0 retries a failing batch forever
	Strict           bool          // stop on malformed batches instead of skipping them

	Clock    Clock
	Logger   *zap.Logger
	Observer Observer
}

// DefaultOptions returns the schedule of the minutely planet feed
func DefaultOptions() Options {
	return Options{
		Interval:        time.Minute,
		Skew:            13 * time.Second,
		StateRetryDelay: 15 * time.Second,
		BatchRetryDelay: 15 * time.Second,
		Strict:          true,
	}
}

// Cursor drives the fetch, decode, handle and advance cycle. It processes
// exactly one sequence per cycle in increasing order and only persists the
// next state after the current batch was handled.
type Cursor struct {
	fetcher  BatchFetcher
	store    StateStore
	handler  BatchHandler
	opts     Options
	clock    Clock
	log      *zap.Logger
	observer Observer

	failures int
}

// NewCursor creates a cursor. Zero option fields fall back to DefaultOptions.
func NewCursor(fetcher BatchFetcher, store StateStore, handler BatchHandler, opts Options) *Cursor {
	defaults := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.Skew < 0 {
		opts.Skew = 0
	}
	if opts.StateRetryDelay <= 0 {
		opts.StateRetryDelay = defaults.StateRetryDelay
	}
	if opts.BatchRetryDelay <= 0 {
		opts.BatchRetryDelay = defaults.BatchRetryDelay
	}

	c := &Cursor{
		fetcher:  fetcher,
		store:    store,
		handler:  handler,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger,
		observer: opts.Observer,
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	return c
}

// Run loops over Step until ctx is cancelled or a step fails for good
func (c *Cursor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Step(ctx); err != nil {
			return err
		}
	}
}

// Step performs one cycle for the sequence in the state store.
//
// A batch that could not be downloaded leaves the cursor where it is; the
// next Step retries it. Otherwise Step waits until the next sequence is due,
// polls for its state file until it appears and persists it.
func (c *Cursor) Step(ctx context.Context) error {
	state, err := c.store.Load()
	if err != nil {
		return err
	}
	seq := state.SequenceNumber
	log := c.log.With(zap.Int64("sequence", seq))

	batch, err := c.fetcher.FetchBatch(ctx, seq)
	switch {
	case err == nil:
		c.failures = 0
		stats := batch.Stats()
		log.Info("Decoded batch",
			zap.Int("nodes", len(batch.Nodes)),
			zap.Int("ways", len(batch.Ways)),
			zap.Int("relations", len(batch.Relations)),
			zap.Int64("dangling_refs", stats.DanglingRefs))

		if err := c.handler.HandleBatch(ctx, state, batch); err != nil {
			return fmt.Errorf("failed to handle batch %d: %w", seq, err)
		}
		c.observer.BatchProcessed(state, batch)

	case errors.Is(err, osc.ErrMalformedFeed), errors.Is(err, osc.ErrMalformedTimestamp):
		c.failures = 0
		c.observer.BatchFailed(seq, err)
		if c.opts.Strict {
			return fmt.Errorf("malformed batch %d: %w", seq, err)
		}
		log.Error("Skipping malformed batch", zap.Error(err))

	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.failures++
		c.observer.BatchFailed(seq, err)
		if c.opts.MaxBatchFailures > 0 && c.failures >= c.opts.MaxBatchFailures {
			return fmt.Errorf("%w: sequence %d failed %d times: %w", ErrTooManyFailures, seq, c.failures, err)
		}
		log.Warn("Failed to fetch batch, retrying",
			zap.Error(err),
			zap.Int("consecutive_failures", c.failures),
			zap.Duration("delay", c.opts.BatchRetryDelay))
		return c.clock.Sleep(ctx, c.opts.BatchRetryDelay)
	}

	wait := c.untilDue(state)
	log.Info("Waiting for next state", zap.Duration("wait", wait))
	if err := c.clock.Sleep(ctx, wait); err != nil {
		return err
	}

	next, err := c.fetchNextState(ctx, state)
	if err != nil {
		return err
	}
	if err := c.store.Save(next); err != nil {
		return err
	}

	c.observer.Advanced(next, c.clock.Now())
	log.Info("Advanced cursor",
		zap.Int64("next_sequence", next.SequenceNumber),
		zap.Time("next_timestamp", next.Timestamp))
	return nil
}

// untilDue returns how long to wait before the state after state is expected
func (c *Cursor) untilDue(state *State) time.Duration {
	due := state.Timestamp.Add(c.opts.Interval)
	wait := due.Sub(c.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait + c.opts.Skew
}

// fetchNextState polls until the state of the following sequence is
// published. Only cancellation ends the loop early.
func (c *Cursor) fetchNextState(ctx context.Context, state *State) (*State, error) {
	want := state.Next()

	for {
		next, err := c.fetcher.FetchSequenceState(ctx, want)
		if err == nil && next.SequenceNumber != want {
			err = fmt.Errorf("state for sequence %d declares sequence %d", want, next.SequenceNumber)
		}
		if err == nil {
			return next, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		c.observer.StateRetry(want)
		c.log.Debug("Next state not available",
			zap.Int64("sequence", want),
			zap.Error(err),
			zap.Duration("delay", c.opts.StateRetryDelay))

		if err := c.clock.Sleep(ctx, c.opts.StateRetryDelay); err != nil {
			return nil, err
		}
	}
}
