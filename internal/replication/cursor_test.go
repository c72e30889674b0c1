package replication

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/wegman-software/osmdiffstats/internal/osc"
)

var feedStart = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// fakeFeed publishes sequence n at feedStart + n minutes
type fakeFeed struct {
	clock *fakeClock

	batchErrs   map[int64][]error // consumed one per call
	stateFails  map[int64]int
	stateSeqFix map[int64]int64

	batchCalls []int64
	stateCalls []stateCall
}

type stateCall struct {
	seq int64
	at  time.Time
}

func newFakeFeed(clock *fakeClock) *fakeFeed {
	return &fakeFeed{
		clock:       clock,
		batchErrs:   make(map[int64][]error),
		stateFails:  make(map[int64]int),
		stateSeqFix: make(map[int64]int64),
	}
}

func (f *fakeFeed) stateFor(seq int64) *State {
	return &State{SequenceNumber: seq, Timestamp: feedStart.Add(time.Duration(seq) * time.Minute)}
}

func (f *fakeFeed) FetchBatch(ctx context.Context, seq int64) (*osc.Batch, error) {
	f.batchCalls = append(f.batchCalls, seq)
	if errs := f.batchErrs[seq]; len(errs) > 0 {
		f.batchErrs[seq] = errs[1:]
		return nil, errs[0]
	}
	batch := osc.NewBatch()
	batch.Nodes[seq] = &osc.Node{Element: osc.Element{ID: seq, Action: osc.ActionCreate}}
	return batch, nil
}

func (f *fakeFeed) FetchSequenceState(ctx context.Context, seq int64) (*State, error) {
	f.stateCalls = append(f.stateCalls, stateCall{seq: seq, at: f.clock.Now()})
	if f.stateFails[seq] > 0 {
		f.stateFails[seq]--
		return nil, fmt.Errorf("%w: %d", ErrStateNotPublished, seq)
	}
	if wrong, ok := f.stateSeqFix[seq]; ok {
		delete(f.stateSeqFix, seq)
		return f.stateFor(wrong), nil
	}
	return f.stateFor(seq), nil
}

type memStore struct {
	state *State
	saves []int64
}

func (s *memStore) Load() (*State, error) {
	if s.state == nil {
		return nil, ErrStateFile
	}
	cp := *s.state
	return &cp, nil
}

func (s *memStore) Save(state *State) error {
	cp := *state
	s.state = &cp
	s.saves = append(s.saves, state.SequenceNumber)
	return nil
}

type recordingHandler struct {
	seqs []int64
	err  error
	fn   func(seq int64)
}

func (h *recordingHandler) HandleBatch(ctx context.Context, state *State, batch *osc.Batch) error {
	if h.err != nil {
		return h.err
	}
	h.seqs = append(h.seqs, state.SequenceNumber)
	if batch.Nodes[state.SequenceNumber] == nil {
		return fmt.Errorf("batch for sequence %d is missing its marker node", state.SequenceNumber)
	}
	if h.fn != nil {
		h.fn(state.SequenceNumber)
	}
	return nil
}

type cursorFixture struct {
	clock   *fakeClock
	feed    *fakeFeed
	store   *memStore
	handler *recordingHandler
	cursor  *Cursor
}

func newCursorFixture(start int64, now time.Time, opts Options) *cursorFixture {
	clock := &fakeClock{now: now}
	feed := newFakeFeed(clock)
	store := &memStore{state: feed.stateFor(start)}
	handler := &recordingHandler{}

	opts.Clock = clock
	return &cursorFixture{
		clock:   clock,
		feed:    feed,
		store:   store,
		handler: handler,
		cursor:  NewCursor(feed, store, handler, opts),
	}
}

func TestCursorStepWaitsForNextInterval(t *testing.T) {
	tests := []struct {
		name      string
		nowOffset time.Duration // relative to the current state's timestamp
		wantSleep time.Duration
	}{
		{"early", 5 * time.Second, 55*time.Second + 13*time.Second},
		{"exactly due", time.Minute, 13 * time.Second},
		{"behind", 10 * time.Minute, 13 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stateTS := feedStart.Add(100 * time.Minute)
			f := newCursorFixture(100, stateTS.Add(tt.nowOffset), DefaultOptions())

			if err := f.cursor.Step(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(f.clock.sleeps, []time.Duration{tt.wantSleep}) {
				t.Errorf("sleeps = %v, want [%v]", f.clock.sleeps, tt.wantSleep)
			}
			if len(f.feed.stateCalls) != 1 {
				t.Fatalf("expected 1 state fetch, got %d", len(f.feed.stateCalls))
			}
			earliest := stateTS.Add(time.Minute + 13*time.Second)
			if call := f.feed.stateCalls[0]; call.seq != 101 || call.at.Before(earliest) {
				t.Errorf("state fetch for %d at %v, want 101 no earlier than %v", call.seq, call.at, earliest)
			}
			if !reflect.DeepEqual(f.handler.seqs, []int64{100}) {
				t.Errorf("handled = %v, want [100]", f.handler.seqs)
			}
			if !reflect.DeepEqual(f.store.saves, []int64{101}) {
				t.Errorf("saves = %v, want [101]", f.store.saves)
			}
		})
	}
}

func TestCursorRetriesNextState(t *testing.T) {
	f := newCursorFixture(100, feedStart.Add(100*time.Minute), DefaultOptions())
	f.feed.stateFails[101] = 3

	if err := f.cursor.Step(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Duration{73 * time.Second, 15 * time.Second, 15 * time.Second, 15 * time.Second}
	if !reflect.DeepEqual(f.clock.sleeps, want) {
		t.Errorf("sleeps = %v, want %v", f.clock.sleeps, want)
	}
	if len(f.feed.stateCalls) != 4 {
		t.Errorf("state fetches = %d, want 4", len(f.feed.stateCalls))
	}
	for _, call := range f.feed.stateCalls {
		if call.seq != 101 {
			t.Errorf("state fetched for %d, want 101", call.seq)
		}
	}
	if !reflect.DeepEqual(f.feed.batchCalls, []int64{100}) {
		t.Errorf("batch fetches = %v, batch must not be fetched again", f.feed.batchCalls)
	}
	if !reflect.DeepEqual(f.store.saves, []int64{101}) {
		t.Errorf("saves = %v, want [101]", f.store.saves)
	}
}

func TestCursorRejectsUnexpectedNextSequence(t *testing.T) {
	f := newCursorFixture(100, feedStart.Add(100*time.Minute), DefaultOptions())
	f.feed.stateSeqFix[101] = 102

	if err := f.cursor.Step(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.feed.stateCalls) != 2 {
		t.Errorf("state fetches = %d, want 2", len(f.feed.stateCalls))
	}
	if !reflect.DeepEqual(f.store.saves, []int64{101}) {
		t.Errorf("saves = %v, want [101]", f.store.saves)
	}
}

func TestCursorBatchFetchFailure(t *testing.T) {
	f := newCursorFixture(100, feedStart.Add(100*time.Minute), DefaultOptions())
	f.feed.batchErrs[100] = []error{
		fmt.Errorf("%w: connection reset", ErrFetch),
		fmt.Errorf("%w: bad header", ErrDecompression),
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.cursor.Step(ctx); err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if len(f.store.saves) != 0 {
			t.Fatalf("step %d: cursor advanced after failed fetch", i)
		}
	}
	if !reflect.DeepEqual(f.clock.sleeps, []time.Duration{15 * time.Second, 15 * time.Second}) {
		t.Errorf("sleeps = %v, want two retry delays", f.clock.sleeps)
	}
	if len(f.feed.stateCalls) != 0 {
		t.Errorf("next state fetched before the batch succeeded")
	}

	if err := f.cursor.Step(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(f.feed.batchCalls, []int64{100, 100, 100}) {
		t.Errorf("batch fetches = %v, want [100 100 100]", f.feed.batchCalls)
	}
	if !reflect.DeepEqual(f.store.saves, []int64{101}) {
		t.Errorf("saves = %v, want [101]", f.store.saves)
	}
}

func TestCursorTooManyFailures(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBatchFailures = 2
	f := newCursorFixture(100, feedStart.Add(100*time.Minute), opts)
	f.feed.batchErrs[100] = []error{ErrFetch, ErrFetch, ErrFetch}
	ctx := context.Background()

	if err := f.cursor.Step(ctx); err != nil {
		t.Fatalf("first failure should be retried, got %v", err)
	}
	err := f.cursor.Step(ctx)
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("error = %v, want ErrTooManyFailures", err)
	}
	if !errors.Is(err, ErrFetch) {
		t.Errorf("error %v should wrap the fetch error", err)
	}
}

func TestCursorMalformedBatch(t *testing.T) {
	malformed := fmt.Errorf("line 3: %w: node 1: missing version", osc.ErrMalformedFeed)

	t.Run("strict", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Strict = true
		f := newCursorFixture(100, feedStart.Add(100*time.Minute), opts)
		f.feed.batchErrs[100] = []error{malformed}

		err := f.cursor.Step(context.Background())
		if !errors.Is(err, osc.ErrMalformedFeed) {
			t.Fatalf("error = %v, want ErrMalformedFeed", err)
		}
		if len(f.store.saves) != 0 {
			t.Error("strict cursor must not advance past a malformed batch")
		}
	})

	t.Run("lenient", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Strict = false
		f := newCursorFixture(100, feedStart.Add(100*time.Minute), opts)
		f.feed.batchErrs[100] = []error{malformed}

		if err := f.cursor.Step(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(f.handler.seqs) != 0 {
			t.Errorf("malformed batch was handed to the handler")
		}
		if !reflect.DeepEqual(f.store.saves, []int64{101}) {
			t.Errorf("saves = %v, want [101]", f.store.saves)
		}
	})
}

func TestCursorHandlerError(t *testing.T) {
	f := newCursorFixture(100, feedStart.Add(100*time.Minute), DefaultOptions())
	f.handler.err = errors.New("sink unavailable")

	if err := f.cursor.Step(context.Background()); err == nil {
		t.Fatal("expected error but got none")
	}
	if len(f.store.saves) != 0 {
		t.Error("cursor advanced although the batch was not handled")
	}
}

func TestCursorRunInOrder(t *testing.T) {
	f := newCursorFixture(500, feedStart.Add(500*time.Minute), DefaultOptions())
	f.feed.stateFails[502] = 2
	f.feed.batchErrs[503] = []error{ErrFetch}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.handler.fn = func(seq int64) {
		if seq == 504 {
			cancel()
		}
	}

	err := f.cursor.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	if want := []int64{500, 501, 502, 503, 504}; !reflect.DeepEqual(f.handler.seqs, want) {
		t.Errorf("handled = %v, want %v", f.handler.seqs, want)
	}
	if want := []int64{501, 502, 503, 504}; !reflect.DeepEqual(f.store.saves, want) {
		t.Errorf("saves = %v, want %v", f.store.saves, want)
	}
	if f.store.state.SequenceNumber != 504 {
		t.Errorf("final sequence = %d, want 504", f.store.state.SequenceNumber)
	}
}

func TestCursorMissingState(t *testing.T) {
	f := newCursorFixture(1, feedStart, DefaultOptions())
	f.store.state = nil

	if err := f.cursor.Step(context.Background()); !errors.Is(err, ErrStateFile) {
		t.Errorf("error = %v, want ErrStateFile", err)
	}
	if len(f.feed.batchCalls) != 0 {
		t.Error("batch fetched without a cursor state")
	}
}
