package stats

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wegman-software/osmdiffstats/internal/osc"
	"github.com/wegman-software/osmdiffstats/internal/replication"
)

// 1705320000 = 2024-01-15T12:00:00Z
const statsChange = `<osmChange version="0.6">
  <create>
    <node id="1" lat="1" lon="1" version="1" changeset="10" timestamp="2024-01-15T12:00:00Z" user="alice"/>
    <node id="2" lat="1" lon="1" version="1" changeset="10" timestamp="2024-01-15T12:00:00Z" user="alice"/>
  </create>
  <modify>
    <node id="3" lat="1" lon="1" version="4" changeset="11" timestamp="2024-01-15T12:00:01Z" user="bob"/>
    <way id="20" version="2" changeset="11" timestamp="2024-01-15T12:00:01Z" user="bob">
      <nd ref="1"/><nd ref="99"/>
      <tag k="highway" v="residential"/>
    </way>
  </modify>
  <delete>
    <relation id="30" version="3" changeset="12" timestamp="2024-01-15T12:00:00Z"/>
  </delete>
</osmChange>`

func decodeStatsBatch(t *testing.T) *osc.Batch {
	t.Helper()
	batch, err := osc.Decode(strings.NewReader(statsChange))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return batch
}

const (
	bucket0 = int64(1705320000000)
	bucket1 = int64(1705320001000)
)

func TestCollate(t *testing.T) {
	c := NewCollector(nil)
	snap, err := c.Collate(7, decodeStatsBatch(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantAction := Collation{
		bucket0: {"create": 2, "delete": 1},
		bucket1: {"modify": 2},
	}
	if !reflect.DeepEqual(snap.TimeAction, wantAction) {
		t.Errorf("time/action = %v, want %v", snap.TimeAction, wantAction)
	}

	wantUser := Collation{
		bucket0: {"alice": 2, "": 1},
		bucket1: {"bob": 2},
	}
	if !reflect.DeepEqual(snap.TimeUser, wantUser) {
		t.Errorf("time/user = %v, want %v", snap.TimeUser, wantUser)
	}

	if snap.Sequence != 7 || snap.Nodes != 3 || snap.Ways != 1 || snap.Relations != 1 {
		t.Errorf("unexpected snapshot counts: %+v", snap)
	}
	if snap.DanglingRefs != 1 {
		t.Errorf("dangling refs = %d, want 1", snap.DanglingRefs)
	}
}

type tagFilter struct {
	key string
	err error
}

func (f tagFilter) Accept(p osc.Primitive) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := p.Meta().Tags[f.key]
	return ok, nil
}

func TestCollateFiltered(t *testing.T) {
	c := NewCollector(tagFilter{key: "highway"})
	snap, err := c.Collate(7, decodeStatsBatch(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap.Filtered != 4 {
		t.Errorf("filtered = %d, want 4", snap.Filtered)
	}
	want := Collation{bucket1: {"modify": 1}}
	if !reflect.DeepEqual(snap.TimeAction, want) {
		t.Errorf("time/action = %v, want %v", snap.TimeAction, want)
	}
}

func TestCollateFilterError(t *testing.T) {
	boom := errors.New("boom")
	c := NewCollector(tagFilter{err: boom})
	if _, err := c.Collate(7, decodeStatsBatch(t)); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

type memorySink struct {
	name string
	err  error

	mu    sync.Mutex
	snaps []*Snapshot
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Write(ctx context.Context, snap *Snapshot) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *memorySink) Close() error { return nil }

func TestHandleBatch(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b"}
	c := NewCollector(nil, a, b)

	state := &replication.State{SequenceNumber: 42, Timestamp: time.Unix(1705320060, 0).UTC()}
	if err := c.HandleBatch(context.Background(), state, decodeStatsBatch(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, sink := range []*memorySink{a, b} {
		if len(sink.snaps) != 1 {
			t.Fatalf("sink %s got %d snapshots, want 1", sink.name, len(sink.snaps))
		}
		snap := sink.snaps[0]
		if snap.Sequence != 42 || !snap.Timestamp.Equal(state.Timestamp) {
			t.Errorf("sink %s: sequence %d at %v", sink.name, snap.Sequence, snap.Timestamp)
		}
	}
}

func TestHandleBatchFreshCollations(t *testing.T) {
	sink := &memorySink{name: "mem"}
	c := NewCollector(nil, sink)
	ctx := context.Background()

	for seq := int64(1); seq <= 2; seq++ {
		state := &replication.State{SequenceNumber: seq}
		if err := c.HandleBatch(ctx, state, decodeStatsBatch(t)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	for i, snap := range sink.snaps {
		if got := snap.TimeAction.Count(bucket0, "create"); got != 2 {
			t.Errorf("snapshot %d: create count = %d, want 2", i, got)
		}
	}
}

func TestHandleBatchSinkError(t *testing.T) {
	failing := &memorySink{name: "broken", err: errors.New("disk full")}
	c := NewCollector(nil, &memorySink{name: "ok"}, failing)

	err := c.HandleBatch(context.Background(), &replication.State{SequenceNumber: 1}, decodeStatsBatch(t))
	if err == nil || !strings.Contains(err.Error(), "broken sink") {
		t.Errorf("error = %v, want broken sink failure", err)
	}
}

func TestCollationRows(t *testing.T) {
	c := Collation{
		20: {"b": 1, "a": 2},
		10: {"z": 3},
	}
	want := []Row{
		{BucketMs: 10, Axis: AxisUser, Key: "z", Count: 3},
		{BucketMs: 20, Axis: AxisUser, Key: "a", Count: 2},
		{BucketMs: 20, Axis: AxisUser, Key: "b", Count: 1},
	}
	if got := c.Rows(AxisUser); !reflect.DeepEqual(got, want) {
		t.Errorf("Rows() = %v, want %v", got, want)
	}
	if c.Total() != 6 {
		t.Errorf("Total() = %d, want 6", c.Total())
	}
}
