package replication

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Init writes the starting cursor. With seq > 0 the state published for
// that sequence is used, otherwise the source's latest state.
func Init(ctx context.Context, fetcher *Fetcher, store StateStore, seq int64) (*State, error) {
	var (
		state *State
		err   error
	)
	if seq > 0 {
		state, err = fetcher.FetchSequenceState(ctx, seq)
	} else {
		state, err = fetcher.FetchCurrentState(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch initial state: %w", err)
	}

	if err := store.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Status represents the current replication status
type Status struct {
	Source          string
	SourceURL       string
	LocalSequence   int64
	LocalTimestamp  time.Time
	RemoteSequence  int64
	RemoteTimestamp time.Time
	Behind          int64
	Lag             time.Duration
}

// GetStatus compares the local cursor with the source's latest state. The
// remote part is left empty when the source cannot be reached.
func GetStatus(ctx context.Context, fetcher *Fetcher, store StateStore) (*Status, error) {
	local, err := store.Load()
	if err != nil {
		return nil, err
	}

	status := &Status{
		Source:         fetcher.Source().Name,
		SourceURL:      fetcher.Source().BaseURL,
		LocalSequence:  local.SequenceNumber,
		LocalTimestamp: local.Timestamp,
	}

	remote, err := fetcher.FetchCurrentState(ctx)
	if err == nil {
		status.RemoteSequence = remote.SequenceNumber
		status.RemoteTimestamp = remote.Timestamp
		status.Behind = remote.SequenceNumber - local.SequenceNumber
		status.Lag = remote.Timestamp.Sub(local.Timestamp)
	}

	return status, nil
}

// String returns a human-readable status
func (s *Status) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s\n", s.Source)
	fmt.Fprintf(&sb, "URL: %s\n", s.SourceURL)
	fmt.Fprintf(&sb, "Local sequence: %d\n", s.LocalSequence)
	fmt.Fprintf(&sb, "Local timestamp: %s\n", s.LocalTimestamp.Format(time.RFC3339))

	if s.RemoteSequence > 0 {
		fmt.Fprintf(&sb, "Remote sequence: %d\n", s.RemoteSequence)
		fmt.Fprintf(&sb, "Remote timestamp: %s\n", s.RemoteTimestamp.Format(time.RFC3339))
		fmt.Fprintf(&sb, "Behind: %d sequences\n", s.Behind)
		fmt.Fprintf(&sb, "Lag: %s\n", s.Lag.Round(time.Second))
	} else {
		sb.WriteString("Remote: unavailable\n")
	}

	return sb.String()
}
