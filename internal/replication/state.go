package replication

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wegman-software/osmdiffstats/internal/osc"
)

// State is the replication cursor: the last sequence number handed out by
// the feed together with the time the feed declared for it.
type State struct {
	SequenceNumber int64
	Timestamp      time.Time
}

// String returns the state in a human-readable format
func (s State) String() string {
	return fmt.Sprintf("Sequence: %d, Timestamp: %s", s.SequenceNumber, s.Timestamp.Format(time.RFC3339))
}

// Next returns the sequence number that follows this state
func (s State) Next() int64 {
	return s.SequenceNumber + 1
}

// ParseState parses a state.txt file content
// Format:
//
//	#comment line
//	sequenceNumber=12345
//	timestamp=2024-01-15T12\:00\:00Z
func ParseState(r io.Reader) (*State, error) {
	state := &State{}
	var haveSeq, haveTS bool
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unescapeValue(strings.TrimSpace(value))

		switch key {
		case "sequenceNumber":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence number %q: %w", value, err)
			}
			if seq < 0 {
				return nil, fmt.Errorf("invalid sequence number %d", seq)
			}
			state.SequenceNumber = seq
			haveSeq = true

		case "timestamp":
			epoch, err := osc.ParseTimestamp(value)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp: %w", err)
			}
			state.Timestamp = time.Unix(epoch, 0).UTC()
			haveTS = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	if !haveSeq {
		return nil, errors.New("state has no sequenceNumber")
	}
	if !haveTS {
		return nil, errors.New("state has no timestamp")
	}

	return state, nil
}

// WriteState writes a state in the same format the replication servers use
func WriteState(w io.Writer, state *State) error {
	ts := escapeValue(osc.FormatTimestamp(state.Timestamp.Unix()))

	_, err := fmt.Fprintf(w, "#%s\nsequenceNumber=%d\ntimestamp=%s\n",
		state.Timestamp.UTC().Format(time.UnixDate), state.SequenceNumber, ts)
	return err
}

// State files are Java properties: a backslash escapes the next character
func unescapeValue(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
		}
		sb.WriteByte(v[i])
	}
	return sb.String()
}

func escapeValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, ":", `\:`)
	return strings.ReplaceAll(v, "=", `\=`)
}

// SequenceToPath converts a sequence number to a path like "000/000/001".
// The number is zero padded to nine digits and split into groups of three.
func SequenceToPath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d",
		seq/1000000,
		(seq/1000)%1000,
		seq%1000)
}

// PathToSequence converts a path like "000/000/001" back to a sequence number
func PathToSequence(path string) (int64, error) {
	path = strings.TrimSuffix(path, ".osc.gz")
	path = strings.TrimSuffix(path, ".state.txt")

	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid path format: %s", path)
	}

	var seq int64
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid path component %q: %w", part, err)
		}
		if n < 0 || (i > 0 && n > 999) {
			return 0, fmt.Errorf("path component %q out of range", part)
		}
		seq = seq*1000 + n
	}

	return seq, nil
}
