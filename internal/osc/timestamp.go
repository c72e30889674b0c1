package osc

import (
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the layout of every timestamp attribute in an osmChange
// document and of the timestamp key in replication state files.
const TimestampLayout = "2006-01-02T15:04:05Z"

// ErrMalformedTimestamp is returned when a timestamp does not match TimestampLayout
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// ParseTimestamp converts a feed timestamp to seconds since the Unix epoch
func ParseTimestamp(text string) (int64, error) {
	// time.Parse tolerates fractional seconds and single digit hours
	if len(text) != len(TimestampLayout) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, text)
	}
	t, err := time.Parse(TimestampLayout, text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, text)
	}
	return t.Unix(), nil
}

// FormatTimestamp is the inverse of ParseTimestamp
func FormatTimestamp(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(TimestampLayout)
}
