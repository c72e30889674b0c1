package replication

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source represents a replication data source
type Source struct {
	Name        string
	BaseURL     string        // Base URL for replication files
	Interval    time.Duration // Time between two published sequences
	Description string
}

// StateURL returns the URL for the latest state file
func (s *Source) StateURL() string {
	return s.BaseURL + "/state.txt"
}

// SequenceStateURL returns the URL for a specific sequence's state file
func (s *Source) SequenceStateURL(seq int64) string {
	return fmt.Sprintf("%s/%s.state.txt", s.BaseURL, SequenceToPath(seq))
}

// SequenceDataURL returns the URL for a specific sequence's OSC file
func (s *Source) SequenceDataURL(seq int64) string {
	return fmt.Sprintf("%s/%s.osc.gz", s.BaseURL, SequenceToPath(seq))
}

// Predefined replication sources
var (
	SourcePlanetMinute = &Source{
		Name:        "planet-minute",
		BaseURL:     "https://planet.openstreetmap.org/replication/minute",
		Interval:    time.Minute,
		Description: "OpenStreetMap planet minutely diffs",
	}

	SourcePlanetHour = &Source{
		Name:        "planet-hour",
		BaseURL:     "https://planet.openstreetmap.org/replication/hour",
		Interval:    time.Hour,
		Description: "OpenStreetMap planet hourly diffs",
	}

	SourcePlanetDay = &Source{
		Name:        "planet-day",
		BaseURL:     "https://planet.openstreetmap.org/replication/day",
		Interval:    24 * time.Hour,
		Description: "OpenStreetMap planet daily diffs",
	}
)

var namedSources = map[string]*Source{
	"planet-minute": SourcePlanetMinute,
	"planet/minute": SourcePlanetMinute,
	"minute":        SourcePlanetMinute,
	"planet-hour":   SourcePlanetHour,
	"planet/hour":   SourcePlanetHour,
	"hour":          SourcePlanetHour,
	"planet-day":    SourcePlanetDay,
	"planet/day":    SourcePlanetDay,
	"day":           SourcePlanetDay,
}

// ParseSource parses a source string and returns a Source
// Formats:
//   - "planet-minute", "planet-hour", "planet-day" (and "minute", "planet/minute", ...)
//   - Custom URL: "https://example.com/replication/minute"
func ParseSource(s string) (*Source, error) {
	s = strings.TrimSpace(s)

	if src, ok := namedSources[strings.ToLower(s)]; ok {
		return src, nil
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return &Source{
			Name:        "custom",
			BaseURL:     strings.TrimSuffix(s, "/"),
			Interval:    time.Minute,
			Description: "Custom replication source",
		}, nil
	}

	return nil, fmt.Errorf("unknown replication source: %s", s)
}

// ListSources returns a description line for every predefined source
func ListSources() []string {
	seen := make(map[*Source]bool)
	var sources []string
	for _, src := range namedSources {
		if seen[src] {
			continue
		}
		seen[src] = true
		sources = append(sources, fmt.Sprintf("%-14s - %s (%s)", src.Name, src.Description, src.BaseURL))
	}
	sort.Strings(sources)
	return append(sources, "", "Any http(s) URL pointing at a replication directory is accepted as a custom source.")
}
