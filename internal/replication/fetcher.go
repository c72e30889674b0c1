package replication

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmdiffstats/internal/logger"
	"github.com/wegman-software/osmdiffstats/internal/osc"
)

var (
	// ErrFetch covers network failures and unexpected HTTP responses
	ErrFetch = errors.New("fetch failed")

	// ErrDecompression is returned for corrupt gzip payloads
	ErrDecompression = errors.New("decompression failed")

	// ErrStateNotPublished is returned when a sequence's state file does
	// not exist yet on the server
	ErrStateNotPublished = errors.New("state not published yet")
)

// DefaultUserAgent is sent with every request
const DefaultUserAgent = "osmdiffstats/1.0"

// Fetcher downloads replication files from a source
type Fetcher struct {
	source    *Source
	client    *http.Client
	userAgent string
}

// NewFetcher creates a new replication fetcher. The timeout bounds every
// request including reading the body.
func NewFetcher(source *Source, timeout time.Duration, userAgent string) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Fetcher{
		source:    source,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Source returns the replication source
func (f *Fetcher) Source() *Source {
	return f.source
}

// FetchCurrentState fetches the latest replication state from the source
func (f *Fetcher) FetchCurrentState(ctx context.Context) (*State, error) {
	return f.fetchState(ctx, f.source.StateURL())
}

// FetchSequenceState fetches the state file published alongside seq.
// ErrStateNotPublished is returned while the server does not have it yet.
func (f *Fetcher) FetchSequenceState(ctx context.Context, seq int64) (*State, error) {
	return f.fetchState(ctx, f.source.SequenceStateURL(seq))
}

func (f *Fetcher) fetchState(ctx context.Context, url string) (*State, error) {
	log := logger.Get()
	log.Debug("Fetching state", zap.String("url", url))

	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrStateNotPublished, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: unexpected status code: %d", ErrFetch, url, resp.StatusCode)
	}

	state, err := ParseState(&fetchReader{r: resp.Body})
	if err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", url, err)
	}
	return state, nil
}

// FetchBatch downloads the change file of seq, decompresses it and decodes
// it. A single attempt is made; retrying is up to the caller.
func (f *Fetcher) FetchBatch(ctx context.Context, seq int64) (*osc.Batch, error) {
	log := logger.Get()
	url := f.source.SequenceDataURL(seq)

	log.Debug("Fetching OSC data", zap.Int64("sequence", seq), zap.String("url", url))

	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: unexpected status code: %d", ErrFetch, url, resp.StatusCode)
	}

	batch, err := DecodeCompressed(&fetchReader{r: resp.Body})
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", seq, err)
	}

	log.Debug("Decoded OSC data",
		zap.Int64("sequence", seq),
		zap.Int("nodes", len(batch.Nodes)),
		zap.Int("ways", len(batch.Ways)),
		zap.Int("relations", len(batch.Relations)))
	return batch, nil
}

// DecodeCompressed decodes a gzip compressed osmChange stream. Corrupt
// compressed data is reported as ErrDecompression, even when it is only
// detected by the trailing checksum.
func DecodeCompressed(r io.Reader) (*osc.Batch, error) {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		if errors.Is(err, ErrFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	defer gzReader.Close()

	body := &decompressReader{r: gzReader}
	batch, err := osc.Decode(body)
	if err != nil {
		// Damaged bytes usually trip the XML parser before the gzip
		// checksum is reached. Only trust ErrMalformedFeed once the rest
		// of the stream decompresses cleanly.
		if errors.Is(err, osc.ErrMalformedFeed) {
			if _, drainErr := io.Copy(io.Discard, body); drainErr != nil {
				return nil, drainErr
			}
		}
		return nil, err
	}

	// The decoder may stop before the gzip trailer; drain to verify it.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return nil, err
	}
	return batch, nil
}

// get performs a single HTTP GET
func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return resp, nil
}

// fetchReader marks transport errors while reading a response body
type fetchReader struct {
	r io.Reader
}

func (fr *fetchReader) Read(p []byte) (int, error) {
	n, err := fr.r.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return n, err
}

// decompressReader marks gzip stream errors that did not come from the
// transport underneath
type decompressReader struct {
	r io.Reader
}

func (dr *decompressReader) Read(p []byte) (int, error) {
	n, err := dr.r.Read(p)
	if err != nil && err != io.EOF && !errors.Is(err, ErrFetch) {
		err = fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	return n, err
}
