// Package collector fetches raw items from the configured providers and
// normalizes them into the common event shape. One collector exists per
// source type; the set is closed, matching source.Type.
//
// Partial-failure policy: a single malformed item is skipped and logged as
// a collection warning; a full fetch failure returns UnavailableError so
// the scheduler retries the same window later. Network calls are bounded
// by the configured timeout and rate limited per provider.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// defaultTimeout bounds a single provider HTTP request.
const defaultTimeout = 30 * time.Second

// userAgent identifies the orchestrator to providers.
const userAgent = "scout/1.0 (+https://github.com/siglab/scout)"

// Collector fetches and normalizes items for one source since the given
// watermark. Implementations must be safe for concurrent use across
// different sources; the scheduler never collects one source concurrently.
type Collector interface {
	Type() source.Type
	Collect(ctx context.Context, src *source.Source, since time.Time) ([]store.Event, error)
}

// Options configures a collector set.
type Options struct {
	// Timeout bounds each provider request. Zero means the default.
	Timeout time.Duration

	// RequestsPerSecond throttles provider calls. Zero means 2 rps.
	RequestsPerSecond float64

	// Logger receives collection warnings. Nil means slog.Default().
	Logger *slog.Logger
}

// Set holds one collector per source type and dispatches on src.Type.
type Set struct {
	byType map[source.Type]Collector
}

// NewSet builds the collector set for all supported source types.
func NewSet(opts Options) *Set {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := &http.Client{Timeout: opts.Timeout}
	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 5)

	return &Set{
		byType: map[source.Type]Collector{
			source.TypeRepository: newGitHubCollector(client, limiter, opts.Logger),
			source.TypeFeed:       newFeedCollector(client, limiter, opts.Logger),
			source.TypeAPI:        newAPICollector(client, limiter, opts.Logger),
		},
	}
}

// For returns the collector handling the source's type.
func (s *Set) For(src *source.Source) (Collector, error) {
	c, ok := s.byType[src.Type]
	if !ok {
		return nil, &source.InvalidConfigError{
			SourceID: src.ID,
			Field:    "type",
			Reason:   fmt.Sprintf("no collector for type %q", string(src.Type)),
		}
	}
	return c, nil
}

// Collect dispatches to the collector for the source's type.
func (s *Set) Collect(ctx context.Context, src *source.Source, since time.Time) ([]store.Event, error) {
	c, err := s.For(src)
	if err != nil {
		return nil, err
	}
	return c.Collect(ctx, src, since)
}

// doGet performs a rate-limited GET with the shared user agent. The caller
// owns the response body.
func doGet(ctx context.Context, client *http.Client, limiter *rate.Limiter, url string, headers map[string]string) (*http.Response, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, NewUnavailableError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Timeouts and connection failures are recoverable.
		return nil, NewUnavailableError(fmt.Errorf("fetch %s: %w", url, err))
	}
	return resp, nil
}
