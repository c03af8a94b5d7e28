// Package scheduler drives periodic, independent polling of every enabled
// source. Each source is timed from the start of its previous collection,
// so one slow source never delays another. A global concurrency limit
// bounds in-flight collections; sources beyond the limit queue in
// submission order. Failed collections back off exponentially and do not
// advance the source's watermark.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/siglab/scout/collector"
	"github.com/siglab/scout/metrics"
	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// Per-source collection state machine.
type sourceState int

const (
	stateIdle sourceState = iota
	stateQueued
	stateCollecting
	stateBackoff
)

// Collectors abstracts the collector set so tests can inject fakes
// (Observer-style dependency injection at the fetch boundary).
type Collectors interface {
	Collect(ctx context.Context, src *source.Source, since time.Time) ([]store.Event, error)
}

// Config holds scheduler tuning.
type Config struct {
	// Concurrency bounds simultaneously in-flight collections.
	Concurrency int

	// CollectTimeout bounds a single collection end to end.
	CollectTimeout time.Duration

	// InitialLookback is how far back a never-collected source fetches.
	InitialLookback time.Duration

	// BackoffBase is the first retry delay after a failure; each further
	// consecutive failure doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Resolution is how often due sources are checked.
	Resolution time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight collections.
	ShutdownGrace time.Duration
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     5,
		CollectTimeout:  60 * time.Second,
		InitialLookback: 24 * time.Hour,
		BackoffBase:     60 * time.Second,
		BackoffMax:      15 * time.Minute,
		Resolution:      time.Second,
		ShutdownGrace:   30 * time.Second,
	}
}

type sourceEntry struct {
	state       sourceState
	lastStart   time.Time
	failures    int
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
	// pending records a trigger that arrived mid-collection; the source
	// is requeued as soon as the running collection settles.
	pending bool
}

// Scheduler owns the collection loop. Create with New, drive with Run or
// (in tests) Tick.
type Scheduler struct {
	registry   *source.Registry
	collectors Collectors
	store      *store.Store
	cfg        Config
	clock      Clock
	logger     *slog.Logger

	mu          sync.Mutex
	entries     map[string]*sourceEntry
	queue       []string // FIFO of source IDs waiting for a worker
	inFlight    int
	stopped     bool
	lastVersion uint64

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock, letting tests simulate time advancement.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler over the given registry, collectors and store.
func New(reg *source.Registry, set Collectors, st *store.Store, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = def.CollectTimeout
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = def.InitialLookback
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = def.Resolution
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}

	s := &Scheduler{
		registry:   reg,
		collectors: set,
		store:      st,
		cfg:        cfg,
		clock:      SystemClock(),
		logger:     slog.Default(),
		entries:    make(map[string]*sourceEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks the scheduler until ctx is cancelled, then stops launching new
// collections and waits for in-flight ones up to the shutdown grace period.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Resolution)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace period elapsed with collections still in flight")
	}
}

// Trigger queues an immediate collection for a source, outside its
// schedule. A source already queued is left alone; a source mid-collection
// is marked for one more run once the current collection settles.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	src, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if !src.Enabled {
		return errors.New("source is disabled")
	}

	s.mu.Lock()
	e := s.entry(id)
	switch e.state {
	case stateIdle, stateBackoff:
		e.state = stateQueued
		s.queue = append(s.queue, id)
	case stateCollecting:
		e.pending = true
	}
	s.mu.Unlock()

	s.dispatch(ctx)
	return nil
}

// Tick enqueues every enabled source that is due and dispatches queued
// sources to free workers. Exposed so tests can drive the scheduler with
// a fake clock; Run calls it on the configured resolution.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if v := s.registry.Version(); v != s.lastVersion {
		s.lastVersion = v
		s.prune()
	}
	for _, src := range s.registry.List(true) {
		e := s.entry(src.ID)
		switch e.state {
		case stateIdle:
			if e.lastStart.IsZero() || !now.Before(e.lastStart.Add(src.Interval())) {
				e.state = stateQueued
				s.queue = append(s.queue, src.ID)
			}
		case stateBackoff:
			if !now.Before(e.nextAttempt) {
				e.state = stateQueued
				s.queue = append(s.queue, src.ID)
			}
		}
	}
	s.mu.Unlock()

	s.dispatch(ctx)
}

// prune drops state for sources removed from the registry. Queued and
// in-flight sources keep their entry until the collection settles.
// Caller holds s.mu.
func (s *Scheduler) prune() {
	for id, e := range s.entries {
		if e.state != stateIdle && e.state != stateBackoff {
			continue
		}
		if _, err := s.registry.Get(id); err != nil {
			delete(s.entries, id)
		}
	}
}

// entry returns the state record for a source, creating it on first sight.
// Caller holds s.mu.
func (s *Scheduler) entry(id string) *sourceEntry {
	e, ok := s.entries[id]
	if !ok {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     s.cfg.BackoffBase,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         s.cfg.BackoffMax,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		b.Reset()
		e = &sourceEntry{backoff: b}
		s.entries[id] = e
	}
	return e
}

// dispatch launches queued collections while workers are free.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.stopped && s.inFlight < s.cfg.Concurrency && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]

		src, err := s.registry.Get(id)
		if err != nil || !src.Enabled {
			// Removed or disabled while queued.
			s.entries[id].state = stateIdle
			continue
		}

		e := s.entries[id]
		e.state = stateCollecting
		e.lastStart = s.clock.Now()
		s.inFlight++
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.collect(ctx, src)

			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
			// A freed worker may unblock a queued source.
			s.dispatch(ctx)
		}()
	}
}

// collect runs one collection for a source and applies the outcome to the
// source's state machine. Collector failures never escape this boundary.
func (s *Scheduler) collect(ctx context.Context, src *source.Source) {
	start := s.clock.Now()

	wm, err := s.store.Watermark(ctx, src.ID)
	if err != nil {
		s.logger.Error("read watermark", "source", src.ID, "error", err)
		s.finish(ctx, src, start, err)
		return
	}
	since := wm
	if since.IsZero() {
		since = start.Add(-s.cfg.InitialLookback)
	}

	collectCtx, cancel := context.WithTimeout(ctx, s.cfg.CollectTimeout)
	defer cancel()

	timer := time.Now()
	events, collectErr := s.collectors.Collect(collectCtx, src, since)
	metrics.CollectionDuration.WithLabelValues(src.ID).Observe(time.Since(timer).Seconds())

	// Partial results are appended even when the fetch failed: the dedup
	// key makes the retry of the same window idempotent.
	if len(events) > 0 {
		inserted, appendErr := s.store.AppendEvents(ctx, events)
		if appendErr != nil {
			s.logger.Error("append events", "source", src.ID, "error", appendErr)
			if collectErr == nil {
				collectErr = collector.NewUnavailableError(appendErr)
			}
		} else {
			metrics.EventsInserted.WithLabelValues(src.ID).Add(float64(inserted))
			s.logger.Info("collection stored events",
				"source", src.ID, "fetched", len(events), "inserted", inserted)
		}
	}

	if collectErr == nil {
		// Advance the watermark to the collection start: anything
		// observed after it is picked up by the next cycle.
		if err := s.store.SetWatermark(ctx, src.ID, start); err != nil {
			s.logger.Error("advance watermark", "source", src.ID, "error", err)
		}
	}

	s.finish(ctx, src, start, collectErr)
}

// finish applies a collection outcome: success resets the backoff, an
// unavailable source backs off exponentially, and an invalid configuration
// disables the source.
func (s *Scheduler) finish(ctx context.Context, src *source.Source, start time.Time, collectErr error) {
	now := s.clock.Now()
	status := store.SourceStatus{SourceID: src.ID, LastChecked: &start}

	s.mu.Lock()
	e := s.entries[src.ID]
	switch {
	case collectErr == nil:
		e.state = stateIdle
		e.failures = 0
		e.backoff.Reset()
		metrics.CollectionsTotal.WithLabelValues(src.ID, "success").Inc()

	case isInvalidConfig(collectErr):
		e.state = stateIdle
		status.LastError = collectErr.Error()
		metrics.CollectionsTotal.WithLabelValues(src.ID, "invalid").Inc()
		s.logger.Error("source misconfigured, disabling", "source", src.ID, "error", collectErr)

	default:
		e.failures++
		delay := e.backoff.NextBackOff()
		e.nextAttempt = now.Add(delay)
		e.state = stateBackoff
		status.LastError = collectErr.Error()
		status.ConsecutiveFailures = e.failures
		next := e.nextAttempt
		status.NextAttempt = &next
		metrics.CollectionsTotal.WithLabelValues(src.ID, "unavailable").Inc()
		s.logger.Warn("collection failed, backing off",
			"source", src.ID, "failures", e.failures, "retry_in", delay, "error", collectErr)
	}
	if e.pending {
		e.pending = false
		if !s.stopped && (e.state == stateIdle || e.state == stateBackoff) {
			e.state = stateQueued
			s.queue = append(s.queue, src.ID)
		}
	}
	s.mu.Unlock()

	if isInvalidConfig(collectErr) {
		if err := s.registry.Disable(src.ID); err != nil {
			s.logger.Error("disable source", "source", src.ID, "error", err)
		}
	}

	if err := s.store.UpsertSourceStatus(ctx, &status); err != nil {
		s.logger.Error("record source status", "source", src.ID, "error", err)
	}
}

func isInvalidConfig(err error) bool {
	var cfgErr *source.InvalidConfigError
	return errors.As(err, &cfgErr)
}

// NextAttempt reports when a backed-off source will retry. Zero time for
// sources not in backoff.
func (s *Scheduler) NextAttempt(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.state != stateBackoff {
		return time.Time{}
	}
	return e.nextAttempt
}
