package analysis

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/siglab/scout/metrics"
	"github.com/siglab/scout/scheduler"
	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// Config holds the engine tuning knobs.
type Config struct {
	// Window is the analysis window length.
	Window time.Duration
	// TrailingWindows is how many closed windows back the anomaly score
	// looks. Also the ring capacity per key.
	TrailingWindows int
	// AnomalySensitivity is the absolute z-score above which a window is
	// flagged anomalous.
	AnomalySensitivity float64
	// SentimentThreshold is the magnitude at which a sentiment score
	// leaves the neutral bucket.
	SentimentThreshold float64
	// CycleInterval is how often the engine checks for closed windows.
	CycleInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Window:             24 * time.Hour,
		TrailingWindows:    6,
		AnomalySensitivity: 0.8,
		SentimentThreshold: 0.6,
		CycleInterval:      time.Minute,
	}
}

// Sink receives every window aggregate the moment its window closes,
// together with the window's events. Sinks run synchronously in cycle
// order, so they should hand long work off themselves.
type Sink interface {
	WindowClosed(ctx context.Context, agg Aggregate, events []store.Event)
}

// keyState tracks one analysis key between cycles.
type keyState struct {
	ring *ring
	// nextEnd is the end boundary of the next window to close.
	nextEnd time.Time
}

// Engine computes window aggregates per analysis key and scores each
// closed window against its trailing windows.
type Engine struct {
	store    *store.Store
	registry *source.Registry
	cfg      Config
	clock    scheduler.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*keyState
	sinks  []Sink
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c scheduler.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an engine over the given store and source registry.
func New(st *store.Store, reg *source.Registry, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.TrailingWindows <= 0 {
		cfg.TrailingWindows = def.TrailingWindows
	}
	if cfg.AnomalySensitivity <= 0 {
		cfg.AnomalySensitivity = def.AnomalySensitivity
	}
	if cfg.SentimentThreshold <= 0 {
		cfg.SentimentThreshold = def.SentimentThreshold
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}

	e := &Engine{
		store:    st,
		registry: reg,
		cfg:      cfg,
		clock:    scheduler.SystemClock(),
		logger:   slog.Default(),
		states:   make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddSink registers a window consumer. Register sinks before Run.
func (e *Engine) AddSink(s Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Run cycles the engine until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	e.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle processes every window that has closed since the previous cycle,
// for every analysis key of the enabled sources. Exposed so tests can
// drive the engine with a fake clock.
func (e *Engine) Cycle(ctx context.Context) {
	latest := e.clock.Now().Truncate(e.cfg.Window)

	for _, key := range e.keys() {
		st := e.state(key)
		if st.nextEnd.IsZero() {
			e.warmUp(ctx, st, key, latest)
			continue
		}
		for !st.nextEnd.After(latest) {
			e.closeWindow(ctx, st, key, st.nextEnd)
			st.nextEnd = st.nextEnd.Add(e.cfg.Window)
		}
	}
}

// keys returns the sorted set of analysis keys across enabled sources.
func (e *Engine) keys() []string {
	seen := make(map[string]struct{})
	for _, src := range e.registry.List(true) {
		seen[src.AnalysisKey()] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) state(key string) *keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[key]
	if !ok {
		// Capacity covers the trailing score lookback and leaves slack
		// for the read API.
		st = &keyState{ring: newRing(max(e.cfg.TrailingWindows, 24))}
		e.states[key] = st
	}
	return st
}

// warmUp rebuilds the trailing ring for a key first seen at startup by
// recomputing the already-closed windows back to the key's earliest
// event. Sinks are not notified for rebuilt windows; re-running them
// would replay alerts and insights the previous run already produced.
func (e *Engine) warmUp(ctx context.Context, st *keyState, key string, latest time.Time) {
	st.nextEnd = latest.Add(e.cfg.Window)

	first, err := e.store.QueryEvents(ctx, store.EventQuery{Topic: key, To: latest, Limit: 1})
	if err != nil {
		e.logger.Error("window warm-up", "key", key, "error", err)
		return
	}
	if len(first) == 0 {
		return
	}

	start := first[0].ObservedAt.Truncate(e.cfg.Window)
	if floor := latest.Add(-time.Duration(e.cfg.TrailingWindows) * e.cfg.Window); start.Before(floor) {
		start = floor
	}
	for end := start.Add(e.cfg.Window); !end.After(latest); end = end.Add(e.cfg.Window) {
		agg, _, err := e.compute(ctx, key, end.Add(-e.cfg.Window), end)
		if err != nil {
			e.logger.Error("window warm-up", "key", key, "error", err)
			return
		}
		e.mu.Lock()
		e.score(&agg, st.ring.last(e.cfg.TrailingWindows))
		st.ring.push(agg)
		e.mu.Unlock()
	}
}

// closeWindow computes, scores, records and publishes one closed window.
func (e *Engine) closeWindow(ctx context.Context, st *keyState, key string, end time.Time) {
	agg, events, err := e.compute(ctx, key, end.Add(-e.cfg.Window), end)
	if err != nil {
		e.logger.Error("close window", "key", key, "window_end", end, "error", err)
		return
	}
	e.mu.Lock()
	e.score(&agg, st.ring.last(e.cfg.TrailingWindows))
	st.ring.push(agg)
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	metrics.WindowsScored.WithLabelValues(key, string(agg.Status)).Inc()
	e.logger.Info("window closed",
		"key", key, "window_end", end, "count", agg.Count,
		"status", agg.Status, "sentiment", agg.SentimentLabel(e.cfg.SentimentThreshold))

	for _, s := range sinks {
		s.WindowClosed(ctx, agg, events)
	}
}

// ComputeWindow derives the aggregate for one key and window from the
// stored events. Deterministic: the same event set yields the same
// aggregate.
func (e *Engine) ComputeWindow(ctx context.Context, key string, start, end time.Time) (Aggregate, error) {
	agg, _, err := e.compute(ctx, key, start, end)
	return agg, err
}

func (e *Engine) compute(ctx context.Context, key string, start, end time.Time) (Aggregate, []store.Event, error) {
	events, err := e.store.QueryEvents(ctx, store.EventQuery{Topic: key, From: start, To: end})
	if err != nil {
		return Aggregate{}, nil, err
	}

	agg := Aggregate{
		Key:         key,
		WindowStart: start,
		WindowEnd:   end,
		Count:       len(events),
		Status:      StatusInsufficientHistory,
	}
	var sum float64
	for _, ev := range events {
		if ev.Sentiment == nil {
			agg.Neutral++
			continue
		}
		sum += *ev.Sentiment
		agg.Scored++
		switch {
		case *ev.Sentiment >= e.cfg.SentimentThreshold:
			agg.Positive++
		case *ev.Sentiment <= -e.cfg.SentimentThreshold:
			agg.Negative++
		default:
			agg.Neutral++
		}
	}
	if agg.Scored > 0 {
		agg.MeanSentiment = sum / float64(agg.Scored)
	}
	return agg, events, nil
}

// score fills in rate-of-change, z-score and status from the trailing
// closed windows.
func (e *Engine) score(agg *Aggregate, trailing []Aggregate) {
	if len(trailing) > 0 {
		prev := trailing[len(trailing)-1].Count
		switch {
		case prev > 0:
			agg.RateOfChange = float64(agg.Count-prev) / float64(prev)
		case agg.Count > 0:
			agg.RateOfChange = 1
		}
	}

	if len(trailing) < 2 {
		agg.Status = StatusInsufficientHistory
		return
	}

	mean, stddev := meanStddev(trailing)
	if stddev == 0 {
		// No spread in the trailing counts: any deviation at all is out
		// of band, but the z-score itself is undefined.
		if float64(agg.Count) == mean {
			z := 0.0
			agg.ZScore = &z
			agg.Status = StatusOK
		} else {
			agg.Status = StatusAnomalous
		}
		return
	}

	z := (float64(agg.Count) - mean) / stddev
	agg.ZScore = &z
	if z < -e.cfg.AnomalySensitivity || z > e.cfg.AnomalySensitivity {
		agg.Status = StatusAnomalous
	} else {
		agg.Status = StatusOK
	}
}

// Recent returns up to n of the most recently closed aggregates for a
// key, oldest first.
func (e *Engine) Recent(key string, n int) []Aggregate {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[key]
	if !ok {
		return nil
	}
	return st.ring.last(n)
}

// Keys returns the analysis keys the engine has seen, sorted.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.states))
	for k := range e.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
