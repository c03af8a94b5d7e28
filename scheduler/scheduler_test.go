package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siglab/scout/collector"
	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// fakeClock satisfies Clock and is advanced explicitly by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCollectors records collection invocations and fails sources on demand.
type fakeCollectors struct {
	mu      sync.Mutex
	calls   []string
	sinces  map[string][]time.Time
	failing map[string]error
	block   chan struct{} // when set, Collect blocks until closed
	events  map[string][]store.Event
}

func newFakeCollectors() *fakeCollectors {
	return &fakeCollectors{
		sinces:  make(map[string][]time.Time),
		failing: make(map[string]error),
		events:  make(map[string][]store.Event),
	}
}

func (f *fakeCollectors) Collect(ctx context.Context, src *source.Source, since time.Time) ([]store.Event, error) {
	f.mu.Lock()
	f.calls = append(f.calls, src.ID)
	f.sinces[src.ID] = append(f.sinces[src.ID], since)
	err := f.failing[src.ID]
	events := f.events[src.ID]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (f *fakeCollectors) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

func (f *fakeCollectors) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func testSource(id string, interval int, enabled bool) *source.Source {
	return &source.Source{
		ID:            id,
		Type:          source.TypeFeed,
		CheckInterval: interval,
		Enabled:       enabled,
		Feed:          &source.FeedConfig{URLs: []string{"https://example.com/feed"}},
	}
}

func newTestScheduler(t *testing.T, cfg Config, clock Clock, fc *fakeCollectors, sources ...*source.Source) (*Scheduler, *source.Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := source.NewRegistry()
	for _, src := range sources {
		_, err := reg.Upsert(src)
		require.NoError(t, err)
	}

	s := New(reg, fc, st, cfg, WithClock(clock))
	return s, reg, st
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestSchedulerSkipsDisabledSources(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	s, _, _ := newTestScheduler(t, Config{}, clock, fc,
		testSource("on", 300, true),
		testSource("off", 300, false),
	)

	ctx := context.Background()
	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("on") == 1 }, "enabled source should collect")

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fc.callCount("off"), "disabled source must never be invoked")
}

func TestSchedulerRespectsInterval(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	s, _, _ := newTestScheduler(t, Config{}, clock, fc, testSource("gh-1", 300, true))

	ctx := context.Background()
	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("gh-1") == 1 }, "initial collection")

	// Not due yet.
	clock.Advance(100 * time.Second)
	s.Tick(ctx)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fc.callCount("gh-1"))

	// Interval measured from the previous start.
	clock.Advance(200 * time.Second)
	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("gh-1") == 2 }, "collection after interval")
}

func TestSchedulerEnableMidRun(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	src := testSource("gh-1", 300, false)
	s, reg, _ := newTestScheduler(t, Config{}, clock, fc, src)

	ctx := context.Background()
	s.Tick(ctx)
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, fc.callCount("gh-1"))

	enabled := *src
	enabled.Enabled = true
	_, err := reg.Upsert(&enabled)
	require.NoError(t, err)

	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("gh-1") == 1 },
		"exactly one collection within a cycle of enabling")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fc.callCount("gh-1"))
}

func TestSchedulerBackoffProgression(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	fc := newFakeCollectors()
	fc.failing["gh-1"] = collector.NewUnavailableError(assert.AnError)

	cfg := Config{BackoffBase: 60 * time.Second, BackoffMax: 480 * time.Second}
	s, _, st := newTestScheduler(t, cfg, clock, fc, testSource("gh-1", 60, true))
	ctx := context.Background()

	wantDelays := []time.Duration{
		60 * time.Second, 120 * time.Second, 240 * time.Second,
		480 * time.Second, 480 * time.Second,
	}
	for i, want := range wantDelays {
		s.Tick(ctx)
		waitFor(t, func() bool { return fc.callCount("gh-1") == i+1 }, "collection attempt")
		waitFor(t, func() bool { return !s.NextAttempt("gh-1").IsZero() }, "backoff recorded")

		next := s.NextAttempt("gh-1")
		assert.Equal(t, want, next.Sub(clock.Now()), "attempt %d delay", i+1)

		// Watermark never advances while the source is failing.
		wm, err := st.Watermark(ctx, "gh-1")
		require.NoError(t, err)
		assert.True(t, wm.IsZero())

		clock.Advance(next.Sub(clock.Now()))
	}

	// Success resets the cadence to the check interval.
	fc.mu.Lock()
	delete(fc.failing, "gh-1")
	fc.mu.Unlock()

	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("gh-1") == len(wantDelays)+1 }, "recovery attempt")
	waitFor(t, func() bool {
		wm, _ := st.Watermark(ctx, "gh-1")
		return !wm.IsZero()
	}, "watermark advances on success")
	assert.True(t, s.NextAttempt("gh-1").IsZero(), "backoff cleared on success")
}

func TestSchedulerRetriesSameWindowAfterFailure(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	fc := newFakeCollectors()
	fc.failing["gh-1"] = collector.NewUnavailableError(assert.AnError)

	cfg := Config{BackoffBase: 10 * time.Second, BackoffMax: 40 * time.Second, InitialLookback: time.Hour}
	s, _, _ := newTestScheduler(t, cfg, clock, fc, testSource("gh-1", 60, true))
	ctx := context.Background()

	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("gh-1") == 1 }, "first attempt")
	waitFor(t, func() bool { return !s.NextAttempt("gh-1").IsZero() }, "first failure recorded")
	clock.Advance(10 * time.Second)
	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("gh-1") == 2 }, "retry")

	fc.mu.Lock()
	sinces := fc.sinces["gh-1"]
	fc.mu.Unlock()
	require.Len(t, sinces, 2)
	assert.True(t, sinces[0].Equal(start.Add(-time.Hour)))
	assert.True(t, sinces[1].Equal(start.Add(10*time.Second).Add(-time.Hour)),
		"failed collection must not advance the watermark")
}

func TestSchedulerConcurrencyLimitFIFO(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	fc.block = make(chan struct{})

	s, _, _ := newTestScheduler(t, Config{Concurrency: 1}, clock, fc,
		testSource("a", 300, true),
		testSource("b", 300, true),
		testSource("c", 300, true),
	)
	ctx := context.Background()

	s.Tick(ctx)
	waitFor(t, func() bool { return len(fc.callOrder()) == 1 }, "one in flight")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, fc.callOrder(), 1, "concurrency limit of one")

	close(fc.block)
	waitFor(t, func() bool { return len(fc.callOrder()) == 3 }, "queue drains after workers free up")
	assert.Equal(t, []string{"a", "b", "c"}, fc.callOrder(), "submission order is FIFO")
}

func TestSchedulerNeverOverlapsOneSource(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	fc.block = make(chan struct{})

	s, _, _ := newTestScheduler(t, Config{Concurrency: 5}, clock, fc, testSource("a", 60, true))
	ctx := context.Background()

	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("a") == 1 }, "collection starts")

	// Long past due, but the previous collection is still running.
	clock.Advance(10 * time.Minute)
	s.Tick(ctx)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fc.callCount("a"), "collections of one source are strictly sequential")

	close(fc.block)
	require.Eventually(t, func() bool {
		s.Tick(ctx)
		return fc.callCount("a") == 2
	}, 2*time.Second, 5*time.Millisecond, "next collection after the first finishes")
}

func TestSchedulerTrigger(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	s, _, _ := newTestScheduler(t, Config{}, clock, fc,
		testSource("a", 300, true),
		testSource("off", 300, false),
	)
	ctx := context.Background()

	require.NoError(t, s.Trigger(ctx, "a"))
	waitFor(t, func() bool { return fc.callCount("a") == 1 }, "triggered collection")

	assert.Error(t, s.Trigger(ctx, "off"), "disabled source cannot be triggered")
	assert.Error(t, s.Trigger(ctx, "missing"))
}

func TestSchedulerStoresEventsAndStatus(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	fc.events["a"] = []store.Event{{
		SourceID:   "a",
		ExternalID: "x-1",
		Topic:      "a",
		Kind:       "article",
		ObservedAt: clock.Now().Add(-time.Hour),
	}}

	s, _, st := newTestScheduler(t, Config{}, clock, fc, testSource("a", 300, true))
	ctx := context.Background()

	s.Tick(ctx)
	waitFor(t, func() bool {
		n, _ := st.CountEvents(ctx, "a")
		return n == 1
	}, "events stored")

	waitFor(t, func() bool {
		statuses, _ := st.SourceStatuses(ctx)
		_, ok := statuses["a"]
		return ok
	}, "status recorded")
}

func TestSchedulerTriggerWhileCollectingRunsAgain(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()
	fc.block = make(chan struct{})

	s, _, _ := newTestScheduler(t, Config{Concurrency: 1}, clock, fc, testSource("a", 300, true))
	ctx := context.Background()

	s.Tick(ctx)
	waitFor(t, func() bool { return fc.callCount("a") == 1 }, "first collection started")

	require.NoError(t, s.Trigger(ctx, "a"))
	assert.Equal(t, 1, fc.callCount("a"), "trigger must not overlap the running collection")

	close(fc.block)
	waitFor(t, func() bool { return fc.callCount("a") == 2 }, "trigger runs once the collection settles")
}

func TestSchedulerPrunesRemovedSources(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	fc := newFakeCollectors()

	s, reg, _ := newTestScheduler(t, Config{Concurrency: 2}, clock, fc,
		testSource("a", 300, true), testSource("b", 300, true))
	ctx := context.Background()

	s.Tick(ctx)
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.inFlight == 0 && len(s.entries) == 2
	}, "both collections settled")

	require.NoError(t, reg.Replace([]*source.Source{testSource("a", 300, true)}))
	s.Tick(ctx)

	s.mu.Lock()
	_, hasA := s.entries["a"]
	_, hasB := s.entries["b"]
	s.mu.Unlock()
	assert.True(t, hasA)
	assert.False(t, hasB, "state for removed sources is dropped")
}
