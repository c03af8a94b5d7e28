package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/siglab/scout/analysis"
	"github.com/siglab/scout/metrics"
	"github.com/siglab/scout/scheduler"
	"github.com/siglab/scout/store"
)

// Publisher pushes created alerts to an external channel. Publish
// failures are logged, never fatal.
type Publisher interface {
	Publish(ctx context.Context, a *store.Alert) error
}

// Manager evaluates closed window aggregates against the configured
// rules and records breaches, suppressing repeats inside each rule's
// cool-down window. It consumes windows as an analysis sink.
type Manager struct {
	store     *store.Store
	rules     []Rule
	clock     scheduler.Clock
	logger    *slog.Logger
	publisher Publisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c scheduler.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPublisher forwards created alerts to an external channel.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// New builds a manager from the given rule set. A misconfigured rule is
// dropped with a log line; the remaining rules stay in force.
func New(st *store.Store, rules []Rule, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		clock:  scheduler.SystemClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			m.logger.Error("dropping misconfigured alert rule", "rule", r.ID, "error", err)
			continue
		}
		m.rules = append(m.rules, r)
	}
	return m
}

// Rules returns the rules in force.
func (m *Manager) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// WindowClosed evaluates every rule against one closed aggregate.
func (m *Manager) WindowClosed(ctx context.Context, agg analysis.Aggregate, _ []store.Event) {
	for i := range m.rules {
		m.evaluate(ctx, &m.rules[i], &agg)
	}
}

func (m *Manager) evaluate(ctx context.Context, r *Rule, agg *analysis.Aggregate) {
	if r.Topic != "" && r.Topic != agg.Key {
		return
	}
	value, ok := r.metricValue(agg)
	if !ok {
		return
	}
	if !r.breached(value) {
		return
	}

	now := m.clock.Now()
	active, err := m.store.ActiveAlert(ctx, r.ID, now)
	if err != nil {
		m.logger.Error("look up active alert", "rule", r.ID, "error", err)
		return
	}
	if active != nil {
		// Repeat breach inside the cool-down: keep the worst observed
		// value on the existing alert, no new row.
		if err := m.store.MergeAlertValue(ctx, active.ID, value); err != nil {
			m.logger.Error("merge alert value", "rule", r.ID, "alert", active.ID, "error", err)
			return
		}
		metrics.AlertsTotal.WithLabelValues(r.ID, "merged").Inc()
		m.logger.Info("alert breach merged",
			"rule", r.ID, "alert", active.ID, "key", agg.Key, "value", value)
		return
	}

	a := &store.Alert{
		ID:          uuid.NewString(),
		RuleID:      r.ID,
		TriggeredAt: now,
		Severity:    r.severityFor(value),
		Metric:      string(r.Metric),
		MetricValue: value,
		Threshold:   r.Threshold,
		Topic:       agg.Key,
		Message: fmt.Sprintf("%s %s %g on %s: observed %g in window ending %s",
			r.Metric, r.Comparison, r.Threshold, agg.Key, value,
			agg.WindowEnd.UTC().Format("2006-01-02T15:04:05Z")),
		SuppressedUntil: now.Add(r.CoolDown()),
	}
	if err := m.store.InsertAlert(ctx, a); err != nil {
		m.logger.Error("insert alert", "rule", r.ID, "error", err)
		return
	}
	metrics.AlertsTotal.WithLabelValues(r.ID, "created").Inc()
	m.logger.Warn("alert created",
		"rule", r.ID, "alert", a.ID, "key", agg.Key, "severity", a.Severity,
		"metric", r.Metric, "value", value, "threshold", r.Threshold)

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, a); err != nil {
			m.logger.Error("publish alert", "alert", a.ID, "error", err)
		}
	}
}
