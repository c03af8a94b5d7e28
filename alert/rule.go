package alert

import (
	"fmt"
	"math"
	"time"

	"github.com/siglab/scout/analysis"
)

// Metric names a window aggregate field a rule can threshold.
type Metric string

const (
	MetricCount         Metric = "count"
	MetricMeanSentiment Metric = "mean_sentiment"
	MetricRateOfChange  Metric = "rate_of_change"
	MetricZScore        Metric = "z_score"
)

// Comparison is the operator between a metric value and a threshold.
type Comparison string

const (
	CompareGT Comparison = "gt"
	CompareLT Comparison = "lt"
	CompareGE Comparison = "ge"
	CompareLE Comparison = "le"
)

var severities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Rule thresholds one metric of closed window aggregates. An empty Topic
// applies the rule to every analysis key.
type Rule struct {
	ID         string     `yaml:"id" json:"id"`
	Topic      string     `yaml:"topic,omitempty" json:"topic,omitempty"`
	Metric     Metric     `yaml:"metric" json:"metric"`
	Comparison Comparison `yaml:"comparison" json:"comparison"`
	Threshold  float64    `yaml:"threshold" json:"threshold"`
	// CoolDownSeconds is how long repeat breaches merge into the alert
	// instead of creating a new one.
	CoolDownSeconds int    `yaml:"cool_down_seconds" json:"cool_down_seconds"`
	Severity        string `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// CoolDown returns the suppression window as a duration.
func (r *Rule) CoolDown() time.Duration {
	return time.Duration(r.CoolDownSeconds) * time.Second
}

// Validate reports the first problem with the rule definition.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule has no id")
	}
	switch r.Metric {
	case MetricCount, MetricMeanSentiment, MetricRateOfChange, MetricZScore:
	default:
		return fmt.Errorf("rule %s: unknown metric %q", r.ID, r.Metric)
	}
	switch r.Comparison {
	case CompareGT, CompareLT, CompareGE, CompareLE:
	default:
		return fmt.Errorf("rule %s: unknown comparison %q", r.ID, r.Comparison)
	}
	if r.CoolDownSeconds <= 0 {
		return fmt.Errorf("rule %s: cool_down_seconds must be positive", r.ID)
	}
	if r.Severity != "" && !severities[r.Severity] {
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	return nil
}

// metricValue extracts the rule's metric from an aggregate. Not every
// window carries every metric: the z-score is absent until enough
// trailing history exists.
func (r *Rule) metricValue(agg *analysis.Aggregate) (float64, bool) {
	switch r.Metric {
	case MetricCount:
		return float64(agg.Count), true
	case MetricMeanSentiment:
		return agg.MeanSentiment, agg.Scored > 0
	case MetricRateOfChange:
		return agg.RateOfChange, true
	case MetricZScore:
		if agg.ZScore == nil {
			return 0, false
		}
		return *agg.ZScore, true
	}
	return 0, false
}

// severityFor grades a breach. A rule with an explicit severity keeps
// it; otherwise the grade scales with how far the value overshoots the
// threshold.
func (r *Rule) severityFor(value float64) string {
	if r.Severity != "" {
		return r.Severity
	}
	base := math.Abs(r.Threshold)
	if base == 0 {
		base = 1
	}
	excess := math.Abs(value-r.Threshold) / base
	switch {
	case excess >= 2:
		return "critical"
	case excess >= 1:
		return "high"
	case excess >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// breached applies the rule's comparison to a metric value.
func (r *Rule) breached(value float64) bool {
	switch r.Comparison {
	case CompareGT:
		return value > r.Threshold
	case CompareLT:
		return value < r.Threshold
	case CompareGE:
		return value >= r.Threshold
	case CompareLE:
		return value <= r.Threshold
	}
	return false
}
