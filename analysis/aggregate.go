package analysis

import (
	"math"
	"time"
)

// Status classifies a scored window.
type Status string

const (
	// StatusOK means the window's count sits within the expected band of
	// its trailing windows.
	StatusOK Status = "ok"
	// StatusAnomalous means the window's count deviates from the trailing
	// windows by more than the configured sensitivity.
	StatusAnomalous Status = "anomalous"
	// StatusInsufficientHistory means fewer than two trailing windows
	// exist, so the window cannot be scored.
	StatusInsufficientHistory Status = "insufficient_history"
)

// Aggregate holds the derived statistics of one analysis window for one
// key (a topic, or a source ID when the source has no topic). Immutable
// once the window has closed.
type Aggregate struct {
	Key         string    `json:"key"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Count         int     `json:"count"`
	MeanSentiment float64 `json:"mean_sentiment"`
	// Scored is the number of events that carried a sentiment score and
	// therefore contributed to MeanSentiment.
	Scored   int `json:"scored"`
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`

	// RateOfChange compares Count against the immediately preceding
	// window: (count - previous) / previous.
	RateOfChange float64 `json:"rate_of_change"`

	Status Status `json:"status"`
	// ZScore is nil when the window could not be scored, including the
	// zero-spread case where the trailing deviation is undefined.
	ZScore *float64 `json:"z_score,omitempty"`
}

// SentimentLabel buckets the window's mean sentiment at the given
// magnitude threshold.
func (a *Aggregate) SentimentLabel(threshold float64) string {
	switch {
	case a.Scored == 0:
		return "neutral"
	case a.MeanSentiment >= threshold:
		return "positive"
	case a.MeanSentiment <= -threshold:
		return "negative"
	default:
		return "neutral"
	}
}

// meanStddev returns the sample mean and sample standard deviation of
// the counts of the given aggregates.
func meanStddev(trailing []Aggregate) (mean, stddev float64) {
	n := float64(len(trailing))
	if n == 0 {
		return 0, 0
	}
	for _, a := range trailing {
		mean += float64(a.Count)
	}
	mean /= n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, a := range trailing {
		d := float64(a.Count) - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}
