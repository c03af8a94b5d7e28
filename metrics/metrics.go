// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CollectionsTotal counts collection attempts by source and outcome
	// (success, unavailable, invalid).
	CollectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scout",
		Name:      "collections_total",
		Help:      "Collection attempts by source and outcome.",
	}, []string{"source", "outcome"})

	// CollectionDuration observes how long collections take.
	CollectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scout",
		Name:      "collection_duration_seconds",
		Help:      "Collection duration by source.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// EventsInserted counts events actually written (after dedup).
	EventsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scout",
		Name:      "events_inserted_total",
		Help:      "Events inserted into the history store by source.",
	}, []string{"source"})

	// WindowsScored counts analysis windows by status
	// (ok, anomalous, insufficient_history).
	WindowsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scout",
		Name:      "windows_scored_total",
		Help:      "Analysis windows scored by status.",
	}, []string{"topic", "status"})

	// AlertsTotal counts alerts by rule and disposition (created, merged).
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scout",
		Name:      "alerts_total",
		Help:      "Alert decisions by rule and disposition.",
	}, []string{"rule", "disposition"})

	// CompletionCalls counts calls to the text-completion boundary.
	CompletionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scout",
		Name:      "completion_calls_total",
		Help:      "Text-completion calls by outcome.",
	}, []string{"outcome"})
)
