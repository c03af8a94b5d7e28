package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siglab/scout/analysis"
	"github.com/siglab/scout/metrics"
	"github.com/siglab/scout/store"
)

const (
	systemPrompt = "You are an expert analyst specializing in open-source intelligence data. " +
		"You summarize collection windows for operators: factual, specific, no speculation."

	// maxPromptEvents caps how many event lines go into the prompt.
	maxPromptEvents = 20
	// maxTitleLen truncates individual event titles in the prompt.
	maxTitleLen = 120
)

var retryDelay = 2 * time.Second

// Completer is the completion boundary the generator talks to.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// Generator produces one stored natural-language summary per closed
// analysis window. It consumes windows as an analysis sink.
type Generator struct {
	store     *store.Store
	completer Completer
	threshold float64 // sentiment bucket threshold, for the prompt
	logger    *slog.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithLogger sets the generator logger.
func WithLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator builds a generator over the given store and completion
// client.
func NewGenerator(st *store.Store, c Completer, sentimentThreshold float64, opts ...GeneratorOption) *Generator {
	g := &Generator{
		store:     st,
		completer: c,
		threshold: sentimentThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WindowClosed summarizes one closed window. Failures are logged and
// leave the window without an insight; nothing downstream depends on
// one existing.
func (g *Generator) WindowClosed(ctx context.Context, agg analysis.Aggregate, events []store.Event) {
	if _, err := g.Summarize(ctx, agg, events); err != nil {
		g.logger.Warn("window left without insight",
			"key", agg.Key, "window_end", agg.WindowEnd, "error", err)
	}
}

// Summarize generates and stores the summary for one window. A window
// that already has an insight is left untouched; regeneration requires
// invalidating the stored insight first. Empty windows are skipped.
func (g *Generator) Summarize(ctx context.Context, agg analysis.Aggregate, events []store.Event) (*store.Insight, error) {
	if agg.Count == 0 {
		return nil, nil
	}
	exists, err := g.store.HasInsight(ctx, agg.Key, agg.WindowStart, agg.WindowEnd)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(&agg, events, g.threshold)},
	}

	completion, err := g.complete(ctx, messages)
	if err != nil {
		metrics.CompletionCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("summarize window %s/%s: %w",
			agg.Key, agg.WindowEnd.UTC().Format(time.RFC3339), err)
	}
	metrics.CompletionCalls.WithLabelValues("success").Inc()

	in := &store.Insight{
		ID:          uuid.NewString(),
		Topic:       agg.Key,
		WindowStart: agg.WindowStart,
		WindowEnd:   agg.WindowEnd,
		Summary:     parseSummary(completion.Content),
		Model:       completion.Model,
		GeneratedAt: time.Now().UTC(),
	}
	written, err := g.store.InsertInsight(ctx, in)
	if err != nil {
		return nil, err
	}
	if !written {
		// Another writer got there first; keep the stored one.
		return nil, nil
	}
	g.logger.Info("insight generated",
		"key", agg.Key, "window_end", agg.WindowEnd, "model", in.Model, "tokens", completion.TotalTokens)
	return in, nil
}

// complete calls the boundary with a single retry on transient failure.
func (g *Generator) complete(ctx context.Context, messages []Message) (*Completion, error) {
	completion, err := g.completer.Complete(ctx, messages)
	if err == nil {
		return completion, nil
	}
	if !IsTransient(err) {
		return nil, err
	}

	g.logger.Debug("completion failed, retrying once", "error", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(retryDelay):
	}
	return g.completer.Complete(ctx, messages)
}

// parseSummary accepts either a bare text reply or the JSON object some
// models return when asked to summarize, keyed by "summary".
func parseSummary(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj.Summary != "" {
			return strings.TrimSpace(obj.Summary)
		}
	}
	return trimmed
}

// buildPrompt renders a bounded prompt from the window's aggregate and
// a sample of its events.
func buildPrompt(agg *analysis.Aggregate, events []store.Event, threshold float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Collection window for %q, %s to %s.\n",
		agg.Key,
		agg.WindowStart.UTC().Format(time.RFC3339),
		agg.WindowEnd.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Mentions: %d (rate of change %+.2f). Sentiment: %s (mean %.2f; %d positive, %d neutral, %d negative).\n",
		agg.Count, agg.RateOfChange, agg.SentimentLabel(threshold), agg.MeanSentiment,
		agg.Positive, agg.Neutral, agg.Negative)
	if agg.Status == analysis.StatusAnomalous {
		if agg.ZScore != nil {
			fmt.Fprintf(&b, "The mention count is anomalous versus recent windows (z-score %.2f).\n", *agg.ZScore)
		} else {
			b.WriteString("The mention count is anomalous versus recent windows.\n")
		}
	}

	b.WriteString("\nSample of collected items:\n")
	n := len(events)
	if n > maxPromptEvents {
		n = maxPromptEvents
	}
	for _, ev := range events[:n] {
		title := ev.Title
		if title == "" {
			title = ev.ExternalID
		}
		if len(title) > maxTitleLen {
			title = title[:maxTitleLen] + "..."
		}
		fmt.Fprintf(&b, "- [%s] %s\n", ev.Kind, title)
	}
	if len(events) > n {
		fmt.Fprintf(&b, "(and %d more)\n", len(events)-n)
	}

	b.WriteString("\nProvide a concise summary of this window in 2-3 sentences, highlighting the most important points and any notable shift from recent activity.")
	return b.String()
}
