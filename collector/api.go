package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// apiCollector collects from a generic JSON API. The endpoint returns a
// document containing an array of items; configured field names map each
// item onto the normalized event shape.
type apiCollector struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newAPICollector(client *http.Client, limiter *rate.Limiter, logger *slog.Logger) *apiCollector {
	return &apiCollector{client: client, limiter: limiter, logger: logger}
}

func (c *apiCollector) Type() source.Type {
	return source.TypeAPI
}

func (c *apiCollector) Collect(ctx context.Context, src *source.Source, since time.Time) ([]store.Event, error) {
	cfg := src.API

	resp, err := doGet(ctx, c.client, c.limiter, cfg.URL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewUnavailableError(fmt.Errorf("endpoint %s returned status %d", cfg.URL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, NewUnavailableError(fmt.Errorf("read response: %w", err))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, NewUnavailableError(fmt.Errorf("decode response from %s: %w", cfg.URL, err))
	}

	items, err := itemsAt(doc, cfg.ItemsPath)
	if err != nil {
		return nil, NewUnavailableError(fmt.Errorf("endpoint %s: %w", cfg.URL, err))
	}

	var events []store.Event
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			c.logger.Warn("collection warning: non-object item skipped",
				"source", src.ID, "index", i)
			continue
		}

		ev, ok := c.itemEvent(src, item, since)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *apiCollector) itemEvent(src *source.Source, item map[string]any, since time.Time) (store.Event, bool) {
	cfg := src.API

	id := stringField(item, cfg.IDField)
	if id == "" {
		c.logger.Warn("collection warning: item without id skipped",
			"source", src.ID, "id_field", cfg.IDField)
		return store.Event{}, false
	}

	observed := time.Now().UTC()
	if cfg.TimeField != "" {
		ts, err := parseItemTime(item[cfg.TimeField])
		if err != nil {
			c.logger.Warn("collection warning: unparseable item timestamp",
				"source", src.ID, "item", id, "error", err)
			return store.Event{}, false
		}
		if !ts.IsZero() {
			if !ts.After(since) {
				return store.Event{}, false
			}
			observed = ts
		}
	}

	title := stringField(item, cfg.TitleField)
	body := stringField(item, cfg.BodyField)

	return store.Event{
		SourceID:   src.ID,
		ExternalID: id,
		Topic:      src.AnalysisKey(),
		Kind:       "item",
		Title:      title,
		Content:    body,
		ObservedAt: observed,
		Sentiment:  scoreSentiment(title + " " + body),
		Payload:    item,
	}, true
}

// itemsAt walks a dot path into the decoded document and returns the array
// found there. An empty path expects the document itself to be an array.
func itemsAt(doc any, path string) ([]any, error) {
	cur := doc
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("items path %q: %q is not an object", path, part)
			}
			cur, ok = obj[part]
			if !ok {
				return nil, fmt.Errorf("items path %q: key %q missing", path, part)
			}
		}
	}

	arr, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("items path %q does not point at an array", path)
	}
	return arr, nil
}

func stringField(item map[string]any, field string) string {
	if field == "" {
		return ""
	}
	switch v := item[field].(type) {
	case string:
		return v
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	default:
		return ""
	}
}

// parseItemTime accepts RFC 3339 strings and numeric Unix timestamps.
func parseItemTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time format %q", t)
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}
