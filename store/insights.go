package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Insight is the stored natural-language summary of one closed window.
// Immutable once written; regeneration requires explicit invalidation.
type Insight struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Summary     string    `json:"summary"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// InsertInsight stores a summary for a window. Inserting a second insight
// for the same (topic, window) is a no-op so regeneration never silently
// overwrites; returns true when the row was written.
func (s *Store) InsertInsight(ctx context.Context, in *Insight) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (id, topic, window_start, window_end, summary, model, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic, window_start, window_end) DO NOTHING`,
		in.ID, in.Topic, in.WindowStart.UTC(), in.WindowEnd.UTC(),
		in.Summary, in.Model, in.GeneratedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert insight: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasInsight reports whether a window already has a summary.
func (s *Store) HasInsight(ctx context.Context, topic string, windowStart, windowEnd time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM insights
		WHERE topic = ? AND window_start = ? AND window_end = ?`,
		topic, windowStart.UTC(), windowEnd.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check insight: %w", err)
	}
	return n > 0, nil
}

// InvalidateInsight removes a window's summary so it can be regenerated.
func (s *Store) InvalidateInsight(ctx context.Context, topic string, windowStart, windowEnd time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM insights WHERE topic = ? AND window_start = ? AND window_end = ?`,
		topic, windowStart.UTC(), windowEnd.UTC())
	if err != nil {
		return fmt.Errorf("invalidate insight: %w", err)
	}
	return nil
}

// ListInsights returns insights newest first, optionally filtered by topic.
func (s *Store) ListInsights(ctx context.Context, topic string, limit int) ([]Insight, error) {
	query := `
		SELECT id, topic, window_start, window_end, summary, model, generated_at
		FROM insights`
	var args []any
	if topic != "" {
		query += " WHERE topic = ?"
		args = append(args, topic)
	}
	query += " ORDER BY window_end DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var (
			in    Insight
			model sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.Topic, &in.WindowStart, &in.WindowEnd,
			&in.Summary, &model, &in.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		in.Model = model.String
		out = append(out, in)
	}
	return out, rows.Err()
}
