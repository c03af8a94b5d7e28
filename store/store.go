// Package store provides the persistence layer for collected events,
// collection watermarks, alerts and insights.
//
// The store is the single source of truth: collectors are the only writers
// of events, the analysis engine and the alert manager only read them.
// Event inserts are idempotent: the (source_id, external_id) pair is the
// dedup key, so re-collection of an already-seen item is a no-op.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// Event is one normalized unit of collected activity.
type Event struct {
	SourceID   string         `json:"source_id"`
	ExternalID string         `json:"external_id"`
	Topic      string         `json:"topic"`
	Kind       string         `json:"kind"` // commit, issue, pull_request, article, item
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	URL        string         `json:"url,omitempty"`
	Author     string         `json:"author,omitempty"`
	ObservedAt time.Time      `json:"observed_at"`
	Sentiment  *float64       `json:"sentiment,omitempty"` // [-1, 1], nil when not scored
	Payload    map[string]any `json:"payload,omitempty"`
}

// Store handles persistence. Safe for concurrent use: the underlying
// sql.DB serializes access and individual operations are atomic.
type Store struct {
	db *sql.DB
}

// Open creates a SQLite store at the given path, applying the schema if
// needed. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the analysis cycle read while collectors write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		source_id   TEXT NOT NULL,
		external_id TEXT NOT NULL,
		topic       TEXT NOT NULL,
		kind        TEXT NOT NULL,
		title       TEXT,
		content     TEXT,
		url         TEXT,
		author      TEXT,
		observed_at DATETIME NOT NULL,
		collected_at DATETIME NOT NULL,
		sentiment   REAL,
		payload     TEXT,
		PRIMARY KEY (source_id, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_topic_observed ON events(topic, observed_at);
	CREATE INDEX IF NOT EXISTS idx_events_source_observed ON events(source_id, observed_at);

	CREATE TABLE IF NOT EXISTS watermarks (
		source_id    TEXT PRIMARY KEY,
		collected_to DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id               TEXT PRIMARY KEY,
		rule_id          TEXT NOT NULL,
		triggered_at     DATETIME NOT NULL,
		severity         TEXT NOT NULL,
		metric           TEXT NOT NULL,
		metric_value     REAL NOT NULL,
		threshold        REAL NOT NULL,
		topic            TEXT NOT NULL,
		message          TEXT,
		suppressed_until DATETIME NOT NULL,
		acknowledged     INTEGER DEFAULT 0,
		acknowledged_at  DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id, suppressed_until);

	CREATE TABLE IF NOT EXISTS insights (
		id           TEXT PRIMARY KEY,
		topic        TEXT NOT NULL,
		window_start DATETIME NOT NULL,
		window_end   DATETIME NOT NULL,
		summary      TEXT NOT NULL,
		model        TEXT,
		generated_at DATETIME NOT NULL,
		UNIQUE (topic, window_start, window_end)
	);

	CREATE TABLE IF NOT EXISTS source_status (
		source_id            TEXT PRIMARY KEY,
		last_checked         DATETIME,
		last_error           TEXT,
		consecutive_failures INTEGER DEFAULT 0,
		next_attempt         DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendEvents inserts events, skipping any whose (source_id, external_id)
// already exists. Returns the number actually inserted. The whole batch is
// one transaction so a cancelled collection never leaves a partial write.
func (s *Store) AppendEvents(ctx context.Context, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events
			(source_id, external_id, topic, kind, title, content, url, author,
			 observed_at, collected_at, sentiment, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, external_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, e := range events {
		var payload any
		if e.Payload != nil {
			data, err := json.Marshal(e.Payload)
			if err != nil {
				return 0, fmt.Errorf("marshal payload for %s/%s: %w", e.SourceID, e.ExternalID, err)
			}
			payload = string(data)
		}

		var sentiment any
		if e.Sentiment != nil {
			sentiment = *e.Sentiment
		}

		res, err := stmt.ExecContext(ctx,
			e.SourceID, e.ExternalID, e.Topic, e.Kind, e.Title, e.Content, e.URL, e.Author,
			e.ObservedAt.UTC(), now, sentiment, payload)
		if err != nil {
			return 0, fmt.Errorf("insert event %s/%s: %w", e.SourceID, e.ExternalID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit events: %w", err)
	}
	return inserted, nil
}

// EventQuery selects events for a time window. Exactly one of SourceID or
// Topic should be set; both empty returns everything in the window.
type EventQuery struct {
	SourceID string
	Topic    string
	From     time.Time
	To       time.Time
	Limit    int
}

// QueryEvents returns matching events ordered by observed_at ascending,
// with external_id as a tiebreaker so repeated queries are deterministic.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	query := `
		SELECT source_id, external_id, topic, kind, title, content, url, author,
		       observed_at, sentiment, payload
		FROM events
		WHERE observed_at >= ? AND observed_at < ?`
	args := []any{q.From.UTC(), q.To.UTC()}

	if q.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, q.SourceID)
	}
	if q.Topic != "" {
		query += " AND topic = ?"
		args = append(args, q.Topic)
	}
	query += " ORDER BY observed_at ASC, external_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e         Event
			title     sql.NullString
			content   sql.NullString
			url       sql.NullString
			author    sql.NullString
			sentiment sql.NullFloat64
			payload   sql.NullString
		)
		if err := rows.Scan(&e.SourceID, &e.ExternalID, &e.Topic, &e.Kind,
			&title, &content, &url, &author, &e.ObservedAt, &sentiment, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Title = title.String
		e.Content = content.String
		e.URL = url.String
		e.Author = author.String
		if sentiment.Valid {
			v := sentiment.Float64
			e.Sentiment = &v
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for %s/%s: %w", e.SourceID, e.ExternalID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents returns the number of stored events for a source, or all
// events when sourceID is empty.
func (s *Store) CountEvents(ctx context.Context, sourceID string) (int, error) {
	query := "SELECT COUNT(*) FROM events"
	var args []any
	if sourceID != "" {
		query += " WHERE source_id = ?"
		args = append(args, sourceID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Watermark returns the last successfully collected timestamp for a source.
// A zero time means the source has never completed a collection.
func (s *Store) Watermark(ctx context.Context, sourceID string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT collected_to FROM watermarks WHERE source_id = ?", sourceID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	return t, nil
}

// SetWatermark records the point a source has been collected up to.
// Only advanced after a fully successful collection.
func (s *Store) SetWatermark(ctx context.Context, sourceID string, to time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (source_id, collected_to) VALUES (?, ?)
		ON CONFLICT (source_id) DO UPDATE SET collected_to = excluded.collected_to`,
		sourceID, to.UTC())
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}
