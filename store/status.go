package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SourceStatus is the runtime collection state of a source, surfaced to the
// dashboard so a failing source shows its last error and next retry time.
type SourceStatus struct {
	SourceID            string     `json:"source_id"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextAttempt         *time.Time `json:"next_attempt,omitempty"`
}

// UpsertSourceStatus records the latest scheduler state for a source.
func (s *Store) UpsertSourceStatus(ctx context.Context, st *SourceStatus) error {
	var lastChecked, nextAttempt any
	if st.LastChecked != nil {
		lastChecked = st.LastChecked.UTC()
	}
	if st.NextAttempt != nil {
		nextAttempt = st.NextAttempt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_status
			(source_id, last_checked, last_error, consecutive_failures, next_attempt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			last_checked = excluded.last_checked,
			last_error = excluded.last_error,
			consecutive_failures = excluded.consecutive_failures,
			next_attempt = excluded.next_attempt`,
		st.SourceID, lastChecked, st.LastError, st.ConsecutiveFailures, nextAttempt)
	if err != nil {
		return fmt.Errorf("upsert source status: %w", err)
	}
	return nil
}

// SourceStatuses returns the recorded status for every source, keyed by ID.
func (s *Store) SourceStatuses(ctx context.Context) (map[string]SourceStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, last_checked, last_error, consecutive_failures, next_attempt
		FROM source_status`)
	if err != nil {
		return nil, fmt.Errorf("query source status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SourceStatus)
	for rows.Next() {
		var (
			st          SourceStatus
			lastChecked sql.NullTime
			lastError   sql.NullString
			nextAttempt sql.NullTime
		)
		if err := rows.Scan(&st.SourceID, &lastChecked, &lastError,
			&st.ConsecutiveFailures, &nextAttempt); err != nil {
			return nil, fmt.Errorf("scan source status: %w", err)
		}
		if lastChecked.Valid {
			t := lastChecked.Time
			st.LastChecked = &t
		}
		st.LastError = lastError.String
		if nextAttempt.Valid {
			t := nextAttempt.Time
			st.NextAttempt = &t
		}
		out[st.SourceID] = st
	}
	return out, rows.Err()
}
