package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Alert is a persisted threshold breach. Alerts are terminal once created;
// the only mutations are the max-merge of repeat breach values during the
// suppression window and acknowledgement.
type Alert struct {
	ID              string     `json:"id"`
	RuleID          string     `json:"rule_id"`
	TriggeredAt     time.Time  `json:"triggered_at"`
	Severity        string     `json:"severity"`
	Metric          string     `json:"metric"`
	MetricValue     float64    `json:"metric_value"`
	Threshold       float64    `json:"threshold"`
	Topic           string     `json:"topic"`
	Message         string     `json:"message,omitempty"`
	SuppressedUntil time.Time  `json:"suppressed_until"`
	Acknowledged    bool       `json:"acknowledged"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

// InsertAlert stores a new alert row.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts
			(id, rule_id, triggered_at, severity, metric, metric_value, threshold,
			 topic, message, suppressed_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RuleID, a.TriggeredAt.UTC(), a.Severity, a.Metric, a.MetricValue,
		a.Threshold, a.Topic, a.Message, a.SuppressedUntil.UTC())
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ActiveAlert returns the unexpired alert for a rule, or nil when the rule
// has no alert with suppressed_until past now.
func (s *Store) ActiveAlert(ctx context.Context, ruleID string, now time.Time) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, triggered_at, severity, metric, metric_value, threshold,
		       topic, message, suppressed_until, acknowledged, acknowledged_at
		FROM alerts
		WHERE rule_id = ? AND suppressed_until > ?
		ORDER BY triggered_at DESC LIMIT 1`,
		ruleID, now.UTC())

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active alert: %w", err)
	}
	return a, nil
}

// MergeAlertValue records a repeat breach into an existing alert, keeping
// the maximum observed metric value.
func (s *Store) MergeAlertValue(ctx context.Context, alertID string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET metric_value = MAX(metric_value, ?) WHERE id = ?",
		value, alertID)
	if err != nil {
		return fmt.Errorf("merge alert value: %w", err)
	}
	return nil
}

// AcknowledgeAlert marks an alert as seen by an operator.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET acknowledged = 1, acknowledged_at = ? WHERE id = ?",
		at.UTC(), alertID)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListAlerts returns alerts newest first. With activeOnly set, only alerts
// whose suppression window is still open at now are returned.
func (s *Store) ListAlerts(ctx context.Context, activeOnly bool, now time.Time, limit int) ([]Alert, error) {
	query := `
		SELECT id, rule_id, triggered_at, severity, metric, metric_value, threshold,
		       topic, message, suppressed_until, acknowledged, acknowledged_at
		FROM alerts`
	var args []any
	if activeOnly {
		query += " WHERE suppressed_until > ?"
		args = append(args, now.UTC())
	}
	query += " ORDER BY triggered_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var (
		a       Alert
		message sql.NullString
		ack     int
		ackAt   sql.NullTime
	)
	err := row.Scan(&a.ID, &a.RuleID, &a.TriggeredAt, &a.Severity, &a.Metric,
		&a.MetricValue, &a.Threshold, &a.Topic, &message, &a.SuppressedUntil, &ack, &ackAt)
	if err != nil {
		return nil, err
	}
	a.Message = message.String
	a.Acknowledged = ack != 0
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	return &a, nil
}
