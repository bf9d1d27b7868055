package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"askanna/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func telemetryTable(kind store.TelemetryKind) (table, column string) {
	if kind == store.TelemetryVariable {
		return "run_variables", "variable"
	}
	return "run_metrics", "metric"
}

// AppendTelemetry inserts one metric or variable row.
func (s *Store) AppendTelemetry(ctx context.Context, kind store.TelemetryKind, row *store.TelemetryRow) error {
	table, column := telemetryTable(kind)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Labels == nil {
		row.Labels = []store.Label{}
	}

	obj, err := json.Marshal(row.Object)
	if err != nil {
		return fmt.Errorf("encode %s: %w", column, err)
	}
	labels, err := json.Marshal(row.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (run_id, %s, label, created_at) VALUES ($1, $2, $3, $4) RETURNING id`, table, column)
	return s.db.QueryRowContext(ctx, query, row.RunID, obj, labels, row.CreatedAt).Scan(&row.ID)
}

// ListTelemetry returns a run's rows in created_at then insertion order.
func (s *Store) ListTelemetry(ctx context.Context, kind store.TelemetryKind, runID uuid.UUID) ([]store.TelemetryRow, error) {
	table, column := telemetryTable(kind)
	query := fmt.Sprintf(`
		SELECT t.id, t.run_id, r.suuid, t.%s, t.label, t.created_at
		FROM %s t
		JOIN runs r ON r.id = t.run_id
		WHERE t.run_id = $1
		ORDER BY t.created_at ASC, t.id ASC`, column, table)

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TelemetryRow
	for rows.Next() {
		var row store.TelemetryRow
		var obj, labels []byte
		if err := rows.Scan(&row.ID, &row.RunID, &row.RunSUUID, &obj, &labels, &row.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(obj, &row.Object); err != nil {
			return nil, fmt.Errorf("decode %s row %d: %w", column, row.ID, err)
		}
		if err := json.Unmarshal(labels, &row.Labels); err != nil {
			return nil, fmt.Errorf("decode labels of row %d: %w", row.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteTelemetry removes rows by ID.
func (s *Store) DeleteTelemetry(ctx context.Context, kind store.TelemetryKind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	table, _ := telemetryTable(kind)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", table), pq.Array(ids))
	return err
}
