package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"askanna/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// activeRunFrom joins a run with its ancestors; activeRunWhere hides the run
// when it or any ancestor is soft-deleted.
const (
	activeRunFrom = `
		FROM runs r
		JOIN job_defs j ON j.id = r.job_def_id
		JOIN projects p ON p.id = j.project_id
		JOIN workspaces w ON w.id = p.workspace_id
		LEFT JOIN packages pk ON pk.id = r.package_id`
	activeRunWhere = `r.deleted_at IS NULL AND j.deleted_at IS NULL AND p.deleted_at IS NULL AND w.deleted_at IS NULL`

	runColumns = `r.id, r.suuid, r.name, r.description, r.job_def_id, r.package_id,
		r.created_by_user_id, r.created_by_membership_id, r.run_image_id, r.status, r.trigger,
		r.payload_file_id, r.log_file_id, r.result_file_id, r.metrics_file_id, r.variables_file_id,
		r.started_at, r.finished_at, r.duration, r.exit_code, r.timezone,
		r.metrics_meta, r.variables_meta, r.created_at, r.modified_at,
		j.suuid, j.name, p.id, p.suuid, p.visibility, w.id, w.suuid, w.visibility, COALESCE(pk.suuid, '')`
)

func scanRun(row rowScanner) (*store.Run, error) {
	var run store.Run
	var metricsMeta, variablesMeta []byte

	err := row.Scan(
		&run.ID, &run.SUUID, &run.Name, &run.Description, &run.JobDefID, &run.PackageID,
		&run.CreatedByUserID, &run.CreatedByMembershipID, &run.RunImageID, &run.Status, &run.Trigger,
		&run.PayloadFileID, &run.LogFileID, &run.ResultFileID, &run.MetricsFileID, &run.VariablesFileID,
		&run.StartedAt, &run.FinishedAt, &run.Duration, &run.ExitCode, &run.Timezone,
		&metricsMeta, &variablesMeta, &run.CreatedAt, &run.ModifiedAt,
		&run.JobSUUID, &run.JobName, &run.ProjectID, &run.ProjectSUUID, &run.ProjectVisibility,
		&run.WorkspaceID, &run.WorkspaceSUUID, &run.WorkspaceVisibility, &run.PackageSUUID,
	)
	if err != nil {
		return nil, notFound(err)
	}

	if len(metricsMeta) > 0 {
		run.MetricsMeta = &store.TelemetryMeta{}
		if err := json.Unmarshal(metricsMeta, run.MetricsMeta); err != nil {
			return nil, fmt.Errorf("decode metrics_meta of run %s: %w", run.SUUID, err)
		}
	}
	if len(variablesMeta) > 0 {
		run.VariablesMeta = &store.TelemetryMeta{}
		if err := json.Unmarshal(variablesMeta, run.VariablesMeta); err != nil {
			return nil, fmt.Errorf("decode variables_meta of run %s: %w", run.SUUID, err)
		}
	}
	return &run, nil
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.ModifiedAt = run.CreatedAt
	if run.Timezone == "" {
		run.Timezone = "UTC"
	}

	query := `
		INSERT INTO runs (id, suuid, name, description, job_def_id, package_id,
			created_by_user_id, created_by_membership_id, status, trigger,
			payload_file_id, timezone, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		run.ID, run.SUUID, run.Name, run.Description, run.JobDefID, run.PackageID,
		run.CreatedByUserID, run.CreatedByMembershipID, run.Status, run.Trigger,
		run.PayloadFileID, run.Timezone, run.CreatedAt, run.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.SUUID, err)
	}
	return nil
}

// GetRunBySUUID returns an active run by its suuid.
func (s *Store) GetRunBySUUID(ctx context.Context, suuid string) (*store.Run, error) {
	query := "SELECT " + runColumns + activeRunFrom + " WHERE r.suuid = $1 AND " + activeRunWhere
	return scanRun(s.db.QueryRowContext(ctx, query, suuid))
}

// GetRunByID returns an active run by its ID.
func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := "SELECT " + runColumns + activeRunFrom + " WHERE r.id = $1 AND " + activeRunWhere
	return scanRun(s.db.QueryRowContext(ctx, query, id))
}

// ListRuns returns up to filter.Limit+1 runs in keyset order so callers can
// detect a following page.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error) {
	query, args := buildListRunsQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func buildListRunsQuery(filter store.RunFilter) (string, []any) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, activeRunWhere)

	if filter.ViewerID == nil {
		where = append(where, "p.visibility = 'PUBLIC' AND w.visibility = 'PUBLIC'")
	} else {
		where = append(where, fmt.Sprintf(`((p.visibility = 'PUBLIC' AND w.visibility = 'PUBLIC') OR EXISTS (
			SELECT 1 FROM memberships m
			WHERE m.workspace_id = w.id AND m.user_id = %s AND m.deleted_at IS NULL))`, arg(*filter.ViewerID)))
	}

	in := func(column string, values []string, negate bool) {
		if len(values) == 0 {
			return
		}
		if negate {
			where = append(where, fmt.Sprintf("NOT (%s = ANY(%s))", column, arg(pq.Array(values))))
		} else {
			where = append(where, fmt.Sprintf("%s = ANY(%s)", column, arg(pq.Array(values))))
		}
	}
	in("r.status", statusStrings(filter.Status), false)
	in("r.status", statusStrings(filter.StatusExclude), true)
	in("j.suuid", filter.Jobs, false)
	in("j.suuid", filter.JobsExclude, true)
	in("p.suuid", filter.Projects, false)
	in("p.suuid", filter.ProjectExclude, true)
	in("r.trigger", triggerStrings(filter.Triggers), false)
	in("r.trigger", triggerStrings(filter.TriggerExclude), true)

	order := "r.created_at DESC, r.suuid DESC"
	if c := filter.Cursor; c != nil {
		if c.Reverse {
			where = append(where, fmt.Sprintf("(r.created_at, r.suuid) > (%s, %s)", arg(c.CreatedAt), arg(c.SUUID)))
			order = "r.created_at ASC, r.suuid ASC"
		} else {
			where = append(where, fmt.Sprintf("(r.created_at, r.suuid) < (%s, %s)", arg(c.CreatedAt), arg(c.SUUID)))
		}
	}

	limit := store.ClampPageSize(filter.Limit) + 1
	query := "SELECT " + runColumns + activeRunFrom +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY " + order +
		" LIMIT " + arg(limit)
	return query, args
}

func statusStrings(in []store.RunStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func triggerStrings(in []store.RunTrigger) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		out = append(out, string(t))
	}
	return out
}

// TransitionRun performs a conditional status update keyed on the current status.
func (s *Store) TransitionRun(ctx context.Context, id uuid.UUID, from []store.RunStatus, to store.RunStatus, upd store.RunUpdate) (bool, error) {
	query := `
		UPDATE runs
		SET status = $1,
			started_at = COALESCE($2, started_at),
			finished_at = COALESCE($3, finished_at),
			duration = COALESCE($4, duration),
			exit_code = COALESCE($5, exit_code),
			modified_at = NOW()
		WHERE id = $6 AND status = ANY($7)
	`
	res, err := s.db.ExecContext(ctx, query, to, upd.StartedAt, upd.FinishedAt, upd.Duration, upd.ExitCode, id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("transition run %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetRunTimezone stores the timezone the run executes in.
func (s *Store) SetRunTimezone(ctx context.Context, id uuid.UUID, tz string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE runs SET timezone = $1, modified_at = NOW() WHERE id = $2", tz, id)
	return err
}

// SetRunImage links the prepared image to a run.
func (s *Store) SetRunImage(ctx context.Context, id, imageID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "UPDATE runs SET run_image_id = $1, modified_at = NOW() WHERE id = $2", imageID, id)
	return err
}

// SetRunFile attaches a file to one of the run's file slots.
func (s *Store) SetRunFile(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, field store.RunFileField, fileID uuid.UUID) error {
	if !field.Valid() {
		return fmt.Errorf("unknown run file field %q", field)
	}
	query := fmt.Sprintf("UPDATE runs SET %s = $1, modified_at = NOW() WHERE id = $2", field)
	_, err := s.getExecutor(tx).ExecContext(ctx, query, fileID, runID)
	return err
}

// SetRunMeta stores the aggregated telemetry summary of a run.
func (s *Store) SetRunMeta(ctx context.Context, runID uuid.UUID, kind store.TelemetryKind, meta store.TelemetryMeta) error {
	column := "metrics_meta"
	if kind == store.TelemetryVariable {
		column = "variables_meta"
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE runs SET %s = $1, modified_at = NOW() WHERE id = $2", column)
	_, err = s.db.ExecContext(ctx, query, b, runID)
	return err
}
