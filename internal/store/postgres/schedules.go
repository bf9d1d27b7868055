package postgres

import (
	"context"
	"fmt"
	"time"

	"askanna/internal/store"

	"github.com/google/uuid"
)

const activeScheduleQuery = `
	SELECT s.id, s.suuid, s.job_def_id, s.raw_definition, s.cron_definition, s.cron_timezone,
		s.next_run_at, s.last_run_at, s.membership_id, j.name, p.id, w.id, m.user_id
	FROM scheduled_jobs s
	JOIN job_defs j ON j.id = s.job_def_id
	JOIN projects p ON p.id = j.project_id
	JOIN workspaces w ON w.id = p.workspace_id
	JOIN memberships m ON m.id = s.membership_id
	WHERE s.deleted_at IS NULL AND j.deleted_at IS NULL AND p.deleted_at IS NULL
		AND w.deleted_at IS NULL AND m.deleted_at IS NULL`

func (s *Store) listSchedules(ctx context.Context, query string, args ...any) ([]store.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.ScheduledJob
	for rows.Next() {
		var sj store.ScheduledJob
		if err := rows.Scan(&sj.ID, &sj.SUUID, &sj.JobDefID, &sj.RawSchedule, &sj.Cron, &sj.Timezone,
			&sj.NextRunAt, &sj.LastRunAt, &sj.MembershipID, &sj.JobName, &sj.ProjectID, &sj.WorkspaceID, &sj.UserID); err != nil {
			return nil, err
		}
		jobs = append(jobs, sj)
	}
	return jobs, rows.Err()
}

// ListDueScheduledJobs returns schedules due within [from, to).
func (s *Store) ListDueScheduledJobs(ctx context.Context, from, to time.Time) ([]store.ScheduledJob, error) {
	return s.listSchedules(ctx, activeScheduleQuery+`
		AND s.next_run_at >= $1 AND s.next_run_at < $2
		ORDER BY s.next_run_at ASC, s.id ASC`, from, to)
}

// ListMissedScheduledJobs returns schedules whose next_run_at lies before the cutoff.
func (s *Store) ListMissedScheduledJobs(ctx context.Context, before time.Time) ([]store.ScheduledJob, error) {
	return s.listSchedules(ctx, activeScheduleQuery+`
		AND s.next_run_at < $1
		ORDER BY s.next_run_at ASC, s.id ASC`, before)
}

// AdvanceScheduledJob moves the cron cursor guarded by the previous next_run_at,
// so two tickers never fire the same window.
func (s *Store) AdvanceScheduledJob(ctx context.Context, tx store.DBTransaction, id uuid.UUID, prevNext time.Time, lastRunAt *time.Time, nextRunAt time.Time) (bool, error) {
	res, err := s.getExecutor(tx).ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET next_run_at = $1, last_run_at = COALESCE($2, last_run_at), modified_at = NOW()
		WHERE id = $3 AND next_run_at = $4
	`, nextRunAt, lastRunAt, id, prevNext)
	if err != nil {
		return false, fmt.Errorf("advance scheduled job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplaceScheduledJobs swaps the active schedules of a job.
func (s *Store) ReplaceScheduledJobs(ctx context.Context, tx store.DBTransaction, jobDefID uuid.UUID, jobs []store.ScheduledJob) error {
	executor := s.getExecutor(tx)

	if _, err := executor.ExecContext(ctx, `
		UPDATE scheduled_jobs SET deleted_at = NOW(), modified_at = NOW()
		WHERE job_def_id = $1 AND deleted_at IS NULL
	`, jobDefID); err != nil {
		return err
	}

	for _, sj := range jobs {
		_, err := executor.ExecContext(ctx, `
			INSERT INTO scheduled_jobs (id, suuid, job_def_id, raw_definition, cron_definition,
				cron_timezone, next_run_at, membership_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, sj.ID, sj.SUUID, jobDefID, sj.RawSchedule, sj.Cron, sj.Timezone, sj.NextRunAt, sj.MembershipID)
		if err != nil {
			return fmt.Errorf("insert schedule %q: %w", sj.Cron, err)
		}
	}
	return nil
}
