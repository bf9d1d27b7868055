package postgres

import (
	"context"
	"fmt"
	"time"

	"askanna/internal/store"
)

// Runs and packages that disappear in this pass, either expired themselves or
// below an expired ancestor. Descendants of an ancestor that is soft-deleted
// but not yet expired are left for a later pass.
const doomedOwners = `
	WITH doomed_runs AS (
		SELECT r.id FROM runs r
		JOIN job_defs j ON j.id = r.job_def_id
		JOIN projects p ON p.id = j.project_id
		JOIN workspaces w ON w.id = p.workspace_id
		WHERE (r.deleted_at < $1 AND j.deleted_at IS NULL AND p.deleted_at IS NULL AND w.deleted_at IS NULL)
			OR (j.deleted_at < $1 AND p.deleted_at IS NULL AND w.deleted_at IS NULL)
			OR (p.deleted_at < $1 AND w.deleted_at IS NULL)
			OR w.deleted_at < $1
	), doomed_packages AS (
		SELECT pk.id FROM packages pk
		JOIN projects p ON p.id = pk.project_id
		JOIN workspaces w ON w.id = p.workspace_id
		WHERE (pk.deleted_at < $1 AND p.deleted_at IS NULL AND w.deleted_at IS NULL)
			OR (p.deleted_at < $1 AND w.deleted_at IS NULL)
			OR w.deleted_at < $1
	)`

var purgeStatements = []struct {
	entity string
	query  string
}{
	{"workspaces", `DELETE FROM workspaces WHERE deleted_at < $1`},
	{"projects", `DELETE FROM projects p USING workspaces w
		WHERE w.id = p.workspace_id AND p.deleted_at < $1 AND w.deleted_at IS NULL`},
	{"job_defs", `DELETE FROM job_defs j USING projects p, workspaces w
		WHERE p.id = j.project_id AND w.id = p.workspace_id
			AND j.deleted_at < $1 AND p.deleted_at IS NULL AND w.deleted_at IS NULL`},
	{"runs", `DELETE FROM runs r USING job_defs j, projects p, workspaces w
		WHERE j.id = r.job_def_id AND p.id = j.project_id AND w.id = p.workspace_id
			AND r.deleted_at < $1 AND j.deleted_at IS NULL AND p.deleted_at IS NULL AND w.deleted_at IS NULL`},
	{"packages", `DELETE FROM packages pk USING projects p, workspaces w
		WHERE p.id = pk.project_id AND w.id = p.workspace_id
			AND pk.deleted_at < $1 AND p.deleted_at IS NULL AND w.deleted_at IS NULL`},
	{"variables", `DELETE FROM variables v USING projects p, workspaces w
		WHERE p.id = v.project_id AND w.id = p.workspace_id
			AND v.deleted_at < $1 AND p.deleted_at IS NULL AND w.deleted_at IS NULL`},
	{"scheduled_jobs", `DELETE FROM scheduled_jobs s USING job_defs j
		WHERE j.id = s.job_def_id AND s.deleted_at < $1 AND j.deleted_at IS NULL`},
	{"memberships", `DELETE FROM memberships m USING workspaces w
		WHERE w.id = m.workspace_id AND m.deleted_at < $1 AND w.deleted_at IS NULL`},
	{"users", `DELETE FROM users WHERE deleted_at < $1`},
}

// PurgeSoftDeleted hard-deletes entities soft-deleted before cutoff and returns
// the object keys of the files that went with them.
func (s *Store) PurgeSoftDeleted(ctx context.Context, cutoff time.Time) (*store.PurgeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result := &store.PurgeResult{Counts: make(map[string]int64)}

	rows, err := tx.QueryContext(ctx, doomedOwners+`
		DELETE FROM files f
		WHERE f.deleted_at < $1
			OR (f.created_for_type IN ('run', 'artifact') AND f.created_for_id IN (SELECT id FROM doomed_runs))
			OR (f.created_for_type = 'package' AND f.created_for_id IN (SELECT id FROM doomed_packages))
		RETURNING f.suuid, f.upload_to, f.name`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge files: %w", err)
	}
	for rows.Next() {
		var f store.File
		if err := rows.Scan(&f.SUUID, &f.UploadTo, &f.Name); err != nil {
			rows.Close()
			return nil, err
		}
		result.ObjectKeys = append(result.ObjectKeys, f.Path())
		result.PartPrefixes = append(result.PartPrefixes, f.PartsPrefix())
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	result.Counts["files"] = int64(len(result.ObjectKeys))

	for _, stmt := range purgeStatements {
		res, err := tx.ExecContext(ctx, stmt.query, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge %s: %w", stmt.entity, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		result.Counts[stmt.entity] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}
