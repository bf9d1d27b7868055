package postgres

import (
	"context"
	"fmt"
	"time"

	"askanna/internal/store"

	"github.com/google/uuid"
)

// GetWorkspaceBySUUID returns an active workspace.
func (s *Store) GetWorkspaceBySUUID(ctx context.Context, suuid string) (*store.Workspace, error) {
	var w store.Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, suuid, name, visibility, created_at, modified_at
		FROM workspaces WHERE suuid = $1 AND deleted_at IS NULL
	`, suuid).Scan(&w.ID, &w.SUUID, &w.Name, &w.Visibility, &w.CreatedAt, &w.ModifiedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

const projectQuery = `
	SELECT p.id, p.suuid, p.workspace_id, w.suuid, w.visibility, p.name, p.visibility, p.created_at, p.modified_at
	FROM projects p
	JOIN workspaces w ON w.id = p.workspace_id
	WHERE p.deleted_at IS NULL AND w.deleted_at IS NULL`

func scanProject(row rowScanner) (*store.Project, error) {
	var p store.Project
	err := row.Scan(&p.ID, &p.SUUID, &p.WorkspaceID, &p.WorkspaceSUUID, &p.WorkspaceVisibility,
		&p.Name, &p.Visibility, &p.CreatedAt, &p.ModifiedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetProjectBySUUID returns an active project with an active workspace.
func (s *Store) GetProjectBySUUID(ctx context.Context, suuid string) (*store.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, projectQuery+" AND p.suuid = $1", suuid))
}

// GetProjectByID returns an active project with an active workspace.
func (s *Store) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, projectQuery+" AND p.id = $1", id))
}

// GetJobDefBySUUID returns an active job definition.
func (s *Store) GetJobDefBySUUID(ctx context.Context, suuid string) (*store.JobDef, error) {
	var j store.JobDef
	err := s.db.QueryRowContext(ctx, `
		SELECT j.id, j.suuid, j.project_id, j.name, j.created_at, j.modified_at
		FROM job_defs j
		JOIN projects p ON p.id = j.project_id
		JOIN workspaces w ON w.id = p.workspace_id
		WHERE j.suuid = $1 AND j.deleted_at IS NULL AND p.deleted_at IS NULL AND w.deleted_at IS NULL
	`, suuid).Scan(&j.ID, &j.SUUID, &j.ProjectID, &j.Name, &j.CreatedAt, &j.ModifiedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// UpsertJobDef creates the job or loads the existing active one with the same name.
func (s *Store) UpsertJobDef(ctx context.Context, tx store.DBTransaction, job *store.JobDef) error {
	executor := s.getExecutor(tx)

	err := executor.QueryRowContext(ctx, `
		SELECT id, suuid, created_at, modified_at FROM job_defs
		WHERE project_id = $1 AND name = $2 AND deleted_at IS NULL
	`, job.ProjectID, job.Name).Scan(&job.ID, &job.SUUID, &job.CreatedAt, &job.ModifiedAt)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(notFound(err)) {
		return err
	}

	now := time.Now().UTC()
	job.CreatedAt, job.ModifiedAt = now, now
	_, err = executor.ExecContext(ctx, `
		INSERT INTO job_defs (id, suuid, project_id, name, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.ID, job.SUUID, job.ProjectID, job.Name, job.CreatedAt, job.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.Name, err)
	}
	return nil
}

const packageColumns = `pk.id, pk.suuid, pk.project_id, pk.file_id, pk.name, pk.created_by_membership_id, pk.created_at, pk.modified_at`

func scanPackage(row rowScanner) (*store.Package, error) {
	var pkg store.Package
	err := row.Scan(&pkg.ID, &pkg.SUUID, &pkg.ProjectID, &pkg.FileID, &pkg.Name,
		&pkg.CreatedByMembership, &pkg.CreatedAt, &pkg.ModifiedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &pkg, nil
}

// CreatePackage inserts a package.
func (s *Store) CreatePackage(ctx context.Context, tx store.DBTransaction, pkg *store.Package) error {
	now := time.Now().UTC()
	pkg.CreatedAt, pkg.ModifiedAt = now, now
	_, err := s.getExecutor(tx).ExecContext(ctx, `
		INSERT INTO packages (id, suuid, project_id, file_id, name, created_by_membership_id, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, pkg.ID, pkg.SUUID, pkg.ProjectID, pkg.FileID, pkg.Name, pkg.CreatedByMembership, pkg.CreatedAt, pkg.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to create package %s: %w", pkg.SUUID, err)
	}
	return nil
}

const activePackageFrom = `
	FROM packages pk
	JOIN projects p ON p.id = pk.project_id
	JOIN workspaces w ON w.id = p.workspace_id
	WHERE pk.deleted_at IS NULL AND p.deleted_at IS NULL AND w.deleted_at IS NULL`

// GetPackageBySUUID returns an active package.
func (s *Store) GetPackageBySUUID(ctx context.Context, suuid string) (*store.Package, error) {
	return scanPackage(s.db.QueryRowContext(ctx, "SELECT "+packageColumns+activePackageFrom+" AND pk.suuid = $1", suuid))
}

// GetPackageByID returns an active package.
func (s *Store) GetPackageByID(ctx context.Context, id uuid.UUID) (*store.Package, error) {
	return scanPackage(s.db.QueryRowContext(ctx, "SELECT "+packageColumns+activePackageFrom+" AND pk.id = $1", id))
}

// SetPackageFile links the uploaded file to its package.
func (s *Store) SetPackageFile(ctx context.Context, tx store.DBTransaction, packageID, fileID uuid.UUID) error {
	_, err := s.getExecutor(tx).ExecContext(ctx,
		"UPDATE packages SET file_id = $1, modified_at = NOW() WHERE id = $2", fileID, packageID)
	return err
}

// LatestPackage returns the project's newest package whose upload completed.
func (s *Store) LatestPackage(ctx context.Context, projectID uuid.UUID) (*store.Package, error) {
	query := "SELECT " + packageColumns + activePackageFrom + `
		AND pk.project_id = $1
		AND EXISTS (SELECT 1 FROM files f WHERE f.id = pk.file_id AND f.completed_at IS NOT NULL AND f.deleted_at IS NULL)
		ORDER BY pk.created_at DESC
		LIMIT 1`
	return scanPackage(s.db.QueryRowContext(ctx, query, projectID))
}

// ListProjectVariables returns the project's active variables ordered by name.
func (s *Store) ListProjectVariables(ctx context.Context, projectID uuid.UUID) ([]store.Variable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suuid, project_id, name, value, is_masked, created_at
		FROM variables
		WHERE project_id = $1 AND deleted_at IS NULL
		ORDER BY name ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []store.Variable
	for rows.Next() {
		var v store.Variable
		if err := rows.Scan(&v.ID, &v.SUUID, &v.ProjectID, &v.Name, &v.Value, &v.IsMasked, &v.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}
