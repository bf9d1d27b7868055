package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is an open transaction. Functions registered with AfterCommit run only
// once Commit succeeds.
type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
	AfterCommit(fn func())
}

// AccessStore resolves principals and their workspace roles.
type AccessStore interface {
	// GetUserByTokenHash returns the active user owning a non-expired token.
	GetUserByTokenHash(ctx context.Context, hash string) (*User, error)

	// GetUserByID returns a user by its ID.
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)

	// CreateUserToken stores a hashed token for a user, optionally scoped to a run.
	CreateUserToken(ctx context.Context, userID uuid.UUID, hash string, runID *uuid.UUID, expiresAt *time.Time) error

	// GetActiveMembership returns the user's accepted membership in a workspace.
	GetActiveMembership(ctx context.Context, workspaceID, userID uuid.UUID) (*Membership, error)

	// GetMembershipBySUUID returns a membership or invitation in a workspace.
	GetMembershipBySUUID(ctx context.Context, workspaceID uuid.UUID, suuid string) (*Membership, error)

	// AcceptInvitation converts an invitation into an active membership of userID.
	AcceptInvitation(ctx context.Context, tx DBTransaction, membershipID, userID uuid.UUID) error

	// TouchInvitation records that an invitation was sent again.
	TouchInvitation(ctx context.Context, membershipID uuid.UUID, sentAt time.Time) error

	// HardDeleteInvitation removes a pending invitation row.
	HardDeleteInvitation(ctx context.Context, membershipID uuid.UUID) error

	// SoftDeleteMembership marks an accepted membership as deleted.
	SoftDeleteMembership(ctx context.Context, membershipID uuid.UUID) error

	// ListWorkspaceAdminEmails returns the emails of active workspace admins.
	ListWorkspaceAdminEmails(ctx context.Context, workspaceID uuid.UUID) ([]string, error)
}

// ProjectStore handles workspaces, projects, job definitions and packages.
type ProjectStore interface {
	GetWorkspaceBySUUID(ctx context.Context, suuid string) (*Workspace, error)
	GetProjectBySUUID(ctx context.Context, suuid string) (*Project, error)
	GetProjectByID(ctx context.Context, id uuid.UUID) (*Project, error)

	// GetJobDefBySUUID returns an active job definition with ancestors active.
	GetJobDefBySUUID(ctx context.Context, suuid string) (*JobDef, error)

	// UpsertJobDef creates the named job in its project or returns the existing one.
	UpsertJobDef(ctx context.Context, tx DBTransaction, job *JobDef) error

	CreatePackage(ctx context.Context, tx DBTransaction, pkg *Package) error
	GetPackageBySUUID(ctx context.Context, suuid string) (*Package, error)
	GetPackageByID(ctx context.Context, id uuid.UUID) (*Package, error)
	SetPackageFile(ctx context.Context, tx DBTransaction, packageID, fileID uuid.UUID) error

	// LatestPackage returns the newest non-deleted package with a completed file.
	LatestPackage(ctx context.Context, projectID uuid.UUID) (*Package, error)
}

// VariableStore reads project variables.
type VariableStore interface {
	ListProjectVariables(ctx context.Context, projectID uuid.UUID) ([]Variable, error)
}

// FileStore persists blob descriptors.
type FileStore interface {
	CreateFile(ctx context.Context, tx DBTransaction, f *File) error
	GetFileByID(ctx context.Context, id uuid.UUID) (*File, error)
	GetFileBySUUID(ctx context.Context, suuid string) (*File, error)

	// UpdateFile persists name, size, etag, content type, completion and part names.
	UpdateFile(ctx context.Context, tx DBTransaction, f *File) error

	// AddFilePart records a part name once.
	AddFilePart(ctx context.Context, id uuid.UUID, partName string) error

	// DeleteFile hard-deletes a file row.
	DeleteFile(ctx context.Context, id uuid.UUID) error

	// ListIncompleteFiles returns files never completed and created before the cutoff.
	ListIncompleteFiles(ctx context.Context, createdBefore time.Time, limit int) ([]File, error)
}

// RunStore persists runs and their status transitions.
type RunStore interface {
	CreateRun(ctx context.Context, tx DBTransaction, run *Run) error
	GetRunBySUUID(ctx context.Context, suuid string) (*Run, error)
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// TransitionRun moves a run to status `to` only if it currently is in one
	// of `from`. It reports whether the row was updated.
	TransitionRun(ctx context.Context, id uuid.UUID, from []RunStatus, to RunStatus, upd RunUpdate) (bool, error)

	SetRunTimezone(ctx context.Context, id uuid.UUID, tz string) error
	SetRunImage(ctx context.Context, id, imageID uuid.UUID) error
	SetRunFile(ctx context.Context, tx DBTransaction, runID uuid.UUID, field RunFileField, fileID uuid.UUID) error
	SetRunMeta(ctx context.Context, runID uuid.UUID, kind TelemetryKind, meta TelemetryMeta) error
}

// ImageStore persists content-addressed run images.
type ImageStore interface {
	// GetOrCreateRunImage returns the image with the given identity, creating it if needed.
	GetOrCreateRunImage(ctx context.Context, repository, tag string, dgst digest.Digest) (*RunImage, error)
	// SetCachedImage records the derived image on every run image with the digest.
	SetCachedImage(ctx context.Context, dgst digest.Digest, cachedImage string) error
}

// ScheduleStore persists schedules and their cron cursors.
type ScheduleStore interface {
	// ListDueScheduledJobs returns schedules with from <= next_run_at < to and active ancestors.
	ListDueScheduledJobs(ctx context.Context, from, to time.Time) ([]ScheduledJob, error)

	// ListMissedScheduledJobs returns schedules with next_run_at < before and active ancestors.
	ListMissedScheduledJobs(ctx context.Context, before time.Time) ([]ScheduledJob, error)

	// AdvanceScheduledJob moves the cursor only if next_run_at still equals prevNext.
	AdvanceScheduledJob(ctx context.Context, tx DBTransaction, id uuid.UUID, prevNext time.Time, lastRunAt *time.Time, nextRunAt time.Time) (bool, error)

	// ReplaceScheduledJobs soft-deletes a job's schedules and inserts the given ones.
	ReplaceScheduledJobs(ctx context.Context, tx DBTransaction, jobDefID uuid.UUID, jobs []ScheduledJob) error
}

// TelemetryStore persists metric and variable rows.
type TelemetryStore interface {
	AppendTelemetry(ctx context.Context, kind TelemetryKind, row *TelemetryRow) error

	// ListTelemetry returns a run's rows ordered by created_at, then insertion order.
	ListTelemetry(ctx context.Context, kind TelemetryKind, runID uuid.UUID) ([]TelemetryRow, error)

	DeleteTelemetry(ctx context.Context, kind TelemetryKind, ids []int64) error
}

// HousekeepingStore hard-deletes expired soft-deleted entities.
type HousekeepingStore interface {
	PurgeSoftDeleted(ctx context.Context, cutoff time.Time) (*PurgeResult, error)
}

// RunFilter selects runs visible to a viewer.
type RunFilter struct {
	// ViewerID nil means anonymous: only public projects are listed.
	ViewerID *uuid.UUID

	Status         []RunStatus
	StatusExclude  []RunStatus
	Jobs           []string
	JobsExclude    []string
	Projects       []string
	ProjectExclude []string
	Triggers       []RunTrigger
	TriggerExclude []RunTrigger

	Cursor *Cursor
	Limit  int
}
