// Package store contains the database layer for askanna.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"askanna/internal/apperr"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned by lookups of missing or soft-deleted entities.
var ErrNotFound = fmt.Errorf("record %w", apperr.ErrNotFound)

// IsNotFound reports whether err is a not-found lookup failure.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

// Visibility of workspaces and projects.
type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityPublic  Visibility = "PUBLIC"
)

// Role is a workspace role. Roles are ordered so the strongest one wins.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleMember
	RoleAdmin
)

// RoleFromCode parses the stored role code.
func RoleFromCode(code string) Role {
	switch code {
	case "WA":
		return RoleAdmin
	case "WM":
		return RoleMember
	case "WV":
		return RoleViewer
	default:
		return RoleNone
	}
}

// Code returns the stored role code.
func (r Role) Code() string {
	switch r {
	case RoleAdmin:
		return "WA"
	case RoleMember:
		return "WM"
	case RoleViewer:
		return "WV"
	default:
		return ""
	}
}

// StrongestRole returns the maximum of roles.
func StrongestRole(roles ...Role) Role {
	best := RoleNone
	for _, r := range roles {
		if r > best {
			best = r
		}
	}
	return best
}

// Workspace owns projects and memberships.
type Workspace struct {
	ID         uuid.UUID  `json:"-"`
	SUUID      string     `json:"suuid"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"`
	DeletedAt  *time.Time `json:"-"`
}

// Project belongs to exactly one workspace.
type Project struct {
	ID                  uuid.UUID  `json:"-"`
	SUUID               string     `json:"suuid"`
	WorkspaceID         uuid.UUID  `json:"-"`
	WorkspaceSUUID      string     `json:"workspace_suuid"`
	WorkspaceVisibility Visibility `json:"-"`
	Name                string     `json:"name"`
	Visibility          Visibility `json:"visibility"`
	CreatedAt           time.Time  `json:"created_at"`
	ModifiedAt          time.Time  `json:"modified_at"`
	DeletedAt           *time.Time `json:"-"`
}

// IsPublic reports whether anonymous readers may reach the project.
func (p *Project) IsPublic() bool {
	return p.Visibility == VisibilityPublic && p.WorkspaceVisibility == VisibilityPublic
}

// User is an authenticated principal.
type User struct {
	ID        uuid.UUID `json:"-"`
	SUUID     string    `json:"suuid"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Invitation is the pending part of a membership that has not been accepted yet.
type Invitation struct {
	Email  string    `json:"email"`
	SentAt time.Time `json:"sent_at"`
}

// Membership links a user to a workspace with a role. A membership with a
// non-nil Invitation has no user yet.
type Membership struct {
	ID          uuid.UUID   `json:"-"`
	SUUID       string      `json:"suuid"`
	WorkspaceID uuid.UUID   `json:"-"`
	UserID      *uuid.UUID  `json:"-"`
	Role        Role        `json:"-"`
	Name        string      `json:"name"`
	Invitation  *Invitation `json:"invitation,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ModifiedAt  time.Time   `json:"modified_at"`
	DeletedAt   *time.Time  `json:"-"`
}

// Variable is a project-level environment variable.
type Variable struct {
	ID        uuid.UUID `json:"-"`
	SUUID     string    `json:"suuid"`
	ProjectID uuid.UUID `json:"-"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	IsMasked  bool      `json:"is_masked"`
	CreatedAt time.Time `json:"created_at"`
}

// MaskedValue replaces masked values on every read surface.
const MaskedValue = "***masked***"

// Masked returns a copy of v safe to serve through read APIs.
func (v Variable) Masked() Variable {
	if v.IsMasked {
		v.Value = MaskedValue
	}
	return v
}

// JobDef is a named job within a project.
type JobDef struct {
	ID         uuid.UUID  `json:"-"`
	SUUID      string     `json:"suuid"`
	ProjectID  uuid.UUID  `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"`
	DeletedAt  *time.Time `json:"-"`
}

// ScheduledJob is a cron-bound trigger of a JobDef.
type ScheduledJob struct {
	ID           uuid.UUID
	SUUID        string
	JobDefID     uuid.UUID
	RawSchedule  string
	Cron         string
	Timezone     string
	NextRunAt    *time.Time
	LastRunAt    *time.Time
	MembershipID uuid.UUID

	// Resolved through joins.
	JobName     string
	ProjectID   uuid.UUID
	WorkspaceID uuid.UUID
	UserID      *uuid.UUID
}

// Package is an uploaded code bundle.
type Package struct {
	ID                  uuid.UUID  `json:"-"`
	SUUID               string     `json:"suuid"`
	ProjectID           uuid.UUID  `json:"-"`
	FileID              *uuid.UUID `json:"-"`
	Name                string     `json:"name"`
	CreatedByMembership *uuid.UUID `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	ModifiedAt          time.Time  `json:"modified_at"`
	DeletedAt           *time.Time `json:"-"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusSubmitted  RunStatus = "SUBMITTED"
	RunStatusPending    RunStatus = "PENDING"
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
	// RunStatusPaused is only reachable through the status filter.
	RunStatusPaused RunStatus = "PAUSED"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunTrigger records what created a run.
type RunTrigger string

const (
	TriggerAPI      RunTrigger = "API"
	TriggerCLI      RunTrigger = "CLI"
	TriggerSDK      RunTrigger = "SDK"
	TriggerWebUI    RunTrigger = "WEBUI"
	TriggerSchedule RunTrigger = "SCHEDULE"
	TriggerWorker   RunTrigger = "WORKER"
)

// ParseTrigger validates an external trigger value.
func ParseTrigger(s string) (RunTrigger, bool) {
	switch t := RunTrigger(s); t {
	case TriggerAPI, TriggerCLI, TriggerSDK, TriggerWebUI, TriggerSchedule, TriggerWorker:
		return t, true
	}
	return "", false
}

// Run is a single execution of a job.
type Run struct {
	ID                    uuid.UUID      `json:"-"`
	SUUID                 string         `json:"suuid"`
	Name                  string         `json:"name"`
	Description           string         `json:"description"`
	JobDefID              uuid.UUID      `json:"-"`
	PackageID             *uuid.UUID     `json:"-"`
	CreatedByUserID       *uuid.UUID     `json:"-"`
	CreatedByMembershipID *uuid.UUID     `json:"-"`
	RunImageID            *uuid.UUID     `json:"-"`
	Status                RunStatus      `json:"status"`
	Trigger               RunTrigger     `json:"trigger"`
	PayloadFileID         *uuid.UUID     `json:"-"`
	LogFileID             *uuid.UUID     `json:"-"`
	ResultFileID          *uuid.UUID     `json:"-"`
	MetricsFileID         *uuid.UUID     `json:"-"`
	VariablesFileID       *uuid.UUID     `json:"-"`
	StartedAt             *time.Time     `json:"started_at"`
	FinishedAt            *time.Time     `json:"finished_at"`
	Duration              *int           `json:"duration"`
	ExitCode              *int           `json:"exit_code"`
	Timezone              string         `json:"timezone"`
	MetricsMeta           *TelemetryMeta `json:"metrics_meta"`
	VariablesMeta         *TelemetryMeta `json:"variables_meta"`
	CreatedAt             time.Time      `json:"created_at"`
	ModifiedAt            time.Time      `json:"modified_at"`
	DeletedAt             *time.Time     `json:"-"`

	// Resolved through joins; read-only.
	JobSUUID            string     `json:"-"`
	JobName             string     `json:"-"`
	ProjectID           uuid.UUID  `json:"-"`
	ProjectSUUID        string     `json:"-"`
	ProjectVisibility   Visibility `json:"-"`
	WorkspaceID         uuid.UUID  `json:"-"`
	WorkspaceSUUID      string     `json:"-"`
	WorkspaceVisibility Visibility `json:"-"`
	PackageSUUID        string     `json:"-"`
}

// IsPublic reports whether anonymous readers may reach the run.
func (r *Run) IsPublic() bool {
	return r.ProjectVisibility == VisibilityPublic && r.WorkspaceVisibility == VisibilityPublic
}

// RunUpdate carries the columns set together with a status transition.
type RunUpdate struct {
	StartedAt  *time.Time
	FinishedAt *time.Time
	Duration   *int
	ExitCode   *int
}

// RunFileField names the file slots of a run.
type RunFileField string

const (
	RunFilePayload   RunFileField = "payload_file_id"
	RunFileLog       RunFileField = "log_file_id"
	RunFileResult    RunFileField = "result_file_id"
	RunFileMetrics   RunFileField = "metrics_file_id"
	RunFileVariables RunFileField = "variables_file_id"
)

// Valid reports whether f is a known run file slot.
func (f RunFileField) Valid() bool {
	switch f {
	case RunFilePayload, RunFileLog, RunFileResult, RunFileMetrics, RunFileVariables:
		return true
	}
	return false
}

// RunImage is a content-addressed base image with its derived runner image.
type RunImage struct {
	ID          uuid.UUID     `json:"-"`
	SUUID       string        `json:"suuid"`
	Repository  string        `json:"repository"`
	Tag         string        `json:"tag"`
	Digest      digest.Digest `json:"digest"`
	CachedImage string        `json:"cached_image"`
	CreatedAt   time.Time     `json:"created_at"`
}

// OwnerType names the kinds of entities that own files.
type OwnerType string

const (
	OwnerPackage  OwnerType = "package"
	OwnerRun      OwnerType = "run"
	OwnerArtifact OwnerType = "artifact"
	OwnerAvatar   OwnerType = "avatar"
)

// File is the unified blob descriptor.
type File struct {
	ID                    uuid.UUID  `json:"-"`
	SUUID                 string     `json:"suuid"`
	Name                  string     `json:"name"`
	Size                  int64      `json:"size"`
	ETag                  string     `json:"etag"`
	ContentType           string     `json:"content_type"`
	UploadTo              string     `json:"-"`
	CompletedAt           *time.Time `json:"completed_at"`
	PartFilenames         []string   `json:"-"`
	CreatedForType        OwnerType  `json:"created_for_type"`
	CreatedForID          uuid.UUID  `json:"-"`
	CreatedByMembershipID *uuid.UUID `json:"-"`
	CreatedByUserID       *uuid.UUID `json:"-"`
	CreatedAt             time.Time  `json:"created_at"`
	ModifiedAt            time.Time  `json:"modified_at"`
	DeletedAt             *time.Time `json:"-"`
}

// Path is the object key of the assembled file.
func (f *File) Path() string {
	return path.Join(f.UploadTo, f.Name)
}

// PartsPrefix is the directory holding the file's uploaded parts.
func (f *File) PartsPrefix() string {
	return path.Join(f.UploadTo, "parts", f.SUUID) + "/"
}

// PartPath is the object key of part n.
func (f *File) PartPath(n int) string {
	return fmt.Sprintf("%spart-%05d", f.PartsPrefix(), n)
}

// IsComplete reports whether the file may be served.
func (f *File) IsComplete() bool {
	return f.CompletedAt != nil
}

// TelemetryKind selects the metric or variable row table.
type TelemetryKind string

const (
	TelemetryMetric   TelemetryKind = "metric"
	TelemetryVariable TelemetryKind = "variable"
)

// TelemetryObject is the metric or variable carried by a row.
type TelemetryObject struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type"`
}

// Label annotates a telemetry row.
type Label struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type"`
}

// TelemetryRow is one append-only metric or variable row.
type TelemetryRow struct {
	ID        int64           `json:"-"`
	RunID     uuid.UUID       `json:"-"`
	RunSUUID  string          `json:"run_suuid"`
	Object    TelemetryObject `json:"-"`
	Labels    []Label         `json:"label"`
	CreatedAt time.Time       `json:"created_at"`
}

// NameType is a unique name with its inferred type.
type NameType struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TelemetryMeta summarises the rows of one kind for a run.
type TelemetryMeta struct {
	Count      int        `json:"count"`
	Size       int64      `json:"size"`
	Names      []NameType `json:"names"`
	LabelNames []NameType `json:"label_names"`
}

// Task is a named unit of asynchronous work.
type Task struct {
	Name   string
	Queue  string
	Kwargs json.RawMessage
}

// QueueItem is a claimed task.
type QueueItem struct {
	ID      int64
	Name    string
	Queue   string
	Kwargs  json.RawMessage
	Attempt int
}

// DLQEntry is a task that exhausted its retries.
type DLQEntry struct {
	ID           int64           `json:"id"`
	TaskID       int64           `json:"task_id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Kwargs       json.RawMessage `json:"kwargs"`
	Attempts     int             `json:"attempts"`
	ErrorMessage string          `json:"error_message"`
	FailedAt     time.Time       `json:"failed_at"`
}

// PurgeResult reports what a hard-delete pass removed.
type PurgeResult struct {
	Counts       map[string]int64
	ObjectKeys   []string
	PartPrefixes []string
}
