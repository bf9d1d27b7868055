// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// External run status tokens.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusPaused   = "paused"
)

// StatusFilter maps an external status token to the run statuses it selects.
var StatusFilter = map[string][]string{
	StatusQueued:   {"SUBMITTED", "PENDING"},
	StatusRunning:  {"IN_PROGRESS"},
	StatusFinished: {"COMPLETED"},
	StatusFailed:   {"FAILED"},
	StatusPaused:   {"PAUSED"},
}

// StatusToken returns the external token of a run status.
func StatusToken(status string) string {
	switch status {
	case "SUBMITTED", "PENDING":
		return StatusQueued
	case "IN_PROGRESS":
		return StatusRunning
	case "COMPLETED":
		return StatusFinished
	case "FAILED":
		return StatusFailed
	case "PAUSED":
		return StatusPaused
	}
	return status
}

// IsFinal reports whether the external status will not change anymore.
func IsFinal(token string) bool {
	return token == StatusFinished || token == StatusFailed
}

// Ref is a short reference to a related entity.
type Ref struct {
	SUUID string `json:"suuid"`
	Name  string `json:"name,omitempty"`
}

// RunResponse represents a run in API responses.
type RunResponse struct {
	SUUID         string          `json:"suuid"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Status        string          `json:"status"`
	Trigger       string          `json:"trigger"`
	Job           Ref             `json:"job"`
	Project       Ref             `json:"project"`
	Workspace     Ref             `json:"workspace"`
	Package       *Ref            `json:"package"`
	StartedAt     *time.Time      `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at"`
	Duration      *int            `json:"duration"`
	ExitCode      *int            `json:"exit_code"`
	Timezone      string          `json:"timezone"`
	MetricsMeta   json.RawMessage `json:"metrics_meta,omitempty"`
	VariablesMeta json.RawMessage `json:"variables_meta,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ModifiedAt    time.Time       `json:"modified_at"`
}

// RunStatusResponse is the response body of the run status endpoint.
type RunStatusResponse struct {
	SUUID      string     `json:"suuid"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Job        Ref        `json:"job"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Duration   *int       `json:"duration"`
	ExitCode   *int       `json:"exit_code"`
}

// RunListResponse is one page of runs.
type RunListResponse struct {
	Count    int           `json:"count"`
	Next     string        `json:"next"`
	Previous string        `json:"previous"`
	Results  []RunResponse `json:"results"`
}

// LogEntry is a single log line: [index, timestamp, message] on the wire.
type LogEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

func (e LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Message})
}

func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("log entry: expected 3 elements, got %d", len(raw))
	}
	var ts string
	if err := json.Unmarshal(raw[0], &e.Index); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &ts); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &e.Message); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return err
	}
	e.Timestamp = t
	return nil
}

// RunLogResponse is the response body for fetching logs.
type RunLogResponse struct {
	Count   int        `json:"count"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
	Results []LogEntry `json:"results"`
	// Final reports whether the run reached a final status.
	Final bool `json:"final"`
}

// VariableResponse is a project variable. Masked values are replaced.
type VariableResponse struct {
	SUUID     string    `json:"suuid"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	IsMasked  bool      `json:"is_masked"`
	Project   Ref       `json:"project"`
	CreatedAt time.Time `json:"created_at"`
}

// TelemetryObject is the metric or variable of a row.
type TelemetryObject struct {
	Name  string `json:"name" validate:"required,max=255"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// TelemetryLabel annotates a row.
type TelemetryLabel struct {
	Name  string `json:"name" validate:"required,max=255"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// TelemetryRow is one metric or variable row. Exactly one of Metric and
// Variable is set, matching the endpoint.
type TelemetryRow struct {
	RunSUUID  string           `json:"run_suuid,omitempty"`
	Metric    *TelemetryObject `json:"metric,omitempty"`
	Variable  *TelemetryObject `json:"variable,omitempty"`
	Label     []TelemetryLabel `json:"label" validate:"dive"`
	CreatedAt *time.Time       `json:"created_at,omitempty"`
}

// CreatePackageRequest is the request body for registering a package upload.
type CreatePackageRequest struct {
	Project string `json:"project" validate:"required"`
	Name    string `json:"name" validate:"required,max=255"`
	Size    int64  `json:"size" validate:"gte=0"`
}

// CreateArtifactRequest is the request body for registering a run artifact.
type CreateArtifactRequest struct {
	Run  string `json:"run" validate:"required"`
	Name string `json:"name" validate:"required,max=255"`
	Size int64  `json:"size" validate:"gte=0"`
}

// CreateResultRequest is the request body for registering a run result.
type CreateResultRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Size        int64  `json:"size" validate:"gte=0"`
	ContentType string `json:"content_type,omitempty"`
}

// FileResponse describes a file and where to upload its parts.
type FileResponse struct {
	SUUID       string     `json:"suuid"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ETag        string     `json:"etag"`
	ContentType string     `json:"content_type"`
	CompletedAt *time.Time `json:"completed_at"`
	UploadURL   string     `json:"upload_url"`
	// Owner is the suuid of the package or run the file belongs to.
	Owner string `json:"owner,omitempty"`
}

// UploadPart is a part checksum supplied at completion.
type UploadPart struct {
	PartNumber int    `json:"part_number" validate:"min=1,max=10000"`
	ETag       string `json:"etag"`
}

// CompleteUploadRequest carries the optional checks of a completion.
type CompleteUploadRequest struct {
	Parts       []UploadPart `json:"parts" validate:"dive"`
	ETag        string       `json:"etag"`
	Size        int64        `json:"size" validate:"gte=0"`
	ContentType string       `json:"content_type"`
}

// InvitationTokenRequest carries an invitation token.
type InvitationTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// CheckEmailRequest asks whether an email matches an invitation.
type CheckEmailRequest struct {
	Token string `json:"token" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

// CheckEmailResponse is the answer to a CheckEmailRequest.
type CheckEmailResponse struct {
	Email   string `json:"email"`
	Matches bool   `json:"matches"`
}

// ResendInvitationRequest names the invitation to send again.
type ResendInvitationRequest struct {
	Membership string `json:"membership" validate:"required"`
}

// InvitationResponse describes an invitation or the membership it became.
type InvitationResponse struct {
	Membership string     `json:"membership"`
	Workspace  Ref        `json:"workspace"`
	Email      string     `json:"email,omitempty"`
	Status     string     `json:"status"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Invitation statuses.
const (
	InvitationInvited  = "invited"
	InvitationAccepted = "accepted"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// DLQTaskResponse represents a task in the dead-letter queue.
type DLQTaskResponse struct {
	ID           int64           `json:"id"`
	TaskID       int64           `json:"task_id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Kwargs       json.RawMessage `json:"kwargs"`
	ErrorMessage string          `json:"error_message"`
	Attempts     int             `json:"attempts"`
	FailedAt     time.Time       `json:"failed_at"`
}

// RetryDLQTaskResponse represents a retry response for a DLQ task.
type RetryDLQTaskResponse struct {
	TaskID int64 `json:"task_id"`
}
