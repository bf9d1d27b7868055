// Package dispatch delivers named tasks to workers with at-least-once
// semantics. Two backends exist: the Postgres task queue and an AMQP broker.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"askanna/internal/apperr"
	"askanna/internal/store"
)

// Queues.
const (
	QueueRunner  = "runner"
	QueueDefault = "default"
)

// Task names.
const (
	TaskStartRun                       = "start_run"
	TaskAbortRun                       = "abort_run"
	TaskUpdateRunMetrics               = "update_run_metrics_file_and_meta"
	TaskUpdateRunVariables             = "update_run_variables_file_and_meta"
	TaskSendRunNotification            = "send_run_notification"
	TaskSendMissedScheduleNotification = "send_missed_schedule_notification"
	TaskSendInvitationEmail            = "send_invitation_email"
	TaskSyncPackageConfig              = "sync_package_config"
	TaskLaunchScheduledJobs            = "launch_scheduled_jobs"
	TaskFixMissedScheduledJobs         = "fix_missed_scheduledjobs"
	TaskHousekeepingContainers         = "housekeeping_containers"
	TaskHousekeepingImages             = "housekeeping_images"
	TaskHousekeepingEntities           = "housekeeping_entities"
	TaskReapStaleUploads               = "reap_stale_uploads"
)

// QueueFor routes a task to its queue. Run tasks need a host with a
// container runtime.
func QueueFor(name string) string {
	switch name {
	case TaskStartRun, TaskAbortRun, TaskHousekeepingContainers, TaskHousekeepingImages:
		return QueueRunner
	default:
		return QueueDefault
	}
}

// RunKwargs address a run.
type RunKwargs struct {
	RunSUUID string `json:"run_suuid"`
}

// RunNotificationKwargs address a run notification. Status is the run
// status the notification reports.
type RunNotificationKwargs struct {
	RunSUUID string `json:"run_suuid"`
	Status   string `json:"status"`
}

// PackageKwargs address a package.
type PackageKwargs struct {
	PackageSUUID string `json:"package_suuid"`
}

// MissedScheduleKwargs describe a schedule that did not fire in time.
type MissedScheduleKwargs struct {
	ScheduledJobSUUID string `json:"scheduled_job_suuid"`
	ProjectID         string `json:"project_id"`
	JobName           string `json:"job_name"`
	MissedAt          string `json:"missed_at"`
	NextRunAt         string `json:"next_run_at"`
}

// InvitationKwargs address an invitation to (re)send.
type InvitationKwargs struct {
	WorkspaceSUUID  string `json:"workspace_suuid"`
	MembershipSUUID string `json:"membership_suuid"`
	Token           string `json:"token"`
}

// Envelope is the stored form of a task's arguments plus the trace context
// of the code that published it.
type Envelope struct {
	Kwargs json.RawMessage         `json:"kwargs"`
	Trace  propagation.MapCarrier `json:"trace,omitempty"`
}

// Encode wraps kwargs in an Envelope carrying ctx's trace context.
func Encode(ctx context.Context, kwargs any) (json.RawMessage, error) {
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}
	if kwargs == nil {
		raw = []byte("{}")
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		carrier = nil
	}
	return json.Marshal(Envelope{Kwargs: raw, Trace: carrier})
}

// Decode unwraps an Envelope, returning a context linked to the publisher's trace.
// Payloads that are not envelopes are treated as bare kwargs.
func Decode(ctx context.Context, payload json.RawMessage) (context.Context, json.RawMessage) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Kwargs) > 0 {
		if env.Trace != nil {
			ctx = otel.GetTextMapPropagator().Extract(ctx, env.Trace)
		}
		return ctx, env.Kwargs
	}
	return ctx, payload
}

// Handler executes one task.
type Handler func(ctx context.Context, kwargs json.RawMessage) error

// ErrUnknownTask is returned for a task name without a handler.
var ErrUnknownTask = errors.New("unknown task")

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to name, replacing any earlier handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names lists the registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handle runs the handler for name with the decoded kwargs. Handler errors
// wrap apperr.ErrTaskFailure so the backend retries them.
func (r *Registry) Handle(ctx context.Context, name string, kwargs json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if err := h(ctx, kwargs); err != nil {
		return fmt.Errorf("%w: %s: %w", apperr.ErrTaskFailure, name, err)
	}
	return nil
}

// Publisher enqueues tasks.
type Publisher interface {
	// Publish enqueues a task now.
	Publish(ctx context.Context, name string, kwargs any) error

	// PublishOnCommit enqueues a task that becomes deliverable only once tx commits.
	PublishOnCommit(ctx context.Context, tx store.Tx, name string, kwargs any) error
}

// Bind decodes kwargs into T before calling fn.
func Bind[T any](fn func(ctx context.Context, args T) error) Handler {
	return func(ctx context.Context, kwargs json.RawMessage) error {
		var args T
		if len(kwargs) > 0 {
			if err := json.Unmarshal(kwargs, &args); err != nil {
				return fmt.Errorf("decode kwargs: %w", err)
			}
		}
		return fn(ctx, args)
	}
}
