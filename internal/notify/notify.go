// Package notify sends the email notifications of runs, missed schedules and
// workspace invitations.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"askanna/internal/askannayml"
	"askanna/internal/dispatch"
	"askanna/internal/pkgconfig"
	"askanna/internal/store"
)

// ConfigLoader reads askanna.yml from a package.
type ConfigLoader interface {
	Load(ctx context.Context, pkg *store.Package) (*askannayml.Config, error)
}

// Options configure the links placed in messages.
type Options struct {
	// UIURL is the base URL of the web interface.
	UIURL string
}

// Notifier resolves recipients and hands messages to a Mailer.
type Notifier struct {
	runs     store.RunStore
	projects store.ProjectStore
	access   store.AccessStore
	config   ConfigLoader
	mailer   Mailer
	opts     Options
	logger   *slog.Logger
}

// New creates a Notifier.
func New(runs store.RunStore, projects store.ProjectStore, access store.AccessStore,
	config ConfigLoader, mailer Mailer, opts Options, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	opts.UIURL = strings.TrimRight(opts.UIURL, "/")
	return &Notifier{
		runs:     runs,
		projects: projects,
		access:   access,
		config:   config,
		mailer:   mailer,
		opts:     opts,
		logger:   logger,
	}
}

// Register binds the notification tasks. Delivery problems are logged and
// never fail the task.
func (n *Notifier) Register(registry *dispatch.Registry) {
	registry.Register(dispatch.TaskSendRunNotification, dispatch.Bind(func(ctx context.Context, kw dispatch.RunNotificationKwargs) error {
		if err := n.Run(ctx, kw); err != nil {
			n.logger.Warn("run notification not sent", "run", kw.RunSUUID, "status", kw.Status, "error", err)
		}
		return nil
	}))
	registry.Register(dispatch.TaskSendMissedScheduleNotification, dispatch.Bind(func(ctx context.Context, kw dispatch.MissedScheduleKwargs) error {
		if err := n.MissedSchedule(ctx, kw); err != nil {
			n.logger.Warn("missed schedule notification not sent", "schedule", kw.ScheduledJobSUUID, "error", err)
		}
		return nil
	}))
	registry.Register(dispatch.TaskSendInvitationEmail, dispatch.Bind(func(ctx context.Context, kw dispatch.InvitationKwargs) error {
		if err := n.Invitation(ctx, kw); err != nil {
			n.logger.Warn("invitation email not sent", "membership", kw.MembershipSUUID, "error", err)
		}
		return nil
	}))
}

// Run mails the recipients of a finished run. Non-terminal statuses are only
// logged.
func (n *Notifier) Run(ctx context.Context, kw dispatch.RunNotificationKwargs) error {
	status := store.RunStatus(kw.Status)
	if !status.IsTerminal() {
		n.logger.Debug("run status changed", "run", kw.RunSUUID, "status", status)
		return nil
	}

	run, err := n.runs.GetRunBySUUID(ctx, kw.RunSUUID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.PackageID == nil {
		return nil
	}
	pkg, err := n.projects.GetPackageByID(ctx, *run.PackageID)
	if err != nil {
		return fmt.Errorf("load package: %w", err)
	}
	cfg, err := n.load(ctx, pkg)
	if err != nil || cfg == nil {
		return err
	}

	job, _ := cfg.Job(run.JobName)
	failed := status == store.RunStatusFailed
	to := cfg.Recipients(job, failed)
	if len(to) == 0 {
		return nil
	}

	outcome := "succeeded"
	if failed {
		outcome = "failed"
	}
	var body strings.Builder
	fmt.Fprintf(&body, "The run %s of job %s %s.\n\n", runLabel(run), run.JobName, outcome)
	if run.ExitCode != nil {
		fmt.Fprintf(&body, "Exit code: %d\n", *run.ExitCode)
	}
	if run.Duration != nil {
		fmt.Fprintf(&body, "Duration: %ds\n", *run.Duration)
	}
	if n.opts.UIURL != "" {
		fmt.Fprintf(&body, "\n%s/%s/project/%s/jobs/%s/runs/%s\n",
			n.opts.UIURL, run.WorkspaceSUUID, run.ProjectSUUID, run.JobSUUID, run.SUUID)
	}

	return n.mailer.Send(ctx, Message{
		To:      to,
		Subject: fmt.Sprintf("[AskAnna] Run %s %s", runLabel(run), outcome),
		Body:    body.String(),
	})
}

// MissedSchedule mails the error recipients of the job whose schedule did not
// fire. Without configured recipients the workspace admins are mailed.
func (n *Notifier) MissedSchedule(ctx context.Context, kw dispatch.MissedScheduleKwargs) error {
	projectID, err := uuid.Parse(kw.ProjectID)
	if err != nil {
		return fmt.Errorf("project id: %w", err)
	}
	project, err := n.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	var to []string
	pkg, err := n.projects.LatestPackage(ctx, projectID)
	switch {
	case err == nil:
		cfg, err := n.load(ctx, pkg)
		if err != nil {
			return err
		}
		if cfg != nil {
			job, _ := cfg.Job(kw.JobName)
			to = cfg.Recipients(job, true)
		}
	case !store.IsNotFound(err):
		return fmt.Errorf("latest package: %w", err)
	}
	if len(to) == 0 {
		to, err = n.access.ListWorkspaceAdminEmails(ctx, project.WorkspaceID)
		if err != nil {
			return fmt.Errorf("workspace admins: %w", err)
		}
	}
	if len(to) == 0 {
		return nil
	}

	body := fmt.Sprintf("The schedule of job %s in project %s did not start a run at %s.\n"+
		"It will run again at %s.\n", kw.JobName, project.Name, kw.MissedAt, kw.NextRunAt)
	return n.mailer.Send(ctx, Message{
		To:      to,
		Subject: fmt.Sprintf("[AskAnna] Missed schedule of job %s", kw.JobName),
		Body:    body,
	})
}

// Invitation mails the invitation token to the invited address.
func (n *Notifier) Invitation(ctx context.Context, kw dispatch.InvitationKwargs) error {
	ws, err := n.projects.GetWorkspaceBySUUID(ctx, kw.WorkspaceSUUID)
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	m, err := n.access.GetMembershipBySUUID(ctx, ws.ID, kw.MembershipSUUID)
	if err != nil {
		return fmt.Errorf("load invitation: %w", err)
	}
	if m.Invitation == nil {
		// Accepted in the meantime.
		return nil
	}

	link := fmt.Sprintf("%s/accounts/join/%s?token=%s", n.opts.UIURL, ws.SUUID, url.QueryEscape(kw.Token))
	body := fmt.Sprintf("You are invited to join the workspace %s on AskAnna.\n\n"+
		"Accept the invitation: %s\n", ws.Name, link)
	return n.mailer.Send(ctx, Message{
		To:      []string{m.Invitation.Email},
		Subject: fmt.Sprintf("[AskAnna] Invitation to join %s", ws.Name),
		Body:    body,
	})
}

func (n *Notifier) load(ctx context.Context, pkg *store.Package) (*askannayml.Config, error) {
	cfg, err := n.config.Load(ctx, pkg)
	if errors.Is(err, pkgconfig.ErrNoConfig) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load askanna.yml: %w", err)
	}
	return cfg, nil
}

func runLabel(run *store.Run) string {
	if run.Name != "" {
		return run.Name
	}
	return run.SUUID
}
