// Package scheduler turns cron schedules into runs. It is driven by the
// periodic launch_scheduled_jobs and fix_missed_scheduledjobs tasks and keeps
// schedules in sync with the askanna.yml of newly uploaded packages.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"askanna/internal/askannayml"
	"askanna/internal/dispatch"
	"askanna/internal/pkgconfig"
	"askanna/internal/store"
	"askanna/internal/suuid"
)

// Window is the width of one scheduler tick.
const Window = time.Minute

// TxBeginner opens transactions.
type TxBeginner interface {
	BeginTx(ctx context.Context) (store.Tx, error)
}

// ConfigLoader reads askanna.yml from a package.
type ConfigLoader interface {
	Load(ctx context.Context, pkg *store.Package) (*askannayml.Config, error)
	// DefaultTimezone is used for schedules whose zone is unknown.
	DefaultTimezone() string
}

// Scheduler launches scheduled runs.
type Scheduler struct {
	db        TxBeginner
	schedules store.ScheduleStore
	projects  store.ProjectStore
	runs      store.RunStore
	config    ConfigLoader
	publisher dispatch.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Scheduler.
func New(db TxBeginner, schedules store.ScheduleStore, projects store.ProjectStore, runs store.RunStore,
	config ConfigLoader, publisher dispatch.Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:        db,
		schedules: schedules,
		projects:  projects,
		runs:      runs,
		config:    config,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Register binds the scheduler tasks to registry.
func (s *Scheduler) Register(registry *dispatch.Registry) {
	registry.Register(dispatch.TaskLaunchScheduledJobs, func(ctx context.Context, _ json.RawMessage) error {
		_, err := s.Launch(ctx)
		return err
	})
	registry.Register(dispatch.TaskFixMissedScheduledJobs, func(ctx context.Context, _ json.RawMessage) error {
		_, err := s.FixMissed(ctx)
		return err
	})
	registry.Register(dispatch.TaskSyncPackageConfig, dispatch.Bind(func(ctx context.Context, kw dispatch.PackageKwargs) error {
		return s.SyncFromConfig(ctx, kw.PackageSUUID)
	}))
}

func (s *Scheduler) minute() time.Time {
	return s.now().UTC().Truncate(time.Minute)
}

// Launch creates a run for every schedule due in the current minute and
// advances its cursor. It returns the number of runs created.
func (s *Scheduler) Launch(ctx context.Context) (int, error) {
	m := s.minute()
	due, err := s.schedules.ListDueScheduledJobs(ctx, m, m.Add(Window))
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	var result *multierror.Error
	launched := 0
	for i := range due {
		ok, err := s.launch(ctx, &due[i], m)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("schedule %s: %w", due[i].SUUID, err))
			continue
		}
		if ok {
			launched++
		}
	}
	if launched > 0 {
		s.logger.Info("launched scheduled runs", "count", launched, "minute", m)
	}
	return launched, result.ErrorOrNil()
}

func (s *Scheduler) launch(ctx context.Context, sj *store.ScheduledJob, m time.Time) (bool, error) {
	next, err := askannayml.Next(sj.Cron, sj.Timezone, s.config.DefaultTimezone(), m)
	if err != nil {
		return false, err
	}

	pkg, err := s.projects.LatestPackage(ctx, sj.ProjectID)
	if err != nil && !store.IsNotFound(err) {
		return false, fmt.Errorf("latest package: %w", err)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := s.schedules.AdvanceScheduledJob(ctx, tx, sj.ID, *sj.NextRunAt, &m, next)
	if err != nil {
		return false, err
	}
	if !ok {
		// Another ticker already fired this window.
		return false, nil
	}

	if pkg == nil {
		s.logger.Warn("scheduled job has no package, run skipped", "schedule", sj.SUUID, "job", sj.JobName)
		return false, tx.Commit()
	}

	id, sid := suuid.New()
	run := &store.Run{
		ID:                    id,
		SUUID:                 sid,
		JobDefID:              sj.JobDefID,
		PackageID:             &pkg.ID,
		CreatedByUserID:       sj.UserID,
		CreatedByMembershipID: &sj.MembershipID,
		Status:                store.RunStatusPending,
		Trigger:               store.TriggerSchedule,
		Timezone:              sj.Timezone,
	}
	if err := s.runs.CreateRun(ctx, tx, run); err != nil {
		return false, err
	}
	if err := s.publisher.PublishOnCommit(ctx, tx, dispatch.TaskStartRun, dispatch.RunKwargs{RunSUUID: run.SUUID}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit scheduled run: %w", err)
	}
	return true, nil
}

// FixMissed moves schedules whose window passed without firing to their next
// activation and notifies about each. No runs are created.
func (s *Scheduler) FixMissed(ctx context.Context) (int, error) {
	m := s.minute()
	missed, err := s.schedules.ListMissedScheduledJobs(ctx, m.Add(-Window))
	if err != nil {
		return 0, fmt.Errorf("list missed schedules: %w", err)
	}

	var result *multierror.Error
	fixed := 0
	for _, sj := range missed {
		if sj.NextRunAt == nil {
			continue
		}
		next, err := askannayml.Next(sj.Cron, sj.Timezone, s.config.DefaultTimezone(), m.Add(-time.Second))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("schedule %s: %w", sj.SUUID, err))
			continue
		}
		ok, err := s.schedules.AdvanceScheduledJob(ctx, nil, sj.ID, *sj.NextRunAt, nil, next)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("schedule %s: %w", sj.SUUID, err))
			continue
		}
		if !ok {
			continue
		}
		fixed++

		s.logger.Warn("scheduled job missed", "schedule", sj.SUUID, "job", sj.JobName, "missed_at", *sj.NextRunAt, "next_run_at", next)
		err = s.publisher.Publish(ctx, dispatch.TaskSendMissedScheduleNotification, dispatch.MissedScheduleKwargs{
			ScheduledJobSUUID: sj.SUUID,
			ProjectID:         sj.ProjectID.String(),
			JobName:           sj.JobName,
			MissedAt:          sj.NextRunAt.UTC().Format(time.RFC3339),
			NextRunAt:         next.Format(time.RFC3339),
		})
		if err != nil {
			s.logger.Warn("enqueue missed schedule notification", "schedule", sj.SUUID, "error", err)
		}
	}
	return fixed, result.ErrorOrNil()
}

// SyncFromConfig creates the jobs of a package's askanna.yml in its project
// and replaces their schedules. Schedules run on behalf of the membership that
// uploaded the package.
func (s *Scheduler) SyncFromConfig(ctx context.Context, packageSUUID string) error {
	pkg, err := s.projects.GetPackageBySUUID(ctx, packageSUUID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load package %s: %w", packageSUUID, err)
	}

	cfg, err := s.config.Load(ctx, pkg)
	if err != nil {
		if errors.Is(err, pkgconfig.ErrNoConfig) {
			s.logger.Info("package has no askanna.yml", "package", pkg.SUUID)
			return nil
		}
		return err
	}
	for _, w := range cfg.Warnings {
		s.logger.Warn("askanna.yml", "package", pkg.SUUID, "warning", w)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	for _, name := range cfg.JobNames() {
		job, _ := cfg.Job(name)

		id, sid := suuid.New()
		def := &store.JobDef{ID: id, SUUID: sid, ProjectID: pkg.ProjectID, Name: name}
		if err := s.projects.UpsertJobDef(ctx, tx, def); err != nil {
			return fmt.Errorf("upsert job %s: %w", name, err)
		}

		var schedules []store.ScheduledJob
		if pkg.CreatedByMembership != nil {
			for _, sch := range job.Schedules {
				next, err := askannayml.Next(sch.Cron, job.Timezone, s.config.DefaultTimezone(), now)
				if err != nil {
					s.logger.Warn("schedule skipped", "job", name, "schedule", sch.Raw, "error", err)
					continue
				}
				sjID, sjSUUID := suuid.New()
				schedules = append(schedules, store.ScheduledJob{
					ID:           sjID,
					SUUID:        sjSUUID,
					JobDefID:     def.ID,
					RawSchedule:  sch.Raw,
					Cron:         sch.Cron,
					Timezone:     job.Timezone,
					NextRunAt:    &next,
					MembershipID: *pkg.CreatedByMembership,
				})
			}
		} else if len(job.Schedules) > 0 {
			s.logger.Warn("package has no uploader, schedules skipped", "package", pkg.SUUID, "job", name)
		}

		if err := s.schedules.ReplaceScheduledJobs(ctx, tx, def.ID, schedules); err != nil {
			return fmt.Errorf("replace schedules of %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit package config: %w", err)
	}
	s.logger.Info("synced package config", "package", pkg.SUUID, "jobs", len(cfg.Jobs))
	return nil
}
