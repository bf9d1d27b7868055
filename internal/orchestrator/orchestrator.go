// Package orchestrator drives a run from submission to its terminal state:
// it resolves the job configuration, composes the environment, prepares the
// image, launches the container and follows its log until it exits.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"askanna/internal/apperr"
	"askanna/internal/askannayml"
	"askanna/internal/auth"
	"askanna/internal/dispatch"
	"askanna/internal/image"
	"askanna/internal/logqueue"
	"askanna/internal/manifest"
	"askanna/internal/pkgconfig"
	"askanna/internal/store"
	"askanna/internal/variables"
	"askanna/internal/worker/runtime"
)

// Container resources of every run.
const (
	MemoryLimit = 20 << 30
	CPUQuota    = 40000
	CPUPeriod   = 10000

	// AbortExitCode is recorded for runs killed on request.
	AbortExitCode = 137

	// DefaultTokenTTL bounds the lifetime of the token handed to a run.
	DefaultTokenTTL = 7 * 24 * time.Hour
)

// User visible log lines.
const (
	msgFailed      = "Run failed"
	msgErrorReport = "An error occurred while running. An error report has been created and the AskAnna team is notified."
	msgAborted     = "Run aborted"
)

// ConfigLoader reads askanna.yml from a package.
type ConfigLoader interface {
	Load(ctx context.Context, pkg *store.Package) (*askannayml.Config, error)
}

// Images prepares the container image of a run.
type Images interface {
	Prepare(ctx context.Context, req image.Request) (*store.RunImage, error)
}

// Resolver composes a run's environment.
type Resolver interface {
	Resolve(ctx context.Context, in variables.Input) (variables.Env, error)
}

// Files reads run payloads.
type Files interface {
	Get(ctx context.Context, id uuid.UUID) (*store.File, error)
	Open(ctx context.Context, f *store.File) (io.ReadCloser, error)
}

// Metrics records finished runs.
type Metrics interface {
	RunFinished(ctx context.Context, status store.RunStatus, duration time.Duration)
}

// Options configure an Orchestrator.
type Options struct {
	// Environment labels containers, e.g. "production".
	Environment string

	// DefaultImage is used when askanna.yml names no image.
	DefaultImage       string
	DefaultCredentials *askannayml.Credentials

	// Remote is the API base URL handed to the run as AA_REMOTE.
	Remote string

	// PrintLog mirrors container output to Stdout.
	PrintLog bool
	Stdout   io.Writer

	TokenTTL time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Runs      store.RunStore
	Projects  store.ProjectStore
	Variables store.VariableStore
	Access    store.AccessStore
	Files     Files
	Config    ConfigLoader
	Resolver  Resolver
	Images    Images
	Runtime   runtime.Runtime
	Logs      *logqueue.Manager
	Publisher dispatch.Publisher
	Metrics   Metrics
}

// Orchestrator executes runs.
type Orchestrator struct {
	Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Environment == "" {
		opts.Environment = "local"
	}
	return &Orchestrator{Deps: deps, opts: opts, logger: logger, now: time.Now}
}

// Register binds the run tasks to registry.
func (o *Orchestrator) Register(registry *dispatch.Registry) {
	registry.Register(dispatch.TaskStartRun, dispatch.Bind(func(ctx context.Context, kw dispatch.RunKwargs) error {
		return o.Start(ctx, kw.RunSUUID)
	}))
	registry.Register(dispatch.TaskAbortRun, dispatch.Bind(func(ctx context.Context, kw dispatch.RunKwargs) error {
		return o.Abort(ctx, kw.RunSUUID)
	}))
}

// outcome is how a run ended.
type outcome struct {
	status   store.RunStatus
	exitCode int
}

func failed(code int) outcome { return outcome{status: store.RunStatusFailed, exitCode: code} }

// errStopped means the run left the expected state while it was being
// prepared, typically because it was aborted.
var errStopped = errors.New("run is no longer startable")

// Start executes a run. Failures the run recovers from are written to its
// log and Start returns nil. Any other error fails the run and is returned.
func (o *Orchestrator) Start(ctx context.Context, runSUUID string) error {
	run, err := o.Runs.GetRunBySUUID(ctx, runSUUID)
	if err != nil {
		if store.IsNotFound(err) {
			o.logger.Warn("start of unknown run skipped", "run", runSUUID)
			return nil
		}
		return fmt.Errorf("load run %s: %w", runSUUID, err)
	}

	ok, err := o.Runs.TransitionRun(ctx, run.ID,
		[]store.RunStatus{store.RunStatusSubmitted, store.RunStatusPending},
		store.RunStatusPending, store.RunUpdate{})
	if err != nil {
		return fmt.Errorf("mark run %s pending: %w", run.SUUID, err)
	}
	if !ok {
		o.logger.Info("run is not startable", "run", run.SUUID, "status", run.Status)
		return nil
	}
	run.Status = store.RunStatusPending
	o.notify(ctx, run)

	log := o.Logs.Open(run)
	defer o.Logs.Release(run.SUUID)

	logger := o.logger.With("run", run.SUUID, "job", run.JobName)
	logger.Info("run started")

	res, err := o.execute(ctx, run, log)
	switch {
	case errors.Is(err, errStopped):
		if _, ferr := log.Flush(ctx, true); ferr != nil {
			logger.Error("flushing log of stopped run", "error", ferr)
		}
		logger.Info("run stopped before completion")
		return nil
	case err != nil:
		logger.Error("run failed unexpectedly", "error", err)
		log.Add(msgErrorReport, time.Time{})
		log.Add(msgFailed, time.Time{})
		if ferr := o.finish(ctx, run, log, failed(1)); ferr != nil {
			logger.Error("finishing run", "error", ferr)
		}
		return fmt.Errorf("%w: run %s: %w", apperr.ErrFatal, run.SUUID, err)
	}
	return o.finish(ctx, run, log, res)
}

// execute performs everything between PENDING and the container's exit.
func (o *Orchestrator) execute(ctx context.Context, run *store.Run, log *logqueue.Queue) (outcome, error) {
	if run.PackageID == nil {
		return o.fail(log, "No code package is attached to this run.")
	}
	pkg, err := o.Projects.GetPackageByID(ctx, *run.PackageID)
	if err != nil {
		if store.IsNotFound(err) {
			return o.fail(log, "The code package of this run could not be found.")
		}
		return outcome{}, fmt.Errorf("load package: %w", err)
	}

	cfg, err := o.Config.Load(ctx, pkg)
	if err != nil {
		if errors.Is(err, pkgconfig.ErrNoConfig) {
			return o.fail(log, "Could not find an askanna.yml in the code package.")
		}
		return outcome{}, fmt.Errorf("load askanna.yml: %w", err)
	}
	job, ok := cfg.Job(run.JobName)
	if !ok {
		return o.fail(log, fmt.Sprintf("Job %q was not found in askanna.yml.", run.JobName))
	}

	if job.Timezone != "" && job.Timezone != run.Timezone {
		if err := o.Runs.SetRunTimezone(ctx, run.ID, job.Timezone); err != nil {
			return outcome{}, fmt.Errorf("set timezone: %w", err)
		}
		run.Timezone = job.Timezone
	}

	env, err := o.environment(ctx, run, job)
	if err != nil {
		return outcome{}, err
	}

	imageCfg := cfg.EnvironmentFor(job, o.opts.DefaultImage)
	if imageCfg.Credentials == nil && imageCfg.Image == o.opts.DefaultImage {
		imageCfg.Credentials = o.opts.DefaultCredentials
	}
	log.Add("Getting image "+imageCfg.Image, time.Time{})
	img, err := o.Images.Prepare(ctx, image.Request{
		Image:       imageCfg.Image,
		Credentials: imageCfg.Credentials,
		Variables:   env,
	})
	if err != nil {
		if apperr.IsRecoverableRunError(err) {
			return o.fail(log, imageDiagnostic(imageCfg.Image, err))
		}
		return outcome{}, fmt.Errorf("prepare image: %w", err)
	}
	if err := o.Runs.SetRunImage(ctx, run.ID, img.ID); err != nil {
		return outcome{}, fmt.Errorf("set run image: %w", err)
	}
	run.RunImageID = &img.ID

	started := o.now().UTC()
	ok, err = o.Runs.TransitionRun(ctx, run.ID,
		[]store.RunStatus{store.RunStatusPending},
		store.RunStatusInProgress, store.RunUpdate{StartedAt: &started})
	if err != nil {
		return outcome{}, fmt.Errorf("mark run in progress: %w", err)
	}
	if !ok {
		return outcome{}, errStopped
	}
	run.Status = store.RunStatusInProgress
	run.StartedAt = &started

	handle, err := o.Runtime.Start(ctx, runtime.StartOptions{
		Image:   img.CachedImage,
		Command: []string{"/bin/sh", "-c", manifest.Entrypoint},
		Env:     env,
		Labels: map[string]string{
			runtime.LabelRun:     run.SUUID,
			runtime.LabelJob:     run.JobSUUID,
			runtime.LabelProject: run.ProjectSUUID,
			runtime.LabelEnv:     o.opts.Environment,
		},
		Hostname:    run.SUUID,
		MemoryBytes: MemoryLimit,
		CPUQuota:    CPUQuota,
		CPUPeriod:   CPUPeriod,
	})
	if err != nil {
		return o.fail(log, "Could not start the run container: "+err.Error())
	}

	return o.follow(ctx, run, log, handle)
}

// environment resolves the run's variables, issuing the run token.
func (o *Orchestrator) environment(ctx context.Context, run *store.Run, job *askannayml.Job) (variables.Env, error) {
	projectVars, err := o.Variables.ListProjectVariables(ctx, run.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project variables: %w", err)
	}

	in := variables.Input{
		Run:      run,
		Project:  projectVars,
		JobName:  job.Name,
		Timezone: run.Timezone,
		Remote:   o.opts.Remote,
	}

	if run.PayloadFileID != nil {
		f, err := o.Files.Get(ctx, *run.PayloadFileID)
		if err != nil {
			return nil, fmt.Errorf("load payload: %w", err)
		}
		payload, err := o.readAll(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		in.HasPayload = true
		in.Payload = payload
		in.PayloadSUUID = f.SUUID
	}

	if run.CreatedByUserID != nil {
		token, hash, err := auth.GenerateKey()
		if err != nil {
			return nil, err
		}
		expires := o.now().Add(o.opts.TokenTTL)
		if err := o.Access.CreateUserToken(ctx, *run.CreatedByUserID, hash, &run.ID, &expires); err != nil {
			return nil, fmt.Errorf("create run token: %w", err)
		}
		in.Token = token
	}

	env, err := o.Resolver.Resolve(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("resolve variables: %w", err)
	}
	return env, nil
}

func (o *Orchestrator) readAll(ctx context.Context, f *store.File) ([]byte, error) {
	rc, err := o.Files.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// follow tails the container log into the run's queue and waits for exit.
func (o *Orchestrator) follow(ctx context.Context, run *store.Run, log *logqueue.Queue, handle runtime.Handle) (outcome, error) {
	rc, err := handle.Logs(ctx)
	if err != nil {
		if kerr := handle.Kill(ctx); kerr != nil {
			o.logger.Warn("killing container without log stream", "run", run.SUUID, "error", kerr)
		}
		return o.fail(log, "Could not read the output of the run container: "+err.Error())
	}
	defer rc.Close()

	stop := o.flushEvery(ctx, log, logqueue.FlushInterval)
	defer stop()

	var (
		lastLine     string
		sentinel     = -1
		utilsMissing bool
	)
	reader := bufio.NewReader(rc)
	for {
		line, rerr := reader.ReadString('\n')
		if line != "" {
			ts, msg := logqueue.SplitTimestamp(line)
			msg = strings.TrimRight(msg, "\r\n")
			log.Add(msg, ts)
			if o.opts.PrintLog {
				fmt.Fprintf(o.opts.Stdout, "[%s] %s\n", run.SUUID, msg)
			}

			if strings.TrimSpace(msg) != "" {
				lastLine = msg
			}
			switch {
			case manifest.IsRunUtilsMissing(msg):
				utilsMissing = true
			default:
				if code, ok := manifest.ParseExit(msg); ok {
					sentinel = code
				}
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				o.logger.Warn("reading container log", "run", run.SUUID, "error", rerr)
			}
			break
		}
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		return o.fail(log, "The run container stopped unexpectedly: "+err.Error())
	}

	switch {
	case sentinel >= 0:
		log.Add(msgFailed, time.Time{})
		return failed(sentinel), nil
	case utilsMissing:
		log.Add("The image does not provide askanna-run-utils, so the run could not be prepared.", time.Time{})
		log.Add(msgFailed, time.Time{})
		return failed(nonZero(res.ExitCode, 127)), nil
	case manifest.IsSucceeded(lastLine) && res.ExitCode == 0:
		// Only a clean exit whose last line is the success marker completes.
		return outcome{status: store.RunStatusCompleted}, nil
	default:
		log.Add(msgFailed, time.Time{})
		return failed(nonZero(res.ExitCode, 1)), nil
	}
}

// flushEvery flushes log on a timer until the returned stop is called.
func (o *Orchestrator) flushEvery(ctx context.Context, log *logqueue.Queue, interval time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := log.Flush(ctx, false); err != nil {
					o.logger.Warn("flushing run log", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// fail writes a diagnostic and the final failure line. The run fails with exit code 1.
func (o *Orchestrator) fail(log *logqueue.Queue, diagnostic string) (outcome, error) {
	log.Add(diagnostic, time.Time{})
	log.Add(msgFailed, time.Time{})
	return failed(1), nil
}

// finish freezes the log and performs the terminal transition.
func (o *Orchestrator) finish(ctx context.Context, run *store.Run, log *logqueue.Queue, res outcome) error {
	_, flushErr := log.Flush(ctx, true)
	if flushErr != nil {
		flushErr = fmt.Errorf("flush log of run %s: %w", run.SUUID, flushErr)
	}

	finished := o.now().UTC()
	upd := store.RunUpdate{FinishedAt: &finished, ExitCode: &res.exitCode}
	var elapsed time.Duration
	if run.StartedAt != nil {
		elapsed = finished.Sub(*run.StartedAt)
		seconds := int(elapsed / time.Second)
		upd.Duration = &seconds
	}

	ok, err := o.Runs.TransitionRun(ctx, run.ID,
		[]store.RunStatus{store.RunStatusPending, store.RunStatusInProgress},
		res.status, upd)
	if err != nil {
		return errors.Join(fmt.Errorf("finish run %s: %w", run.SUUID, err), flushErr)
	}
	if !ok {
		o.logger.Info("run was already finished", "run", run.SUUID)
		return errors.Join(flushErr, o.recordAbort(ctx, run, log))
	}
	run.Status = res.status
	run.FinishedAt = &finished
	run.ExitCode = &res.exitCode
	run.Duration = upd.Duration

	o.logger.Info("run finished", "run", run.SUUID, "status", res.status, "exit_code", res.exitCode, "duration", elapsed)
	o.finished(ctx, run, elapsed)
	return flushErr
}

// recordAbort keeps the abort line in the log of a run another process
// aborted while this one executed it. Its flush may have replaced the line.
func (o *Orchestrator) recordAbort(ctx context.Context, run *store.Run, log *logqueue.Queue) error {
	current, err := o.Runs.GetRunBySUUID(ctx, run.SUUID)
	if err != nil {
		return fmt.Errorf("reload run %s: %w", run.SUUID, err)
	}
	if current.Status != store.RunStatusFailed || current.ExitCode == nil || *current.ExitCode != AbortExitCode {
		return nil
	}
	if log.Contains(msgAborted) {
		return nil
	}
	log.Add(msgAborted, time.Time{})
	if _, err := log.Flush(ctx, true); err != nil {
		return fmt.Errorf("flush log of run %s: %w", run.SUUID, err)
	}
	return nil
}

// finished publishes the follow-up tasks of a terminal run.
func (o *Orchestrator) finished(ctx context.Context, run *store.Run, elapsed time.Duration) {
	if o.Metrics != nil {
		o.Metrics.RunFinished(ctx, run.Status, elapsed)
	}
	o.notify(ctx, run)
	for _, task := range []string{dispatch.TaskUpdateRunVariables, dispatch.TaskUpdateRunMetrics} {
		if err := o.Publisher.Publish(ctx, task, dispatch.RunKwargs{RunSUUID: run.SUUID}); err != nil {
			o.logger.Warn("enqueue telemetry recompute", "run", run.SUUID, "task", task, "error", err)
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, run *store.Run) {
	err := o.Publisher.Publish(ctx, dispatch.TaskSendRunNotification, dispatch.RunNotificationKwargs{
		RunSUUID: run.SUUID,
		Status:   string(run.Status),
	})
	if err != nil {
		o.logger.Warn("enqueue run notification", "run", run.SUUID, "error", err)
	}
}

// Abort kills the containers of a pending or running run and fails it with
// exit code 137. Runs in any other state are left untouched.
func (o *Orchestrator) Abort(ctx context.Context, runSUUID string) error {
	run, err := o.Runs.GetRunBySUUID(ctx, runSUUID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load run %s: %w", runSUUID, err)
	}
	if run.Status != store.RunStatusPending && run.Status != store.RunStatusInProgress {
		o.logger.Info("abort of idle run skipped", "run", run.SUUID, "status", run.Status)
		return nil
	}

	n, err := o.Runtime.KillByLabel(ctx, runtime.LabelRun, run.SUUID)
	if err != nil {
		o.logger.Warn("killing run containers", "run", run.SUUID, "error", err)
	}

	// A run executing in this process records the abort in its own log. Any
	// other run gets a log only when it has none yet.
	if log, ok := o.Logs.Active(run.SUUID); ok {
		log.Add(msgAborted, time.Time{})
	} else if run.LogFileID == nil {
		log := o.Logs.Open(run)
		log.Add(msgAborted, time.Time{})
		_, ferr := log.Flush(ctx, true)
		o.Logs.Release(run.SUUID)
		if ferr != nil {
			o.logger.Warn("writing abort log", "run", run.SUUID, "error", ferr)
		}
	}

	finished := o.now().UTC()
	code := AbortExitCode
	upd := store.RunUpdate{FinishedAt: &finished, ExitCode: &code}
	var elapsed time.Duration
	if run.StartedAt != nil {
		elapsed = finished.Sub(*run.StartedAt)
		seconds := int(elapsed / time.Second)
		upd.Duration = &seconds
	}

	ok, err := o.Runs.TransitionRun(ctx, run.ID,
		[]store.RunStatus{store.RunStatusPending, store.RunStatusInProgress},
		store.RunStatusFailed, upd)
	if err != nil {
		return fmt.Errorf("abort run %s: %w", run.SUUID, err)
	}
	if !ok {
		return nil
	}
	run.Status = store.RunStatusFailed
	run.FinishedAt = &finished
	run.ExitCode = &code
	run.Duration = upd.Duration

	o.logger.Info("run aborted", "run", run.SUUID, "containers_killed", n)
	o.finished(ctx, run, elapsed)
	return nil
}

func imageDiagnostic(ref string, err error) string {
	if errors.Is(err, apperr.ErrRegistryAuth) {
		return fmt.Sprintf("Could not authenticate with the registry of image %s. Please check the credentials.", ref)
	}
	return fmt.Sprintf("Could not get image %s: %v", ref, err)
}

func nonZero(code, fallback int) int {
	if code == 0 {
		return fallback
	}
	return code
}
