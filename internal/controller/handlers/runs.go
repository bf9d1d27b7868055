package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"askanna/internal/apperr"
	"askanna/internal/dispatch"
	"askanna/internal/manifest"
	"askanna/internal/pkgconfig"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/suuid"
	"askanna/internal/upload"
	"askanna/pkg/api"
)

// maxPayloadBytes bounds the JSON payload of a new run.
const maxPayloadBytes = 50 << 20

// PayloadName is the file name of a run's payload.
const PayloadName = "payload.json"

// resultURLTTL is the lifetime of a result download redirect.
const resultURLTTL = time.Hour

func toRunResponse(run *store.Run) api.RunResponse {
	resp := api.RunResponse{
		SUUID:       run.SUUID,
		Name:        run.Name,
		Description: run.Description,
		Status:      api.StatusToken(string(run.Status)),
		Trigger:     string(run.Trigger),
		Job:         api.Ref{SUUID: run.JobSUUID, Name: run.JobName},
		Project:     api.Ref{SUUID: run.ProjectSUUID},
		Workspace:   api.Ref{SUUID: run.WorkspaceSUUID},
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Duration:    run.Duration,
		ExitCode:    run.ExitCode,
		Timezone:    run.Timezone,
		CreatedAt:   run.CreatedAt,
		ModifiedAt:  run.ModifiedAt,
	}
	if run.PackageSUUID != "" {
		resp.Package = &api.Ref{SUUID: run.PackageSUUID}
	}
	if run.MetricsMeta != nil {
		resp.MetricsMeta, _ = json.Marshal(run.MetricsMeta)
	}
	if run.VariablesMeta != nil {
		resp.VariablesMeta, _ = json.Marshal(run.VariablesMeta)
	}
	return resp
}

func toRunStatus(run *store.Run) api.RunStatusResponse {
	return api.RunStatusResponse{
		SUUID:      run.SUUID,
		Name:       run.Name,
		Status:     api.StatusToken(string(run.Status)),
		Job:        api.Ref{SUUID: run.JobSUUID, Name: run.JobName},
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Duration:   run.Duration,
		ExitCode:   run.ExitCode,
	}
}

// CreateRun handles POST /v1/job/{suuid}/run/.
// The JSON body, if any, becomes the payload of the run.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	job, err := h.store.GetJobDefBySUUID(ctx, r.PathValue("suuid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	project, err := h.store.GetProjectByID(ctx, job.ProjectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.authorize(ctx, project.WorkspaceID, project.IsPublic(), store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	query := r.URL.Query()
	trigger := store.TriggerAPI
	if t := query.Get("trigger"); t != "" {
		parsed, ok := store.ParseTrigger(strings.ToUpper(t))
		if !ok {
			h.fail(w, r, apperr.Validation("trigger", "unknown trigger %q", t))
			return
		}
		trigger = parsed
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		h.fail(w, r, apperr.Validation("body", "payload too large"))
		return
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && !json.Valid(payload) {
		h.fail(w, r, apperr.Validation("body", "payload is not valid JSON"))
		return
	}

	pkg, err := h.store.LatestPackage(ctx, project.ID)
	if err != nil {
		if store.IsNotFound(err) {
			h.fail(w, r, apperr.Validation("package", "project %s has no package to run", project.SUUID))
			return
		}
		h.fail(w, r, err)
		return
	}

	membershipID, userID := createdBy(ctx, m)
	id, sid := suuid.New()
	run := &store.Run{
		ID:                    id,
		SUUID:                 sid,
		Name:                  query.Get("name"),
		Description:           query.Get("description"),
		JobDefID:              job.ID,
		PackageID:             &pkg.ID,
		CreatedByUserID:       userID,
		CreatedByMembershipID: membershipID,
		Status:                store.RunStatusSubmitted,
		Trigger:               trigger,
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer tx.Rollback()

	if len(payload) > 0 {
		f, err := h.files.Store(ctx, tx, upload.CreateRequest{
			Name:                  PayloadName,
			ContentType:           "application/json",
			UploadTo:              storage.RunPrefix(run.SUUID),
			OwnerType:             store.OwnerRun,
			OwnerID:               run.ID,
			CreatedByMembershipID: membershipID,
			CreatedByUserID:       userID,
		}, payload)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		run.PayloadFileID = &f.ID
	}

	if err := h.store.CreateRun(ctx, tx, run); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.publisher.PublishOnCommit(ctx, tx, dispatch.TaskStartRun, dispatch.RunKwargs{RunSUUID: run.SUUID}); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		h.fail(w, r, err)
		return
	}

	if created, err := h.store.GetRunBySUUID(ctx, run.SUUID); err == nil {
		run = created
	}
	h.respondJson(w, http.StatusCreated, toRunStatus(run))
}

// splitList parses a comma separated query parameter.
func splitList(values url.Values, key string) []string {
	var out []string
	for _, v := range values[key] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func statusFilter(values url.Values, key string) ([]store.RunStatus, error) {
	var out []store.RunStatus
	for _, token := range splitList(values, key) {
		statuses, ok := api.StatusFilter[strings.ToLower(token)]
		if !ok {
			return nil, apperr.Validation(key, "unknown status %q", token)
		}
		for _, s := range statuses {
			out = append(out, store.RunStatus(s))
		}
	}
	return out, nil
}

func triggerFilter(values url.Values, key string) ([]store.RunTrigger, error) {
	var out []store.RunTrigger
	for _, token := range splitList(values, key) {
		t, ok := store.ParseTrigger(strings.ToUpper(token))
		if !ok {
			return nil, apperr.Validation(key, "unknown trigger %q", token)
		}
		out = append(out, t)
	}
	return out, nil
}

// parseRunFilter reads the filters of GET /v1/run/.
func parseRunFilter(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	var (
		filter store.RunFilter
		err    error
	)
	if filter.Status, err = statusFilter(q, "status"); err != nil {
		return filter, err
	}
	if filter.StatusExclude, err = statusFilter(q, "status__exclude"); err != nil {
		return filter, err
	}
	if filter.Triggers, err = triggerFilter(q, "trigger"); err != nil {
		return filter, err
	}
	if filter.TriggerExclude, err = triggerFilter(q, "trigger__exclude"); err != nil {
		return filter, err
	}
	filter.Jobs = splitList(q, "job")
	filter.JobsExclude = splitList(q, "job__exclude")
	filter.Projects = splitList(q, "project")
	filter.ProjectExclude = splitList(q, "project__exclude")

	if c := q.Get("cursor"); c != "" {
		if filter.Cursor, err = store.DecodeCursor(c); err != nil {
			return filter, err
		}
	}
	limit, err := queryInt(r, "page_size", store.DefaultPageSize)
	if err != nil {
		return filter, err
	}
	filter.Limit = store.ClampPageSize(limit)
	return filter, nil
}

// pageURL returns the request URL pointing at cursor c.
func pageURL(r *http.Request, c *store.Cursor) string {
	if c == nil {
		return ""
	}
	u := *r.URL
	q := u.Query()
	q.Set("cursor", c.Encode())
	u.RawQuery = q.Encode()
	return u.RequestURI()
}

// ListRuns handles GET /v1/run/.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseRunFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_, userID := createdBy(ctx, nil)
	filter.ViewerID = userID

	rows, err := h.store.ListRuns(ctx, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page := store.PageRuns(rows, filter.Cursor, filter.Limit)

	resp := api.RunListResponse{
		Count:    len(page.Runs),
		Next:     pageURL(r, page.Next),
		Previous: pageURL(r, page.Previous),
		Results:  make([]api.RunResponse, 0, len(page.Runs)),
	}
	for i := range page.Runs {
		resp.Results = append(resp.Results, toRunResponse(&page.Runs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetRun handles GET /v1/run/{suuid}/.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, _, err := h.loadRun(r.Context(), r, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toRunResponse(run))
}

// GetRunStatus handles GET /v1/run/{suuid}/status/.
func (h *Handlers) GetRunStatus(w http.ResponseWriter, r *http.Request) {
	run, _, err := h.loadRun(r.Context(), r, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toRunStatus(run))
}

// AbortRun handles POST /v1/run/{suuid}/abort/. The abort itself happens on
// a worker that can reach the run's containers.
func (h *Handlers) AbortRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, _, err := h.loadRun(ctx, r, store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if run.Status != store.RunStatusPending && run.Status != store.RunStatusInProgress {
		h.fail(w, r, fmt.Errorf("run %s is %s: %w", run.SUUID, api.StatusToken(string(run.Status)), apperr.ErrConflict))
		return
	}
	if err := h.publisher.Publish(ctx, dispatch.TaskAbortRun, dispatch.RunKwargs{RunSUUID: run.SUUID}); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, toRunStatus(run))
}

// GetRunManifest handles GET /v1/run/{suuid}/manifest/.
// It returns the script the run container executes.
func (h *Handlers) GetRunManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, _, err := h.loadRun(ctx, r, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if run.PackageID == nil {
		h.fail(w, r, notFound("package of run", run.SUUID))
		return
	}
	pkg, err := h.store.GetPackageByID(ctx, *run.PackageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cfg, err := h.config.Load(ctx, pkg)
	if err != nil {
		if errors.Is(err, pkgconfig.ErrNoConfig) {
			h.fail(w, r, notFound("askanna.yml of package", pkg.SUUID))
			return
		}
		h.fail(w, r, err)
		return
	}
	job, ok := cfg.Job(run.JobName)
	if !ok {
		h.fail(w, r, notFound("job", run.JobName))
		return
	}

	script, err := manifest.Render(manifest.Input{
		Commands:   job.Commands,
		Result:     job.Output.Result,
		Artifacts:  job.Output.Artifacts,
		HasPayload: run.PayloadFileID != nil,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-sh; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(script)
}

// GetRunResult handles GET /v1/run/{suuid}/result/ by redirecting to a
// time-limited URL of the completed result file.
func (h *Handlers) GetRunResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, _, err := h.loadRun(ctx, r, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if run.ResultFileID == nil {
		h.fail(w, r, notFound("result of run", run.SUUID))
		return
	}
	f, err := h.files.Get(ctx, *run.ResultFileID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	target, err := h.files.PresignedURL(ctx, f, resultURLTTL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
