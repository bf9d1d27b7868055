package handlers

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"askanna/internal/apperr"
	"askanna/internal/dispatch"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/suuid"
	"askanna/internal/upload"
	"askanna/pkg/api"
)

// maxPartBytes bounds a single uploaded part.
const maxPartBytes = 100 << 20

// partFormMemory is the share of a multipart part kept in memory before
// spilling to disk.
const partFormMemory = 32 << 20

func toFileResponse(f *store.File, owner string) api.FileResponse {
	return api.FileResponse{
		SUUID:       f.SUUID,
		Name:        f.Name,
		Size:        f.Size,
		ETag:        f.ETag,
		ContentType: f.ContentType,
		CompletedAt: f.CompletedAt,
		UploadURL:   "/v1/file/" + f.SUUID + "/part/",
		Owner:       owner,
	}
}

// fileOwner resolves the package or run a file belongs to and checks that the
// caller holds want on its workspace. It returns the owner's suuid.
func (h *Handlers) fileOwner(ctx context.Context, f *store.File, want store.Role) (string, *store.Package, error) {
	switch f.CreatedForType {
	case store.OwnerPackage:
		pkg, err := h.store.GetPackageByID(ctx, f.CreatedForID)
		if err != nil {
			return "", nil, err
		}
		project, err := h.store.GetProjectByID(ctx, pkg.ProjectID)
		if err != nil {
			return "", nil, err
		}
		if _, err := h.authorize(ctx, project.WorkspaceID, project.IsPublic(), want); err != nil {
			return "", nil, err
		}
		return pkg.SUUID, pkg, nil
	case store.OwnerRun, store.OwnerArtifact:
		run, err := h.store.GetRunByID(ctx, f.CreatedForID)
		if err != nil {
			return "", nil, err
		}
		if _, err := h.authorize(ctx, run.WorkspaceID, run.IsPublic(), want); err != nil {
			return "", nil, err
		}
		return run.SUUID, nil, nil
	default:
		return "", nil, notFound("file", f.SUUID)
	}
}

func (h *Handlers) loadFile(ctx context.Context, r *http.Request, want store.Role) (*store.File, string, *store.Package, error) {
	f, err := h.files.GetBySUUID(ctx, r.PathValue("suuid"))
	if err != nil {
		return nil, "", nil, err
	}
	owner, pkg, err := h.fileOwner(ctx, f, want)
	if err != nil {
		return nil, "", nil, err
	}
	return f, owner, pkg, nil
}

// CreatePackage handles POST /v1/package/.
// It registers a package and the file its archive is uploaded into.
func (h *Handlers) CreatePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreatePackageRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	project, m, err := h.loadProject(ctx, req.Project, store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	membershipID, userID := createdBy(ctx, m)

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer tx.Rollback()

	id, sid := suuid.New()
	pkg := &store.Package{
		ID:                  id,
		SUUID:               sid,
		ProjectID:           project.ID,
		Name:                req.Name,
		CreatedByMembership: membershipID,
	}
	if err := h.store.CreatePackage(ctx, tx, pkg); err != nil {
		h.fail(w, r, err)
		return
	}
	f, err := h.files.Create(ctx, tx, upload.CreateRequest{
		Name:                  req.Name,
		Size:                  req.Size,
		UploadTo:              storage.PackagePrefix(pkg.SUUID),
		OwnerType:             store.OwnerPackage,
		OwnerID:               pkg.ID,
		CreatedByMembershipID: membershipID,
		CreatedByUserID:       userID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SetPackageFile(ctx, tx, pkg.ID, f.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toFileResponse(f, pkg.SUUID))
}

// CreateArtifact handles POST /v1/artifact/.
func (h *Handlers) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateArtifactRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	run, err := h.store.GetRunBySUUID(ctx, req.Run)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.authorize(ctx, run.WorkspaceID, run.IsPublic(), store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	membershipID, userID := createdBy(ctx, m)

	f, err := h.files.Create(ctx, nil, upload.CreateRequest{
		Name:                  req.Name,
		Size:                  req.Size,
		UploadTo:              path.Join(storage.RunPrefix(run.SUUID), "artifacts"),
		OwnerType:             store.OwnerArtifact,
		OwnerID:               run.ID,
		CreatedByMembershipID: membershipID,
		CreatedByUserID:       userID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toFileResponse(f, run.SUUID))
}

// CreateRunResult handles POST /v1/run/{suuid}/result/.
// A new result replaces the file slot of an earlier one.
func (h *Handlers) CreateRunResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, m, err := h.loadRun(ctx, r, store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req api.CreateResultRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	membershipID, userID := createdBy(ctx, m)

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer tx.Rollback()

	f, err := h.files.Create(ctx, tx, upload.CreateRequest{
		Name:                  req.Name,
		Size:                  req.Size,
		ContentType:           req.ContentType,
		UploadTo:              path.Join(storage.RunPrefix(run.SUUID), "result"),
		OwnerType:             store.OwnerRun,
		OwnerID:               run.ID,
		CreatedByMembershipID: membershipID,
		CreatedByUserID:       userID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SetRunFile(ctx, tx, run.ID, store.RunFileResult, f.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toFileResponse(f, run.SUUID))
}

// UploadPart handles PUT /v1/file/{suuid}/part/.
// An optional etag value or ETag header is checked against the part's MD5.
func (h *Handlers) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, _, _, err := h.loadFile(ctx, r, store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	fields := r.URL.Query()
	body := io.Reader(http.MaxBytesReader(w, r.Body, maxPartBytes))

	// Parts arrive either as a raw body with query parameters or as a
	// multipart form with part, part_number and etag fields.
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxPartBytes+1<<20)
		if err := r.ParseMultipartForm(partFormMemory); err != nil {
			h.fail(w, r, apperr.Validation("part", "invalid multipart form: %v", err))
			return
		}
		defer r.MultipartForm.RemoveAll()
		part, _, err := r.FormFile("part")
		if err != nil {
			h.fail(w, r, apperr.Validation("part", "is required"))
			return
		}
		defer part.Close()
		body = part
		fields = r.MultipartForm.Value
	}

	n, err := strconv.Atoi(formValue(fields, "part_number"))
	if err != nil {
		h.fail(w, r, apperr.Validation("part_number", "must be an integer"))
		return
	}
	etag := formValue(fields, "etag")
	if etag == "" {
		etag = r.Header.Get("ETag")
	}

	if err := h.files.UploadPart(ctx, f, n, body, etag); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func formValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// CompleteUpload handles POST /v1/file/{suuid}/complete/.
// Completing a package archive schedules parsing of its askanna.yml.
func (h *Handlers) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, owner, pkg, err := h.loadFile(ctx, r, store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req api.CompleteUploadRequest
	if err := h.decode(w, r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}
	wasComplete := f.IsComplete()

	creq := upload.CompleteRequest{ETag: req.ETag, Size: req.Size, ContentType: req.ContentType}
	for _, p := range req.Parts {
		creq.Parts = append(creq.Parts, upload.PartSpec{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	done, err := h.files.Complete(ctx, f, creq)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if pkg != nil && !wasComplete {
		if err := h.publisher.Publish(ctx, dispatch.TaskSyncPackageConfig, dispatch.PackageKwargs{PackageSUUID: pkg.SUUID}); err != nil {
			h.logger.Warn("enqueue package config sync", "package", pkg.SUUID, "error", err)
		}
	}
	h.respondJson(w, http.StatusOK, toFileResponse(done, owner))
}

// AbortUpload handles POST /v1/file/{suuid}/abort/.
// Aborting an upload that is already gone succeeds.
func (h *Handlers) AbortUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, _, _, err := h.loadFile(ctx, r, store.RoleMember)
	if err != nil {
		if store.IsNotFound(err) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.fail(w, r, err)
		return
	}
	if err := h.files.Abort(ctx, f); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadFile handles GET /v1/file/{suuid}/download/.
// Incomplete files do not exist for readers.
func (h *Handlers) DownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, _, _, err := h.loadFile(ctx, r, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := h.files.Open(ctx, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer body.Close()

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	w.Header().Set("ETag", `"`+f.ETag+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("streaming file", "file", f.SUUID, "error", err)
	}
}

// ServeStorage handles GET /v1/storage/{key...}, the target of presigned
// URLs issued by the local object store.
func (h *Handlers) ServeStorage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.signed == nil {
		h.httpError(w, "Not found", http.StatusNotFound)
		return
	}
	key := storage.Clean(r.PathValue("key"))
	q := r.URL.Query()
	if !h.signed.Verify(key, q.Get("expires"), q.Get("signature")) {
		h.httpError(w, "Invalid or expired signature", http.StatusForbidden)
		return
	}

	st, err := h.signed.Stat(ctx, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := h.signed.Get(ctx, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer body.Close()

	contentType := st.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(st.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}
