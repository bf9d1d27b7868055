// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"askanna/internal/apperr"
	"askanna/internal/askannayml"
	"askanna/internal/auth"
	"askanna/internal/dispatch"
	"askanna/internal/logger"
	"askanna/internal/logqueue"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/telemetry"
	"askanna/internal/upload"
	"askanna/pkg/api"
)

// Store combines the repositories the controller needs.
type Store interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	store.AccessStore
	store.ProjectStore
	store.VariableStore
	store.RunStore
	store.Queue
}

// Files manages uploaded blobs.
type Files interface {
	Get(ctx context.Context, id uuid.UUID) (*store.File, error)
	GetBySUUID(ctx context.Context, sid string) (*store.File, error)
	Create(ctx context.Context, tx store.DBTransaction, req upload.CreateRequest) (*store.File, error)
	Store(ctx context.Context, tx store.DBTransaction, req upload.CreateRequest, data []byte) (*store.File, error)
	UploadPart(ctx context.Context, f *store.File, n int, r io.Reader, etag string) error
	Complete(ctx context.Context, f *store.File, req upload.CompleteRequest) (*store.File, error)
	Abort(ctx context.Context, f *store.File) error
	Open(ctx context.Context, f *store.File) (io.ReadCloser, error)
	PresignedURL(ctx context.Context, f *store.File, ttl time.Duration) (string, error)
}

// Logs reads run logs, live or persisted.
type Logs interface {
	Get(ctx context.Context, run *store.Run) ([]logqueue.Entry, error)
}

// Telemetry appends and lists metric and variable rows.
type Telemetry interface {
	AppendEntries(ctx context.Context, kind store.TelemetryKind, run *store.Run, entries []telemetry.Entry) error
	List(ctx context.Context, kind store.TelemetryKind, runID uuid.UUID) ([]store.TelemetryRow, error)
}

// ConfigLoader reads askanna.yml from a package.
type ConfigLoader interface {
	Load(ctx context.Context, pkg *store.Package) (*askannayml.Config, error)
}

// Deps are the collaborators of the handlers. Signed is only set when objects
// are served by the controller itself; Objects, when set, is probed by Readyz.
type Deps struct {
	Store       Store
	Files       Files
	Logs        Logs
	Telemetry   Telemetry
	Config      ConfigLoader
	Invitations *auth.Invitations
	Publisher   dispatch.Publisher
	Signed      *storage.Local
	Objects     storage.Backend
	Logger      *slog.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store       Store
	files       Files
	logs        Logs
	telemetry   Telemetry
	config      ConfigLoader
	invitations *auth.Invitations
	publisher   dispatch.Publisher
	signed      *storage.Local
	objects     storage.Backend
	logger      *slog.Logger
	validate    *validator.Validate
	now         func() time.Time
}

// New creates a new Handlers instance.
func New(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handlers{
		store:       d.Store,
		files:       d.Files,
		logs:        d.Logs,
		telemetry:   d.Telemetry,
		config:      d.Config,
		invitations: d.Invitations,
		publisher:   d.Publisher,
		signed:      d.Signed,
		objects:     d.Objects,
		logger:      d.Logger,
		validate:    v,
		now:         time.Now,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// fail maps err to a response. Entities outside the caller's visibility are
// always reported as not found.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	switch code {
	case http.StatusBadRequest:
		resp := api.ErrorResponse{Error: "Invalid request", Code: strconv.Itoa(code), Details: err.Error()}
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			resp.Details = verr.Error()
		}
		h.respondJson(w, code, resp)
	case http.StatusNotFound:
		h.httpError(w, "Not found", code)
	case http.StatusForbidden:
		h.httpError(w, "You do not have permission to perform this action", code)
	case http.StatusConflict:
		h.respondJson(w, code, api.ErrorResponse{Error: "Conflict", Code: strconv.Itoa(code), Details: err.Error()})
	case http.StatusServiceUnavailable:
		logger.FromContext(r.Context(), h.logger).Warn("backend unavailable", "path", r.URL.Path, "error", err)
		h.httpError(w, "Service unavailable", code)
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// decode reads a JSON body into v and validates it. An empty body is
// accepted when allowEmpty is set.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	switch {
	case errors.Is(err, io.EOF) && allowEmpty:
	case err != nil:
		return apperr.Validation("body", "invalid JSON: %v", err)
	}
	return h.check(v)
}

func (h *Handlers) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		detail := "failed on " + fe.Tag()
		if fe.Param() != "" {
			detail += "=" + fe.Param()
		}
		return apperr.Validation(fe.Namespace(), "%s", detail)
	}
	return apperr.Validation("body", "%v", err)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.Validation(name, "must be a non-negative integer")
	}
	return n, nil
}

// notFound wraps a lookup miss so it maps to 404.
func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
}
