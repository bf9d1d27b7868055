package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"askanna/internal/apperr"
	"askanna/internal/dispatch"
	"askanna/internal/store"
	"askanna/internal/telemetry"
	"askanna/pkg/api"
)

// maxTelemetryBytes bounds one telemetry append request.
const maxTelemetryBytes = 10 << 20

func recomputeTask(kind store.TelemetryKind) string {
	if kind == store.TelemetryVariable {
		return dispatch.TaskUpdateRunVariables
	}
	return dispatch.TaskUpdateRunMetrics
}

// decodeRows accepts a list of rows or a single row.
func (h *Handlers) decodeRows(r *http.Request, rows *[]api.TelemetryRow) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return apperr.Validation("body", "request too large")
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var row api.TelemetryRow
		if err := json.Unmarshal(data, &row); err != nil {
			return apperr.Validation("body", "invalid JSON: %v", err)
		}
		*rows = []api.TelemetryRow{row}
		return nil
	}
	if err := json.Unmarshal(data, rows); err != nil {
		return apperr.Validation("body", "invalid JSON: %v", err)
	}
	return nil
}

// AppendMetrics handles POST /v1/run/{suuid}/metric/.
func (h *Handlers) AppendMetrics(w http.ResponseWriter, r *http.Request) {
	h.appendTelemetry(w, r, store.TelemetryMetric)
}

// AppendVariables handles POST /v1/run/{suuid}/variable/.
func (h *Handlers) AppendVariables(w http.ResponseWriter, r *http.Request) {
	h.appendTelemetry(w, r, store.TelemetryVariable)
}

// ListMetrics handles GET /v1/run/{suuid}/metric/.
func (h *Handlers) ListMetrics(w http.ResponseWriter, r *http.Request) {
	h.listTelemetry(w, r, store.TelemetryMetric)
}

// ListVariables handles GET /v1/run/{suuid}/variable/.
func (h *Handlers) ListVariables(w http.ResponseWriter, r *http.Request) {
	h.listTelemetry(w, r, store.TelemetryVariable)
}

func (h *Handlers) appendTelemetry(w http.ResponseWriter, r *http.Request, kind store.TelemetryKind) {
	ctx := r.Context()

	run, _, err := h.loadRun(ctx, r, store.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var rows []api.TelemetryRow
	r.Body = http.MaxBytesReader(w, r.Body, maxTelemetryBytes)
	if err := h.decodeRows(r, &rows); err != nil {
		h.fail(w, r, err)
		return
	}

	entries := make([]telemetry.Entry, 0, len(rows))
	for i, row := range rows {
		obj := row.Metric
		if kind == store.TelemetryVariable {
			obj = row.Variable
		}
		if obj == nil {
			h.fail(w, r, apperr.Validation(string(kind), "row %d has no %s", i, kind))
			return
		}
		if err := h.check(row); err != nil {
			h.fail(w, r, err)
			return
		}
		entry := telemetry.Entry{Name: obj.Name, Value: obj.Value}
		if row.CreatedAt != nil {
			entry.CreatedAt = *row.CreatedAt
		}
		for _, l := range row.Label {
			entry.Labels = append(entry.Labels, store.Label{Name: l.Name, Value: l.Value})
		}
		entries = append(entries, entry)
	}

	if err := h.telemetry.AppendEntries(ctx, kind, run, entries); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.publisher.Publish(ctx, recomputeTask(kind), dispatch.RunKwargs{RunSUUID: run.SUUID}); err != nil {
		h.logger.Warn("enqueue telemetry recompute", "run", run.SUUID, "kind", kind, "error", err)
	}
	h.respondJson(w, http.StatusCreated, map[string]int{"count": len(entries)})
}

func (h *Handlers) listTelemetry(w http.ResponseWriter, r *http.Request, kind store.TelemetryKind) {
	ctx := r.Context()

	run, _, err := h.loadRun(ctx, r, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.telemetry.List(ctx, kind, run.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]api.TelemetryRow, 0, len(rows))
	for _, row := range rows {
		obj := &api.TelemetryObject{Name: row.Object.Name, Value: row.Object.Value, Type: row.Object.Type}
		created := row.CreatedAt.UTC().Truncate(time.Microsecond)
		item := api.TelemetryRow{RunSUUID: row.RunSUUID, CreatedAt: &created, Label: make([]api.TelemetryLabel, 0, len(row.Labels))}
		if kind == store.TelemetryVariable {
			item.Variable = obj
		} else {
			item.Metric = obj
		}
		for _, l := range row.Labels {
			item.Label = append(item.Label, api.TelemetryLabel{Name: l.Name, Value: l.Value, Type: l.Type})
		}
		out = append(out, item)
	}
	h.respondJson(w, http.StatusOK, out)
}
