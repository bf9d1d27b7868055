package handlers

import (
	"net/http"
	"strconv"

	"askanna/internal/store"
	"askanna/pkg/api"
)

// GetDLQTasks handles GET /internal/tasks/dlq.
func (h *Handlers) GetDLQTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit = min(max(limit, 1), 1000)
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.store.ListDLQ(r.Context(), limit, offset)
	if err != nil {
		h.httpError(w, "Failed to fetch DLQ tasks", http.StatusInternalServerError)
		return
	}

	resp := make([]api.DLQTaskResponse, len(entries))
	for i, e := range entries {
		resp[i] = api.DLQTaskResponse{
			ID:           e.ID,
			TaskID:       e.TaskID,
			Name:         e.Name,
			Queue:        e.Queue,
			Kwargs:       e.Kwargs,
			ErrorMessage: e.ErrorMessage,
			Attempts:     e.Attempts,
			FailedAt:     e.FailedAt,
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}

// RetryDLQTask handles POST /internal/tasks/dlq/{id}/retry.
func (h *Handlers) RetryDLQTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.httpError(w, "Invalid DLQ id", http.StatusBadRequest)
		return
	}

	taskID, err := h.store.RetryFromDLQ(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			h.httpError(w, "DLQ task not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to retry task", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, api.RetryDLQTaskResponse{TaskID: taskID})
}
