package handlers

import (
	"net/http"

	"askanna/internal/store"
	"askanna/pkg/api"
)

// defaultLogLimit is the page size of GET /v1/run/{suuid}/log/.
const defaultLogLimit = 100

// GetRunLog handles GET /v1/run/{suuid}/log/.
// Logs of running runs are served from the live queue.
func (h *Handlers) GetRunLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, _, err := h.loadRun(ctx, r, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultLogLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.logs.Get(ctx, run)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	start := min(offset, len(entries))
	end := len(entries)
	if limit > 0 {
		end = min(start+limit, len(entries))
	}

	results := make([]api.LogEntry, 0, end-start)
	for _, e := range entries[start:end] {
		results = append(results, api.LogEntry{Index: e.Index, Timestamp: e.Timestamp, Message: e.Message})
	}

	h.respondJson(w, http.StatusOK, api.RunLogResponse{
		Count:   len(entries),
		Offset:  offset,
		Limit:   limit,
		Results: results,
		Final:   run.Status.IsTerminal(),
	})
}
