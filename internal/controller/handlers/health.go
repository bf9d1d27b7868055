package handlers

import "net/http"

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe. The database must answer, and so must the
// object store when one is configured.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.store.Ping(ctx); err != nil {
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	if h.objects != nil {
		if _, err := h.objects.Exists(ctx, ".readyz"); err != nil {
			h.logger.Warn("object store probe failed", "error", err)
			h.httpError(w, "Object storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready"})
}
