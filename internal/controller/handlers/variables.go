package handlers

import (
	"net/http"

	"askanna/internal/apperr"
	"askanna/internal/store"
	"askanna/pkg/api"
)

// ListProjectVariables handles GET /v1/variable/?project={suuid}.
// Masked values never leave the store unmasked.
func (h *Handlers) ListProjectVariables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid := r.URL.Query().Get("project")
	if sid == "" {
		h.fail(w, r, apperr.Validation("project", "is required"))
		return
	}
	project, _, err := h.loadProject(ctx, sid, store.RoleNone)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	vars, err := h.store.ListProjectVariables(ctx, project.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]api.VariableResponse, 0, len(vars))
	for _, v := range vars {
		v = v.Masked()
		out = append(out, api.VariableResponse{
			SUUID:     v.SUUID,
			Name:      v.Name,
			Value:     v.Value,
			IsMasked:  v.IsMasked,
			Project:   api.Ref{SUUID: project.SUUID, Name: project.Name},
			CreatedAt: v.CreatedAt,
		})
	}
	h.respondJson(w, http.StatusOK, out)
}
