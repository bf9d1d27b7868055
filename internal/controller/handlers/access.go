package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"askanna/internal/apperr"
	"askanna/internal/controller/middleware"
	"askanna/internal/store"
)

// membership returns the caller's active membership of a workspace, or nil
// for anonymous callers and non-members.
func (h *Handlers) membership(ctx context.Context, workspaceID uuid.UUID) (*store.Membership, error) {
	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		return nil, nil
	}
	m, err := h.store.GetActiveMembership(ctx, workspaceID, user.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("membership lookup: %w", err)
	}
	return m, nil
}

// authorize checks that the caller holds at least want in a workspace.
// Callers that cannot see the entity at all get ErrNotFound so existence does
// not leak; callers that can see it but lack the role get ErrPermissionDenied.
func (h *Handlers) authorize(ctx context.Context, workspaceID uuid.UUID, public bool, want store.Role) (*store.Membership, error) {
	m, err := h.membership(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	role := store.RoleNone
	if m != nil {
		role = m.Role
	}
	if role == store.RoleNone && !public {
		return nil, apperr.ErrNotFound
	}
	if role < want {
		return nil, fmt.Errorf("role %s: %w", role.Code(), apperr.ErrPermissionDenied)
	}
	return m, nil
}

// loadRun resolves the {suuid} run of a request and checks access.
func (h *Handlers) loadRun(ctx context.Context, r *http.Request, want store.Role) (*store.Run, *store.Membership, error) {
	sid := r.PathValue("suuid")
	run, err := h.store.GetRunBySUUID(ctx, sid)
	if err != nil {
		return nil, nil, err
	}
	m, err := h.authorize(ctx, run.WorkspaceID, run.IsPublic(), want)
	if err != nil {
		return nil, nil, err
	}
	return run, m, nil
}

// loadProject resolves a project by suuid and checks access.
func (h *Handlers) loadProject(ctx context.Context, sid string, want store.Role) (*store.Project, *store.Membership, error) {
	project, err := h.store.GetProjectBySUUID(ctx, sid)
	if err != nil {
		return nil, nil, err
	}
	m, err := h.authorize(ctx, project.WorkspaceID, project.IsPublic(), want)
	if err != nil {
		return nil, nil, err
	}
	return project, m, nil
}

// createdBy returns the ids recorded on entities the caller creates.
func createdBy(ctx context.Context, m *store.Membership) (*uuid.UUID, *uuid.UUID) {
	var membershipID, userID *uuid.UUID
	if m != nil {
		id := m.ID
		membershipID = &id
	}
	if user, ok := middleware.UserFromContext(ctx); ok {
		id := user.ID
		userID = &id
	}
	return membershipID, userID
}
