package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"askanna/internal/apperr"
	"askanna/internal/auth"
	"askanna/internal/controller/middleware"
	"askanna/internal/dispatch"
	"askanna/internal/store"
	"askanna/pkg/api"
)

// invitation is a verified token together with what it points at.
type invitation struct {
	claims     *auth.InvitationClaims
	workspace  *store.Workspace
	membership *store.Membership
}

// resolveInvitation verifies token against the {suuid} workspace. A token of
// another workspace, or one superseded by a resend, is invalid.
func (h *Handlers) resolveInvitation(ctx context.Context, r *http.Request, token string) (*invitation, error) {
	claims, err := h.invitations.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, apperr.Validation("token", "invalid or expired invitation token")
		}
		return nil, err
	}
	ws, err := h.store.GetWorkspaceBySUUID(ctx, r.PathValue("suuid"))
	if err != nil {
		return nil, err
	}
	if claims.Workspace != ws.SUUID {
		return nil, apperr.Validation("token", "invitation belongs to another workspace")
	}
	m, err := h.store.GetMembershipBySUUID(ctx, ws.ID, claims.Membership)
	if err != nil {
		return nil, err
	}
	if m.Invitation != nil && claims.IssuedAt != nil && claims.IssuedAt.Unix() != m.Invitation.SentAt.Unix() {
		return nil, apperr.Validation("token", "invitation was sent again, use the latest token")
	}
	return &invitation{claims: claims, workspace: ws, membership: m}, nil
}

func (inv *invitation) response() api.InvitationResponse {
	resp := api.InvitationResponse{
		Membership: inv.membership.SUUID,
		Workspace:  api.Ref{SUUID: inv.workspace.SUUID, Name: inv.workspace.Name},
		Email:      inv.claims.Email,
		Status:     api.InvitationAccepted,
	}
	if inv.membership.Invitation != nil {
		resp.Status = api.InvitationInvited
		sent := inv.membership.Invitation.SentAt
		resp.SentAt = &sent
	}
	if inv.claims.ExpiresAt != nil {
		exp := inv.claims.ExpiresAt.Time
		resp.ExpiresAt = &exp
	}
	return resp
}

// InvitationInfo handles POST /v1/workspace/{suuid}/people/invite/info/.
func (h *Handlers) InvitationInfo(w http.ResponseWriter, r *http.Request) {
	var req api.InvitationTokenRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.resolveInvitation(r.Context(), r, req.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, inv.response())
}

// CheckInvitationEmail handles POST /v1/workspace/{suuid}/people/invite/check-email/.
func (h *Handlers) CheckInvitationEmail(w http.ResponseWriter, r *http.Request) {
	var req api.CheckEmailRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.resolveInvitation(r.Context(), r, req.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.CheckEmailResponse{
		Email:   req.Email,
		Matches: strings.EqualFold(strings.TrimSpace(req.Email), inv.claims.Email),
	})
}

// AcceptInvitation handles POST /v1/workspace/{suuid}/people/invite/accept/.
// The invitation becomes an active membership of the calling user.
func (h *Handlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Authentication credentials were not provided", http.StatusUnauthorized)
		return
	}
	var req api.InvitationTokenRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.resolveInvitation(ctx, r, req.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if inv.membership.Invitation == nil {
		h.fail(w, r, fmt.Errorf("invitation %s already accepted: %w", inv.membership.SUUID, apperr.ErrConflict))
		return
	}
	existing, err := h.membership(ctx, inv.workspace.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if existing != nil {
		h.fail(w, r, fmt.Errorf("user is already a member of workspace %s: %w", inv.workspace.SUUID, apperr.ErrConflict))
		return
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer tx.Rollback()
	if err := h.store.AcceptInvitation(ctx, tx, inv.membership.ID, user.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		h.fail(w, r, err)
		return
	}

	inv.membership.Invitation = nil
	uid := user.ID
	inv.membership.UserID = &uid
	h.respondJson(w, http.StatusOK, inv.response())
}

// ResendInvitation handles POST /v1/workspace/{suuid}/people/invite/resend/.
// A fresh token is issued and mailed; earlier tokens stop working.
func (h *Handlers) ResendInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.ResendInvitationRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	ws, err := h.store.GetWorkspaceBySUUID(ctx, r.PathValue("suuid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.authorize(ctx, ws.ID, ws.Visibility == store.VisibilityPublic, store.RoleAdmin); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.store.GetMembershipBySUUID(ctx, ws.ID, req.Membership)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if m.Invitation == nil {
		h.fail(w, r, fmt.Errorf("invitation %s already accepted: %w", m.SUUID, apperr.ErrConflict))
		return
	}

	sentAt := h.now().UTC().Truncate(time.Second)
	token, err := h.invitations.Sign(ws.SUUID, m.SUUID, m.Invitation.Email, sentAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.TouchInvitation(ctx, m.ID, sentAt); err != nil {
		h.fail(w, r, err)
		return
	}
	err = h.publisher.Publish(ctx, dispatch.TaskSendInvitationEmail, dispatch.InvitationKwargs{
		WorkspaceSUUID:  ws.SUUID,
		MembershipSUUID: m.SUUID,
		Token:           token,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	expires := sentAt.Add(h.invitations.Validity())
	h.respondJson(w, http.StatusAccepted, api.InvitationResponse{
		Membership: m.SUUID,
		Workspace:  api.Ref{SUUID: ws.SUUID, Name: ws.Name},
		Email:      m.Invitation.Email,
		Status:     api.InvitationInvited,
		SentAt:     &sentAt,
		ExpiresAt:  &expires,
	})
}

// DeletePerson handles DELETE /v1/workspace/{suuid}/people/{membership}/.
// Pending invitations are removed; accepted memberships are soft-deleted.
func (h *Handlers) DeletePerson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ws, err := h.store.GetWorkspaceBySUUID(ctx, r.PathValue("suuid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.authorize(ctx, ws.ID, ws.Visibility == store.VisibilityPublic, store.RoleAdmin); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.store.GetMembershipBySUUID(ctx, ws.ID, r.PathValue("membership"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if m.Invitation != nil {
		err = h.store.HardDeleteInvitation(ctx, m.ID)
	} else {
		err = h.store.SoftDeleteMembership(ctx, m.ID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
