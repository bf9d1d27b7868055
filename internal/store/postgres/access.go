package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"askanna/internal/apperr"
	"askanna/internal/store"

	"github.com/google/uuid"
)

// GetUserByTokenHash returns the active user that owns a non-expired token.
func (s *Store) GetUserByTokenHash(ctx context.Context, hash string) (*store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.suuid, u.email, u.name, u.is_active, u.created_at
		FROM user_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.key_hash = $1
			AND (t.expires_at IS NULL OR t.expires_at > NOW())
			AND u.is_active AND u.deleted_at IS NULL
	`, hash).Scan(&u.ID, &u.SUUID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserByID returns an active user.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, suuid, email, name, is_active, created_at
		FROM users WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&u.ID, &u.SUUID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateUserToken stores a token hash for a user.
func (s *Store) CreateUserToken(ctx context.Context, userID uuid.UUID, hash string, runID *uuid.UUID, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_tokens (user_id, key_hash, run_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, userID, hash, runID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to create token for user %s: %w", userID, err)
	}
	return nil
}

const membershipColumns = `id, suuid, workspace_id, user_id, role, name, invitation_email, invitation_sent_at, created_at, modified_at`

func scanMembership(row rowScanner) (*store.Membership, error) {
	var m store.Membership
	var role string
	var email sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(&m.ID, &m.SUUID, &m.WorkspaceID, &m.UserID, &role, &m.Name, &email, &sentAt, &m.CreatedAt, &m.ModifiedAt)
	if err != nil {
		return nil, notFound(err)
	}
	m.Role = store.RoleFromCode(role)
	if email.Valid {
		m.Invitation = &store.Invitation{Email: email.String, SentAt: sentAt.Time}
	}
	return &m, nil
}

// GetActiveMembership returns the accepted membership of a user in a workspace.
func (s *Store) GetActiveMembership(ctx context.Context, workspaceID, userID uuid.UUID) (*store.Membership, error) {
	query := "SELECT " + membershipColumns + `
		FROM memberships
		WHERE workspace_id = $1 AND user_id = $2 AND deleted_at IS NULL`
	return scanMembership(s.db.QueryRowContext(ctx, query, workspaceID, userID))
}

// GetMembershipBySUUID returns a membership or pending invitation.
func (s *Store) GetMembershipBySUUID(ctx context.Context, workspaceID uuid.UUID, suuid string) (*store.Membership, error) {
	query := "SELECT " + membershipColumns + `
		FROM memberships
		WHERE workspace_id = $1 AND suuid = $2 AND deleted_at IS NULL`
	return scanMembership(s.db.QueryRowContext(ctx, query, workspaceID, suuid))
}

// AcceptInvitation turns an invitation into an active membership. A user
// that already holds an active membership in the workspace gets a Conflict.
func (s *Store) AcceptInvitation(ctx context.Context, tx store.DBTransaction, membershipID, userID uuid.UUID) error {
	executor := s.getExecutor(tx)

	var exists bool
	err := executor.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM memberships m
			JOIN memberships inv ON inv.workspace_id = m.workspace_id
			WHERE inv.id = $1 AND m.user_id = $2 AND m.deleted_at IS NULL
		)
	`, membershipID, userID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("user already has an active membership: %w", apperr.ErrConflict)
	}

	res, err := executor.ExecContext(ctx, `
		UPDATE memberships
		SET user_id = $1, invitation_email = NULL, invitation_sent_at = NULL, modified_at = NOW()
		WHERE id = $2 AND user_id IS NULL AND deleted_at IS NULL
	`, userID, membershipID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TouchInvitation records a resend.
func (s *Store) TouchInvitation(ctx context.Context, membershipID uuid.UUID, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE memberships SET invitation_sent_at = $1, modified_at = NOW() WHERE id = $2 AND user_id IS NULL",
		sentAt, membershipID)
	return err
}

// HardDeleteInvitation removes a pending invitation.
func (s *Store) HardDeleteInvitation(ctx context.Context, membershipID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memberships WHERE id = $1 AND user_id IS NULL", membershipID)
	return err
}

// SoftDeleteMembership marks an accepted membership as deleted.
func (s *Store) SoftDeleteMembership(ctx context.Context, membershipID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE memberships SET deleted_at = NOW(), modified_at = NOW() WHERE id = $1 AND deleted_at IS NULL",
		membershipID)
	return err
}

// ListWorkspaceAdminEmails returns the emails of active workspace admins.
func (s *Store) ListWorkspaceAdminEmails(ctx context.Context, workspaceID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.email FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id = $1 AND m.role = 'WA' AND m.deleted_at IS NULL AND u.deleted_at IS NULL
		ORDER BY u.email
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}
