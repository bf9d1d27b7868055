package auth

import (
	"errors"
	"testing"
	"time"
)

func TestInvitations_SignVerify(t *testing.T) {
	inv := NewInvitations("secret", time.Hour)

	token, err := inv.Sign("wxyz-wxyz-wxyz-wxyz", "abcd-efgh-ijkm-npqr", "anna@example.com", time.Now())
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	claims, err := inv.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Workspace != "wxyz-wxyz-wxyz-wxyz" || claims.Membership != "abcd-efgh-ijkm-npqr" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.Email != "anna@example.com" {
		t.Errorf("expected email, got %q", claims.Email)
	}
}

func TestInvitations_Expired(t *testing.T) {
	inv := NewInvitations("secret", time.Hour)

	token, err := inv.Sign("wxyz-wxyz-wxyz-wxyz", "abcd-efgh-ijkm-npqr", "anna@example.com", time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if _, err := inv.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestInvitations_WrongSecret(t *testing.T) {
	token, _ := NewInvitations("secret", 0).Sign("wxyz-wxyz-wxyz-wxyz", "abcd-efgh-ijkm-npqr", "anna@example.com", time.Now())

	if _, err := NewInvitations("other", 0).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestInvitations_Garbage(t *testing.T) {
	if _, err := NewInvitations("secret", 0).Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewInvitations_DefaultValidity(t *testing.T) {
	if got := NewInvitations("secret", 0).Validity(); got != DefaultInvitationValidity {
		t.Errorf("expected %v, got %v", DefaultInvitationValidity, got)
	}
}
