package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultInvitationValidity is how long an invitation token is accepted.
const DefaultInvitationValidity = 168 * time.Hour

// ErrInvalidToken is returned for tokens that are malformed, expired or signed
// with another key.
var ErrInvalidToken = errors.New("invalid invitation token")

// InvitationClaims are carried by an invitation token.
type InvitationClaims struct {
	jwt.RegisteredClaims

	Workspace  string `json:"workspace"`
	Membership string `json:"membership"`
	Email      string `json:"email"`
}

// Invitations signs and verifies invitation tokens with a shared secret.
type Invitations struct {
	secret   []byte
	validity time.Duration
}

// NewInvitations creates a signer. A non-positive validity uses the default.
func NewInvitations(secret string, validity time.Duration) *Invitations {
	if validity <= 0 {
		validity = DefaultInvitationValidity
	}
	return &Invitations{secret: []byte(secret), validity: validity}
}

// Validity returns the configured token lifetime.
func (i *Invitations) Validity() time.Duration {
	return i.validity
}

// Sign issues a token for an invitation sent at sentAt.
func (i *Invitations) Sign(workspaceSUUID, membershipSUUID, email string, sentAt time.Time) (string, error) {
	claims := InvitationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   membershipSUUID,
			IssuedAt:  jwt.NewNumericDate(sentAt),
			ExpiresAt: jwt.NewNumericDate(sentAt.Add(i.validity)),
		},
		Workspace:  workspaceSUUID,
		Membership: membershipSUUID,
		Email:      email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign invitation: %w", err)
	}
	return token, nil
}

// Verify parses a token and checks its signature and expiry.
func (i *Invitations) Verify(token string) (*InvitationClaims, error) {
	claims := &InvitationClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Membership == "" || claims.Workspace == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}
	return claims, nil
}
