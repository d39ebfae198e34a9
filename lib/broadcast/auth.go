// Package broadcast implements the C8 notification broadcaster: JWT-gated
// WebSocket upgrade, role-based channel subscriptions, and fan-out from
// upstream topics to subscribed connections. Its connection bookkeeping
// generalizes the teacher's single-purpose alarm dispatch
// (lib/cyclone/cyclone.go's per-alarm goroutine POST) into a long-lived,
// many-subscriber broadcast hub.
package broadcast

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Role is a client's authorization level, carried in its bearer token.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Claims is the decoded identity a connection authenticates with.
type Claims struct {
	UserID  string `json:"userId"`
	Role    Role   `json:"role"`
	Region  string `json:"region,omitempty"`
	MeterID string `json:"meterId,omitempty"`
	jwt.RegisteredClaims
}

// ErrInvalidToken is returned for any token verification failure; callers
// respond with close code 4001 per spec §4.8.
var ErrInvalidToken = errors.New("broadcast: invalid token")

// TokenVerifier validates a bearer token and extracts its Claims.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier for HS256 tokens signed with secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates tokenStr, returning its Claims.
func (v *TokenVerifier) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch claims.Role {
	case RoleUser, RoleOperator, RoleAdmin:
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}
