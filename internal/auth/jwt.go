// Package auth provides a JWT-backed Hub authenticator: it issues tokens
// identifying an Agent or Computer peer and validates the bearer token
// presented on a websocket upgrade before the Hub accepts the connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

var (
	ErrAuthDisabled = errors.New("auth: no secret configured")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the peer identity carried inside a validated token.
type Identity struct {
	Name string
	Role protocol.Role
}

// Claims is the JWT claim set issued for a Hub peer.
type Claims struct {
	Name string        `json:"name,omitempty"`
	Role protocol.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies peer identity tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWTService. If secret is empty, Generate and
// Validate both report ErrAuthDisabled — the zero-config, accept-all path
// the Hub falls back to when no secret is configured.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Generate issues a signed token asserting name's role.
func (s *JWTService) Generate(name string, role protocol.Role) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(name) == "" {
		return "", errors.New("auth: name required")
	}

	claims := Claims{
		Name: strings.TrimSpace(name),
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  name,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a token, returning the peer identity.
func (s *JWTService) Validate(token string) (*Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Name) == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{Name: claims.Name, Role: claims.Role}, nil
}

// HubAuthenticator builds the (environ, auth, headers) -> bool gate the
// Hub calls on every websocket upgrade. A nil or disabled svc accepts
// every connection, matching the Hub's own nil-authenticator default.
func HubAuthenticator(svc *JWTService) func(environ map[string]string, auth map[string]string, headers http.Header) bool {
	return func(environ map[string]string, auth map[string]string, headers http.Header) bool {
		if svc == nil || len(svc.secret) == 0 {
			return true
		}

		token := bearerToken(auth, headers)
		if token == "" {
			return false
		}
		_, err := svc.Validate(token)
		return err == nil
	}
}

func bearerToken(auth map[string]string, headers http.Header) string {
	if t, ok := auth["token"]; ok && t != "" {
		return t
	}
	hdr := headers.Get("Authorization")
	if strings.HasPrefix(hdr, "Bearer ") {
		return strings.TrimPrefix(hdr, "Bearer ")
	}
	return ""
}
