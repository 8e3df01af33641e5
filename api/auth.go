/*
auth.go - Bearer token authentication and principal resolution

TOKENS:
  HS256 JWTs carrying the principal id ("userId", or "id" for tokens minted
  by older clients) and a role hint. The role claim is never trusted: the
  principal is loaded from storage on every request, so role and managerId
  always come from the registry.

MIDDLEWARE:
  Authenticate:   401 unless the token is valid and the principal exists
  RequireManager: 403 unless the resolved principal is a manager
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/logger"
)

const tokenIssuer = "leave-engine"

// Claims is the JWT payload.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	ID     string `json:"id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// PrincipalID returns the subject, preferring userId.
func (c *Claims) PrincipalID() string {
	if c.UserID != "" {
		return c.UserID
	}
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

// Authenticator issues and verifies principal tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for p.
func (a *Authenticator) Issue(p leave.Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: p.ID,
		Role:   string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a signed token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.PrincipalID() == "" {
		return nil, errors.New("token has no principal id")
	}
	return claims, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type principalKey struct{}

func withPrincipal(ctx context.Context, p leave.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated principal stored by Authenticate.
func PrincipalFrom(ctx context.Context) (leave.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(leave.Principal)
	return p, ok
}

// Authenticate resolves the bearer token to a registered principal.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := h.Auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		p, err := h.Leave.GetPrincipal(r.Context(), claims.PrincipalID())
		if err != nil {
			if leave.IsNotFound(err) {
				writeError(w, http.StatusUnauthorized, "Unknown principal", nil)
				return
			}
			h.writeDomainError(w, r, err)
			return
		}

		ctx := withPrincipal(r.Context(), p)
		ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithField("principal_id", p.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireManager rejects principals that are not managers.
func (h *Handler) RequireManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.IsManager() {
			writeError(w, http.StatusForbidden, "Manager role required", leave.ErrNotAuthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
