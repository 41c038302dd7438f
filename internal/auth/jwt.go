// Package auth resolves the bearer token of a request to an owner id.
// Tokens are issued elsewhere; this package only verifies them.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/metrics"
	"github.com/mycloud/mycloud/pkg/protocol"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// Claims holds JWT token claims. UserID falls back to the subject.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Owner returns the owner id the claims identify.
func (c *Claims) Owner() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Auth handles bearer authentication.
type Auth struct {
	secret []byte
	oidc   *OIDCProvider
}

// New creates a new Auth handler verifying HS256 tokens signed with jwtSecret.
func New(jwtSecret string) *Auth {
	return &Auth{secret: []byte(jwtSecret)}
}

// SetOIDCProvider enables OIDC ID tokens as a second accepted token kind.
func (a *Auth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// Middleware returns HTTP middleware that tries a local JWT first, then
// OIDC when configured, and stores the owner id in the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt("none", false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err == nil && claims.Owner() != "" {
			metrics.RecordAuthAttempt("jwt", true)
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), claims.Owner())))
			return
		}

		if a.oidc != nil {
			owner, oerr := a.oidc.ValidateToken(r.Context(), tokenStr)
			if oerr == nil {
				metrics.RecordAuthAttempt("oidc", true)
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
				return
			}
			logging.WithContext(r.Context()).Debug("oidc token rejected", zap.Error(oerr))
		}

		metrics.RecordAuthAttempt("jwt", false)
		sendAuthError(w, http.StatusUnauthorized, "invalid token")
	})
}

// WithOwner returns a context carrying ownerID.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerContextKey, ownerID)
}

// OwnerID extracts the authenticated owner id from ctx.
func OwnerID(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerContextKey).(string)
	return owner, ok && owner != ""
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// EventSource cannot set headers, so SSE clients pass the token as a
	// query parameter.
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Message: message,
		Status:  code,
	})
}
