// Package authn is the admin/project-owner half of the service's two
// auth surfaces: JWT bearer tokens for the control-plane HTTP API,
// grounded on this codebase's existing JWT-parsing middleware. Sensor
// ingest authentication is a separate, much simpler bearer-token hash
// lookup and lives in internal/ingest.
package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"telemetry-core/internal/apperr"
)

type contextKey string

const claimsContextKey contextKey = "authn.claims"

// Claims is the admin JWT payload: a project owner's identity plus
// the set of project ids they may act on.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string   `json:"user_id"`
	ProjectIDs []string `json:"project_ids"`
}

type Authenticator struct {
	secret []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate parses and validates the Authorization: Bearer <jwt>
// header, returning the embedded claims.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, apperr.New(apperr.Unauthorized, "missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, apperr.New(apperr.Unauthorized, "authorization header must be a bearer token")
	}
	raw := strings.TrimPrefix(header, prefix)

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Wrap(apperr.Unauthorized, "invalid or expired token", err)
	}
	return claims, nil
}

// Middleware rejects unauthenticated requests and stashes Claims in
// the request context for handlers to read with FromContext.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// NewContext attaches claims to ctx, for callers (such as
// internal/server's auth middleware) that authenticate a request
// outside of Authenticator.Middleware.
func NewContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// RequireProject returns a *apperr.Error with code ScopeMismatch if
// the authenticated caller's claims do not include projectID.
func RequireProject(claims *Claims, projectID string) error {
	for _, id := range claims.ProjectIDs {
		if id == projectID {
			return nil
		}
	}
	return apperr.ScopeMismatchf("token is not authorized for project %s", projectID)
}
