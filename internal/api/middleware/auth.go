package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/identity"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

type contextKey string

// UserKey is the context key for the authenticated user.
const UserKey contextKey = "user"

// Authenticator resolves bearer tokens into users for protected routes.
// The websocket endpoints are left alone — they authenticate in-protocol
// with a token query parameter.
type Authenticator struct {
	ident *identity.Service
}

// NewAuthenticator creates the bearer-token auth middleware.
func NewAuthenticator(ident *identity.Service) *Authenticator {
	return &Authenticator{ident: ident}
}

// Handler authenticates every request outside the public surface and stores
// the resolved user in the request context for handlers to pick up via
// CurrentUser.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "Not authenticated")
			return
		}

		user, err := a.ident.Resolve(r.Context(), token)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			unauthorized(w, "Could not validate credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUser(r.Context(), user)))
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// isPublicPath returns true for paths served without a bearer token.
func isPublicPath(path string) bool {
	if path == "/health" || path == "/version" || strings.HasPrefix(path, "/health/") {
		return true
	}
	if strings.HasPrefix(path, "/api/v1/auth/") {
		return true
	}
	// Websocket handshake carries its token as a query parameter.
	if strings.HasPrefix(path, "/ws/") {
		return true
	}
	return false
}

// SetUser stores the authenticated user in the context.
func SetUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// CurrentUser retrieves the authenticated user from the request context.
// Returns nil for anonymous requests.
func CurrentUser(ctx context.Context) *models.User {
	if u, ok := ctx.Value(UserKey).(*models.User); ok {
		return u
	}
	return nil
}
