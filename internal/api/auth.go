package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RolePatient = "patient"
	RoleClinic  = "clinic"
)

// Actor is the authenticated caller. For clinic accounts the actor ID is the
// clinic ID; the queue engine trusts the identity as given.
type Actor struct {
	ID   uuid.UUID
	Role string
	Name string
}

type actorKeyType struct{}

var actorKey actorKeyType

// Claims is the bearer-token payload issued by the identity provider.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies the HS256 bearer token and puts the Actor on the
// request context.
func Authenticator(secret string) func(http.Handler) http.Handler {
	keyFunc := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				writeError(w, http.StatusUnauthorized, "missing_token", "Authorization bearer token required")
				return
			}

			var claims Claims
			token, err := jwt.ParseWithClaims(raw, &claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid_token", "bearer token is invalid or expired")
				return
			}

			id, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token", "token subject must be a UUID")
				return
			}
			if claims.Role != RolePatient && claims.Role != RoleClinic {
				writeError(w, http.StatusUnauthorized, "invalid_token", "unknown role")
				return
			}

			actor := Actor{ID: id, Role: claims.Role, Name: claims.Name}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
		})
	}
}

// RequireRole gates a route subtree to one role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing_token", "authentication required")
				return
			}
			if actor.Role != role {
				writeError(w, http.StatusForbidden, "forbidden", "insufficient role for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}
