// Package authmw provides HTTP middleware that turns a bearer JWT into the
// caller identity the dispatch engine operates on behalf of. Token issuance
// lives in the auth service; this package only verifies and extracts.
package authmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

type callerKey struct{}

// Claims is the token payload courier expects: subject is the identity ID,
// role one of sender/recipient/admin.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verify returns middleware that validates the Authorization header contains
// a Bearer JWT signed with the shared secret (HS256 only) and stashes the
// resulting caller in the request context.
func Verify(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			var claims Claims
			_, err := jwt.ParseWithClaims(auth[len("Bearer "):], &claims,
				func(*jwt.Token) (any, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			caller := dispatch.Caller{
				ID:   claims.Subject,
				Role: dispatch.Role(claims.Role),
			}
			if caller.ID == "" || !validRole(caller.Role) {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequireRole returns middleware rejecting callers whose role differs from
// the required one. It must sit inside Verify.
func RequireRole(role dispatch.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := CallerFromContext(r.Context())
			if !ok || c.Role != role {
				http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithCaller returns a context carrying the caller identity.
func WithCaller(ctx context.Context, c dispatch.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext extracts the caller stored by Verify, if any.
func CallerFromContext(ctx context.Context) (dispatch.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(dispatch.Caller)
	return c, ok
}

func validRole(r dispatch.Role) bool {
	switch r {
	case dispatch.RoleSender, dispatch.RoleRecipient, dispatch.RoleAdmin:
		return true
	}
	return false
}
