package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// Middleware rejects unauthenticated or under-privileged requests and
// stores the caller Identity in the request context.
func Middleware(authn Authenticator, next http.Handler) http.Handler {
	if authn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := authn.Authenticate(r.Context(), r)
		if err != nil {
			code := http.StatusUnauthorized
			if !errors.Is(err, ErrUnauthenticated) {
				code = http.StatusInternalServerError
			}
			writeDenied(w, r, code, "unauthenticated")
			return
		}
		if !HasAtLeast(identity.Roles, RequiredRole(r)) {
			writeDenied(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func writeDenied(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
