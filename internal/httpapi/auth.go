package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lockerhub/lockerd/internal/locker/service"
)

// identityFrom returns the verified identity attached by requireUser, or
// the zero Identity for unauthenticated requests.
func identityFrom(r *http.Request) service.Identity {
	id, _ := r.Context().Value(ctxKeyIdentity).(service.Identity)
	return id
}

// requireUser verifies the bearer token from the identity provider and
// attaches the resulting identity to the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}

		id, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin rejects callers without the admin claim.  The engine
// re-checks the claim on every admin operation; this gate keeps the
// admin routes from reaching the engine at all for ordinary users.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r).Admin {
			writeError(w, http.StatusForbidden, "forbidden", "admin capability required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireDevice authenticates embedded controllers with the shared device
// key.
func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Device-Key")
		if s.deviceKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.deviceKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid device key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
