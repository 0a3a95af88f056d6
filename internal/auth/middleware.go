package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/paybridge/internal/common"
)

// Middleware guards the ERP-facing API with bearer tokens minted by Service.
type Middleware struct {
	Service *Service
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token subject and roles on the request context.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Service == nil {
			common.JSONError(w, http.StatusInternalServerError, "CONFIGURATION", "authentication not configured", nil)
			return
		}
		claims, err := m.Service.ParseAccessToken(bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			common.JSONAppError(w, err)
			return
		}
		ctx := common.WithRoles(common.WithUserID(r.Context(), claims.Subject), claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole must run after RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !common.HasRole(r.Context(), role) {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "role "+role+" required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
