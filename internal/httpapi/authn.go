package httpapi

import (
	"net/http"
	"strings"

	"careunits.org/internal/auth"
)

// publicPath reports whether a path may be served without a bearer token.
func publicPath(p string) bool {
	switch p {
	case "/healthz", "/readyz", "/metrics", "/v1/info", "/v1/auth/token", "/":
		return true
	}
	return false
}

// withAuth validates the bearer token and attaches the caller's principal
// to the request context. Unauthenticated requests to protected paths
// receive 401.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		p := auth.NewPrincipal(claims.Subject, claims.OrganizationID, claims.Roles)
		ctx := auth.ContextWithPrincipal(r.Context(), p)
		ctx = auth.ContextWithUser(ctx, claims.Subject, claims.OrganizationID, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func principalFrom(r *http.Request) (auth.Principal, bool) {
	return auth.PrincipalFromContext(r.Context())
}
