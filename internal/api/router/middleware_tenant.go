package router

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// requireTenantSlug validates the {slug} route parameter and stores it on the context.
func requireTenantSlug(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "slug")))
		if !slugPattern.MatchString(slug) {
			http.Error(w, "invalid tenant", http.StatusBadRequest)
			return
		}
		ctx := tenancy.WithTenantSlug(r.Context(), slug)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
