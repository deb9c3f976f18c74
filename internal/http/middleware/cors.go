package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID"
	corsAllowedMethods = "GET, POST, PUT, DELETE, OPTIONS"
)

// CORS is an allowlist CORS middleware for the chat API and widget.
// Entries may be exact origins, "*" for any origin, or "https://*.example.com"
// to match every subdomain of a tenant site.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	exact := map[string]struct{}{}
	var suffixes []string
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch {
		case origin == "":
		case origin == "*":
			allowAny = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*.")
			suffixes = append(suffixes, scheme+"://|."+strings.ToLower(host))
		default:
			exact[strings.ToLower(origin)] = struct{}{}
		}
	}

	allowed := func(origin string) bool {
		if allowAny {
			return true
		}
		lower := strings.ToLower(origin)
		if _, ok := exact[lower]; ok {
			return true
		}
		for _, s := range suffixes {
			scheme, host, _ := strings.Cut(s, "|")
			if strings.HasPrefix(lower, scheme) && strings.HasSuffix(lower, host) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			ok := origin != "" && allowed(origin)
			if ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
				w.Header().Set("Access-Control-Max-Age", "600")
			}

			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				if !ok {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
