package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/conneroisu/wildcat/internal/config"
)

// OriginValidator decides whether a cross-origin request may read responses.
type OriginValidator interface {
	ValidateOrigin(origin string) bool
}

type allowList struct {
	origins map[string]bool
	hosts   map[string]bool
}

// NewOriginValidator accepts the configured allowed origins plus the
// server's own host on any port and scheme.
func NewOriginValidator(cfg *config.Config) OriginValidator {
	v := &allowList{
		origins: make(map[string]bool, len(cfg.Server.AllowedOrigins)),
		hosts:   map[string]bool{strings.ToLower(cfg.Server.Host): true},
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		v.origins[strings.TrimSuffix(origin, "/")] = true
	}
	return v
}

func (v *allowList) ValidateOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	if v.origins[origin] || v.origins["*"] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return v.hosts[strings.ToLower(u.Hostname())]
}

// CORS sets the cross-origin headers and answers preflight requests.
// Unknown origins get a wildcard in development and nothing otherwise.
func CORS(cfg *config.Config, origins OriginValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origins.ValidateOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			} else if cfg.Server.Environment == config.EnvDevelopment {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
