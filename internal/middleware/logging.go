package middleware

import (
	"net/http"
	"path"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/logging"
)

// SkipFunc reports whether a finished request should not be logged.
type SkipFunc func(r *http.Request, status int) bool

// SkipFor returns the skip rule for a log.requests selection. publicDir is
// the output directory matched by the "public" selection. An empty
// selection logs everything when the logger is at debug level and only
// failures otherwise.
func SkipFor(selection, publicDir string, logger logging.Logger) SkipFunc {
	switch selection {
	case config.RequestsAll:
		return func(*http.Request, int) bool { return false }
	case config.RequestsCreated:
		return func(_ *http.Request, status int) bool {
			return status != http.StatusCreated && status < http.StatusBadRequest
		}
	case config.RequestsPublic:
		prefix := "/" + strings.Trim(path.Clean("/"+publicDir), "/")
		return func(r *http.Request, status int) bool {
			return !strings.HasPrefix(r.URL.Path, prefix) || status >= http.StatusBadRequest
		}
	case config.RequestsErrors:
		return func(_ *http.Request, status int) bool { return status < http.StatusBadRequest }
	default:
		return func(_ *http.Request, status int) bool {
			return status < http.StatusBadRequest && !logger.Enabled(logging.LevelDebug)
		}
	}
}

// RequestLog logs one line per request that skip lets through. A nil skip
// logs every request.
func RequestLog(logger logging.Logger, skip SkipFunc) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if skip != nil && skip(r, status) {
				return
			}

			fields := []interface{}{
				"id", chimw.GetReqID(r.Context()),
				"status", status,
				"method", r.Method,
				"url", r.URL.RequestURI(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			}
			if status >= http.StatusBadRequest {
				logger.Info(r.Context(), "Request failed", fields...)
				return
			}
			logger.Info(r.Context(), "Request", fields...)
		})
	}
}
