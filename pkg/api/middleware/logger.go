// Package middleware provides the HTTP middleware chain of the contextd API.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/contextd/contextd/pkg/logger"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
	hijacked   bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// quietPaths are logged at debug level so probes do not flood the log.
var quietPaths = map[string]struct{}{
	"/health": {},
	"/ready":  {},
}

// Logger returns a middleware that writes one access log record per request.
// Server errors log at error level and caller errors at warn. A request that
// was upgraded to a chat socket is logged when the socket closes, with the
// session duration.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			args := []any{
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}
			if userID := routeUserID(r); userID != "" {
				args = append(args, "user_id", userID)
			}

			if wrapped.hijacked {
				log.InfoContext(r.Context(), "Chat socket closed", append(args, "status", http.StatusSwitchingProtocols)...)
				return
			}

			args = append(args,
				"status", wrapped.statusCode,
				"size", wrapped.size,
				"user_agent", r.UserAgent(),
			)
			accessLog(r.Context(), log, r.URL.Path, wrapped.statusCode)("HTTP request", args...)
		})
	}
}

func accessLog(ctx context.Context, log logger.Logger, path string, status int) func(string, ...any) {
	switch {
	case status >= http.StatusInternalServerError:
		return func(msg string, args ...any) { log.ErrorContext(ctx, msg, args...) }
	case status >= http.StatusBadRequest:
		return func(msg string, args ...any) { log.WarnContext(ctx, msg, args...) }
	}
	if _, quiet := quietPaths[path]; quiet {
		return func(msg string, args ...any) { log.DebugContext(ctx, msg, args...) }
	}
	return func(msg string, args ...any) { log.InfoContext(ctx, msg, args...) }
}
