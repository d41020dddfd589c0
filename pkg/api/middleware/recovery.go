package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/contextd/contextd/pkg/api/response"
	"github.com/contextd/contextd/pkg/logger"
)

// handlerPanic carries a panic raised on another goroutine together with
// the stack where it happened.
type handlerPanic struct {
	value any
	stack []byte
}

func (p handlerPanic) String() string { return fmt.Sprint(p.value) }

// Recovery turns a handler panic into a logged 500 envelope.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Global()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(p)
				}

				stack := debug.Stack()
				if hp, ok := p.(handlerPanic); ok {
					p, stack = hp.value, hp.stack
				}
				log.ErrorContext(r.Context(), "Panic recovered",
					"error", p,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"stack", string(stack),
				)

				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = "unknown"
				}
				response.Error(w,
					http.StatusInternalServerError,
					response.ErrCodeInternalServer,
					"Internal server error",
					requestID,
				)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
