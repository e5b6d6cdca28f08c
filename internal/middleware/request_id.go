package middleware

import (
	"log/slog"
	"net/http"

	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags the request context with the caller's
// X-Request-ID, or a fresh uuid, and echoes it back on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := logging.GetRequestIDFromCtx(ctx)
		if requestID == "" {
			requestID = r.Header.Get(RequestIDHeader)
		}

		if requestID == "" {
			ctx = logging.MakeContextWithNewRequestID(ctx)
			requestID = logging.GetRequestIDFromCtx(ctx)
		} else {
			ctx = logging.MakeContextWithRequestID(ctx, requestID)
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggerMiddleware makes logger the base logger of every request and logs
// each call at debug level.
func LoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logging.MakeContextWithLogger(r.Context(), logger)

			logging.GetLoggerFromContext(ctx).Debug("Request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("query", r.URL.RawQuery),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
