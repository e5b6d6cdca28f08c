package logging

import (
	"context"
	"log/slog"
)

type ctxLoggerKey struct {
	Key string
}

var (
	cKey   = ctxLoggerKey{Key: "logger"}
	reqKey = ctxLoggerKey{Key: "request_id"}
	pidKey = ctxLoggerKey{Key: "pid"}
)

func GetLoggerFromContext(ctx context.Context) *slog.Logger {
	var l *slog.Logger

	logger := ctx.Value(cKey)
	if logger != nil {
		l = logger.(*slog.Logger)
	} else {
		l = slog.Default()
	}

	// Always attach request ID from context if available
	requestID := GetRequestIDFromCtx(ctx)
	if requestID != "" {
		l = l.With(slog.String("request_id", requestID))
	}

	if pid, ok := GetPIDFromCtx(ctx); ok {
		l = l.With(slog.Int64("pid", pid))
	}

	return l
}

// Returns logger from context and attaches operation name
func GetLoggerFromContextWithOp(ctx context.Context, op string) *slog.Logger {
	l := GetLoggerFromContext(ctx)

	// Attach operation
	l = l.With(slog.String("op", op))

	return l
}

func MakeContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	ctx = context.WithValue(ctx, cKey, logger)
	return ctx
}

// MakeContextWithPID tags every log line produced under ctx with the calling
// process id.
func MakeContextWithPID(ctx context.Context, pid int64) context.Context {
	return context.WithValue(ctx, pidKey, pid)
}

func GetPIDFromCtx(ctx context.Context) (int64, bool) {
	pid, ok := ctx.Value(pidKey).(int64)
	return pid, ok
}
