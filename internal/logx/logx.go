package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/schema"
)

type contextKey int

const (
	attemptKey contextKey = iota
	processKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithAttempt annotates the logger with the attempt id if present.
func WithAttempt(ctx context.Context, attemptID schema.AttemptID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if attemptID != "" {
		if current, ok := ctx.Value(attemptKey).(schema.AttemptID); ok && current == attemptID {
			return log
		}
		log = log.With("attempt", attemptID)
	}
	return log
}

// WithAttemptProcess annotates the logger with attempt and process identifiers.
func WithAttemptProcess(ctx context.Context, attemptID schema.AttemptID, processID schema.ProcessID) pslog.Logger {
	log := WithAttempt(ctx, attemptID)
	if processID != "" {
		if current, ok := ctx.Value(processKey).(schema.ProcessID); ok && current == processID {
			return log
		}
		log = log.With("process", processID)
	}
	return log
}

// WithStream annotates the logger with the stream name when available.
func WithStream(log pslog.Logger, stream string) pslog.Logger {
	if stream != "" {
		log = log.With("stream", stream)
	}
	return log
}

// ContextWithAttempt stores the attempt marker on the context for log de-duplication.
func ContextWithAttempt(ctx context.Context, attemptID schema.AttemptID) context.Context {
	if ctx == nil || attemptID == "" {
		return ctx
	}
	return context.WithValue(ctx, attemptKey, attemptID)
}

// ContextWithProcess stores the process marker on the context for log de-duplication.
func ContextWithProcess(ctx context.Context, processID schema.ProcessID) context.Context {
	if ctx == nil || processID == "" {
		return ctx
	}
	return context.WithValue(ctx, processKey, processID)
}

// ContextWithAttemptLogger attaches the logger and attempt marker to the context.
func ContextWithAttemptLogger(ctx context.Context, log pslog.Logger, attemptID schema.AttemptID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithAttempt(ctx, attemptID)
}

// ContextWithProcessLogger attaches the logger and attempt/process markers to the context.
func ContextWithProcessLogger(ctx context.Context, log pslog.Logger, attemptID schema.AttemptID, processID schema.ProcessID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithProcess(ContextWithAttempt(ctx, attemptID), processID)
}
