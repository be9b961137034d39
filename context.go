package mapreduce

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/mapreduce/script"
	"github.com/deepnoodle-ai/mapreduce/state"
)

type contextKey string

const (
	loggerContextKey   contextKey = "logger"
	stateContextKey    contextKey = "state"
	compilerContextKey contextKey = "compiler"
	attemptContextKey  contextKey = "attempt"
)

// WithLogger attaches the job logger. Custom runners read it with
// LoggerFromContext.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

func WithState(ctx context.Context, state state.Reader) context.Context {
	return context.WithValue(ctx, stateContextKey, state)
}

func WithCompiler(ctx context.Context, compiler script.Compiler) context.Context {
	return context.WithValue(ctx, compilerContextKey, compiler)
}

// Attempt identifies the work item attempt a command belongs to.
type Attempt struct {
	JobID     string
	BatchID   string
	ItemIndex int
	Attempt   int
}

// WithAttempt marks ctx as belonging to one attempt at a work item.
func WithAttempt(ctx context.Context, attempt Attempt) context.Context {
	return context.WithValue(ctx, attemptContextKey, attempt)
}

// LoggerFromContext returns the attached logger, or a discard logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return discardLogger()
}

func StateFromContext(ctx context.Context) (state.Reader, bool) {
	state, ok := ctx.Value(stateContextKey).(state.Reader)
	return state, ok
}

func CompilerFromContext(ctx context.Context) (script.Compiler, bool) {
	compiler, ok := ctx.Value(compilerContextKey).(script.Compiler)
	return compiler, ok
}

func AttemptFromContext(ctx context.Context) (Attempt, bool) {
	attempt, ok := ctx.Value(attemptContextKey).(Attempt)
	return attempt, ok
}
