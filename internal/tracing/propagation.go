package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// Detach returns a background context carrying ctx's identifiers but not its
// deadline or cancellation. Used when work outlives the request that caused it,
// such as actor inputs processed after the HTTP handler has returned.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// LoggerFromContext adds the tracing identifiers of ctx to base.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.RunID == "" && tc.AgentID == "" && tc.ActorKey == "" && tc.Task == "" {
		return base
	}

	lc := base.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.ActorKey != "" {
		lc = lc.Str("actor_key", tc.ActorKey)
	}
	if tc.Task != "" {
		lc = lc.Str("task", tc.Task)
	}
	return lc.Logger()
}
