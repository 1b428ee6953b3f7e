package tracing

import (
	"context"

	"github.com/google/uuid"
)

type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies one agent execution.
	RunIDKey   ContextKey = "run_id"
	AgentIDKey ContextKey = "agent_id"
	// ActorKeyKey identifies the (user, actor) pair an execution serves.
	ActorKeyKey ContextKey = "actor_key"
	TaskKey     ContextKey = "task"
)

// TraceContext holds the identifiers carried through a request or task.
type TraceContext struct {
	TraceID  string
	RunID    string
	AgentID  string
	ActorKey string
	Task     string
}

func NewTraceID() string {
	return uuid.New().String()
}

func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

func WithActorKey(ctx context.Context, actorKey string) context.Context {
	return context.WithValue(ctx, ActorKeyKey, actorKey)
}

func WithTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, TaskKey, task)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string  { return value(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string    { return value(ctx, RunIDKey) }
func GetAgentID(ctx context.Context) string  { return value(ctx, AgentIDKey) }
func GetActorKey(ctx context.Context) string { return value(ctx, ActorKeyKey) }
func GetTask(ctx context.Context) string     { return value(ctx, TaskKey) }

// FromContext extracts all tracing identifiers from ctx.
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:  GetTraceID(ctx),
		RunID:    GetRunID(ctx),
		AgentID:  GetAgentID(ctx),
		ActorKey: GetActorKey(ctx),
		Task:     GetTask(ctx),
	}
}

// NewContext copies the non-empty identifiers of tc onto ctx.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.ActorKey != "" {
		ctx = WithActorKey(ctx, tc.ActorKey)
	}
	if tc.Task != "" {
		ctx = WithTask(ctx, tc.Task)
	}
	return ctx
}

// NewRequestContext starts a fresh trace for an inbound request.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewExecutionContext tags ctx with a new run ID for one agent execution,
// starting a trace if none is present.
func NewExecutionContext(ctx context.Context, agentID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	return WithAgentID(ctx, agentID)
}
