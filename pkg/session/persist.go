package session

import (
	"context"

	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/agent"
	"github.com/rs/zerolog/log"
)

// Persist appends the messages an execution added to the session key once
// the execution succeeds. Failed and cancelled executions persist nothing.
// Place it inside any middleware that drops messages, such as
// agent.TrimHistory, so it measures the history the backend sees.
func Persist(m *Manager, key string) agent.StateCallback {
	return func(ctx context.Context, state *agent.State, next agent.Next) (*agent.State, error) {
		before := len(state.Messages)
		if _, err := next(ctx); err != nil {
			return nil, err
		}
		if len(state.Messages) <= before {
			return nil, nil
		}
		added := state.Messages[before:]
		if err := m.Append(ctx, key, added...); err != nil {
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Warn().Err(err).
				Str("session_key", key).
				Msg("Failed to persist messages")
		}
		return nil, nil
	}
}
