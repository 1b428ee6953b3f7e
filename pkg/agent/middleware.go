package agent

import (
	"context"
	"errors"
	"time"

	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/rs/zerolog"
)

// Logging records each execution's duration, history size and outcome.
func Logging(logger zerolog.Logger) StateCallback {
	return func(ctx context.Context, state *State, next Next) (*State, error) {
		l := tracing.LoggerFromContext(ctx, logger)
		start := time.Now()
		before := len(state.Messages)

		resp, err := next(ctx)

		ev := l.Debug()
		switch {
		case errors.Is(err, ErrCancelled):
			ev = l.Info()
		case err != nil:
			ev = l.Warn().Err(err)
		}
		ev = ev.Dur("duration", time.Since(start)).
			Int("messagesBefore", before).
			Int("messagesAfter", len(state.Messages)).
			Bool("generated", resp != nil)
		if resp != nil && resp.Usage != nil {
			ev = ev.Int("inputTokens", resp.Usage.InputTokens).Int("outputTokens", resp.Usage.OutputTokens)
		}
		ev.Msg("Agent execution")

		return nil, err
	}
}

// Limiter blocks until key may proceed.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// RateLimit delays the rest of the chain until limiter admits key.
func RateLimit(limiter Limiter, key string) StateCallback {
	return func(ctx context.Context, state *State, next Next) (*State, error) {
		if err := limiter.Wait(ctx, key); err != nil {
			if cause := stopCause(ctx); cause != nil {
				return nil, cause
			}
			return nil, err
		}
		_, err := next(ctx)
		return nil, err
	}
}

// TrimHistory drops the oldest messages so at most max remain before the
// backend is called. A leading tool result is dropped with its call.
func TrimHistory(max int) StateCallback {
	return func(ctx context.Context, state *State, next Next) (*State, error) {
		if max > 0 && len(state.Messages) > max {
			msgs := state.Messages[len(state.Messages)-max:]
			for len(msgs) > 0 && msgs[0].Role == llm.RoleTool {
				msgs = msgs[1:]
			}
			state.Messages = append([]llm.Message(nil), msgs...)
		}
		_, err := next(ctx)
		return nil, err
	}
}
