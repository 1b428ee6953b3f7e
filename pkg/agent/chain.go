package agent

import (
	"context"
	"sync/atomic"

	"github.com/evermemory/ema/pkg/llm"
)

// Next continues the chain: it runs the inner callbacks and, at the
// innermost layer, the backend call. It returns the backend response, or nil
// when an inner layer chose not to call the backend.
type Next func(ctx context.Context) (*llm.Response, error)

// StateCallback receives the state and the continuation. Returning a non-nil
// state replaces the agent's state on success; returning nil keeps the
// mutated state as is.
type StateCallback func(ctx context.Context, state *State, next Next) (*State, error)

type misuseKey struct{}

// misuseFlag returns the execution's double-call flag carried by ctx, or a
// detached one when the callback runs outside an Agent.
func misuseFlag(ctx context.Context) *atomic.Bool {
	if flag, ok := ctx.Value(misuseKey{}).(*atomic.Bool); ok {
		return flag
	}
	return new(atomic.Bool)
}

// Chain composes callbacks outermost first. Each layer's next runs the
// following layer; the last layer's next is the continuation Chain itself
// was given. A layer that does not call next skips every inner layer and
// the backend call.
func Chain(callbacks ...StateCallback) StateCallback {
	return func(ctx context.Context, state *State, next Next) (*State, error) {
		return chainFrom(ctx, callbacks, state, next, misuseFlag(ctx))
	}
}

func chainFrom(ctx context.Context, layers []StateCallback, state *State, core Next, misuse *atomic.Bool) (*State, error) {
	switch len(layers) {
	case 0:
		_, err := once(core, misuse)(ctx)
		return nil, err
	case 1:
		return layers[0](ctx, state, once(core, misuse))
	}

	var resp *llm.Response
	recording := func(ctx context.Context) (*llm.Response, error) {
		r, err := core(ctx)
		resp = r
		return r, err
	}
	inner := func(ctx context.Context) (*llm.Response, error) {
		next, err := chainFrom(ctx, layers[1:], state, recording, misuse)
		if err == nil && next != nil && next != state {
			*state = *next
		}
		return resp, err
	}
	return layers[0](ctx, state, once(inner, misuse))
}

// once guards a continuation so a second call reports ErrNextCalledTwice and
// flags the execution as failed.
func once(next Next, misuse *atomic.Bool) Next {
	var called atomic.Bool
	return func(ctx context.Context) (*llm.Response, error) {
		if !called.CompareAndSwap(false, true) {
			misuse.Store(true)
			return nil, ErrNextCalledTwice
		}
		return next(ctx)
	}
}
