package agent

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/evermemory/ema/pkg/commandqueue"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingLayer(trace *[]string, name string) StateCallback {
	return func(ctx context.Context, state *State, next Next) (*State, error) {
		*trace = append(*trace, name+">")
		_, err := next(ctx)
		*trace = append(*trace, "<"+name)
		return nil, err
	}
}

func coreNext(trace *[]string) Next {
	return func(ctx context.Context) (*llm.Response, error) {
		*trace = append(*trace, "core")
		return &llm.Response{Content: "ok"}, nil
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	cb := Chain(recordingLayer(&trace, "a"), recordingLayer(&trace, "b"), recordingLayer(&trace, "c"))

	_, err := cb(context.Background(), &State{}, coreNext(&trace))
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "c>", "core", "<c", "<b", "<a"}, trace)
}

func TestChainLayerSkipsInner(t *testing.T) {
	var trace []string
	skip := func(ctx context.Context, state *State, next Next) (*State, error) {
		trace = append(trace, "skip")
		return nil, nil
	}
	cb := Chain(recordingLayer(&trace, "a"), skip, recordingLayer(&trace, "c"))

	_, err := cb(context.Background(), &State{}, coreNext(&trace))
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "skip", "<a"}, trace)
}

func TestChainInnerReturnedStateIsVisibleOutside(t *testing.T) {
	var seen int
	outer := func(ctx context.Context, state *State, next Next) (*State, error) {
		_, err := next(ctx)
		seen = len(state.Messages)
		return nil, err
	}
	inner := func(ctx context.Context, state *State, next Next) (*State, error) {
		if _, err := next(ctx); err != nil {
			return nil, err
		}
		return &State{Messages: []llm.Message{llm.UserMessage("a"), llm.UserMessage("b")}}, nil
	}

	_, err := Chain(outer, inner)(context.Background(), &State{}, func(ctx context.Context) (*llm.Response, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestChainSecondNextCall(t *testing.T) {
	double := func(ctx context.Context, state *State, next Next) (*State, error) {
		_, _ = next(ctx)
		_, err := next(ctx)
		return nil, err
	}
	_, err := Chain(double)(context.Background(), &State{}, func(ctx context.Context) (*llm.Response, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNextCalledTwice)
}

func TestTrimHistory(t *testing.T) {
	state := &State{Messages: []llm.Message{
		llm.UserMessage("1"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1"}}},
		{Role: llm.RoleTool, ToolCallID: "t1", Content: "result"},
		llm.UserMessage("2"),
		{Role: llm.RoleAssistant, Content: "3"},
	}}

	var sent int
	_, err := TrimHistory(3)(context.Background(), state, func(ctx context.Context) (*llm.Response, error) {
		sent = len(state.Messages)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, "2", state.Messages[0].Content)
}

func TestTrimHistoryUnderLimit(t *testing.T) {
	state := &State{Messages: []llm.Message{llm.UserMessage("1")}}
	_, err := TrimHistory(5)(context.Background(), state, func(ctx context.Context) (*llm.Response, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Len(t, state.Messages, 1)
}

type fakeLimiter struct {
	keys []string
	err  error
}

func (f *fakeLimiter) Wait(ctx context.Context, key string) error {
	f.keys = append(f.keys, key)
	return f.err
}

func TestRateLimitWaitsForKey(t *testing.T) {
	limiter := &fakeLimiter{}
	called := false
	_, err := RateLimit(limiter, "user-1")(context.Background(), &State{}, func(ctx context.Context) (*llm.Response, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []string{"user-1"}, limiter.keys)
}

func TestRateLimitErrorSkipsBackend(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("limited")}
	called := false
	_, err := RateLimit(limiter, "user-1")(context.Background(), &State{}, func(ctx context.Context) (*llm.Response, error) {
		called = true
		return nil, nil
	})
	assert.EqualError(t, err, "limited")
	assert.False(t, called)
}

func TestLoggingRecordsExecution(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	state := &State{Messages: []llm.Message{llm.UserMessage("hi")}}
	_, err := Logging(logger)(context.Background(), state, func(ctx context.Context) (*llm.Response, error) {
		state.Append(llm.Message{Role: llm.RoleAssistant, Content: "hello"})
		return &llm.Response{Content: "hello", Usage: &llm.Usage{InputTokens: 3, OutputTokens: 1}}, nil
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"message":"Agent execution"`)
	assert.Contains(t, out, `"messagesBefore":1`)
	assert.Contains(t, out, `"messagesAfter":2`)
	assert.Contains(t, out, `"inputTokens":3`)
}

func TestLoggingPassesErrorThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	boom := errors.New("boom")

	_, err := Logging(logger)(context.Background(), &State{}, func(ctx context.Context) (*llm.Response, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestMiddlewareRunsInsideAgent(t *testing.T) {
	client := &captureClient{}
	q := commandqueue.New()
	defer q.Close()
	initial := State{Messages: []llm.Message{llm.UserMessage("1"), llm.UserMessage("2"), llm.UserMessage("3")}}
	a := New(client, initial, WithQueue(q), WithLogger(zerolog.Nop()), WithMiddleware(TrimHistory(2)))
	defer a.Close()

	_, err := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
		_, err := next(ctx)
		return nil, err
	})
	require.NoError(t, err)
	require.Len(t, client.last, 2)
	assert.Equal(t, "2", client.last[0].Content)
	assert.Equal(t, "3", client.last[1].Content)
}

type captureClient struct {
	last []llm.Message
}

func (c *captureClient) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.last = append([]llm.Message(nil), req.Messages...)
	return &llm.Response{Content: "ok"}, nil
}
