package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	calls atomic.Int32
	fn    func(n int32, req Request) (*Response, error)
}

func (f *fakeProvider) Provider() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, req Request) (*Response, error) {
	return f.fn(f.calls.Add(1), req)
}

func newTestFailover(t *testing.T, providers map[string]*fakeProvider, profiles ...AuthProfile) *FailoverClient {
	t.Helper()
	c, err := NewFailoverClient(FailoverConfig{
		Profiles: profiles,
		Factory: func(p AuthProfile) (Provider, error) {
			fp, ok := providers[p.ID]
			if !ok {
				return nil, errors.New("no provider")
			}
			return fp, nil
		},
		Defaults: Defaults{Model: "test-model", MaxTokens: 128},
		Backoff:  time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestFailoverRequiresProfiles(t *testing.T) {
	_, err := NewFailoverClient(FailoverConfig{})
	assert.Error(t, err)
}

func TestFailoverAppliesDefaults(t *testing.T) {
	p := &fakeProvider{name: "openai", fn: func(_ int32, req Request) (*Response, error) {
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, 128, req.MaxTokens)
		return &Response{Content: "ok"}, nil
	}}
	c := newTestFailover(t, map[string]*fakeProvider{"a": p}, AuthProfile{ID: "a", Provider: "openai"})

	resp, err := c.Generate(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, RoleAssistant, resp.Message().Role)
}

func TestFailoverRetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{name: "openai", fn: func(n int32, _ Request) (*Response, error) {
		if n < 3 {
			return nil, errors.New("status 503 service unavailable")
		}
		return &Response{Content: "third time"}, nil
	}}
	c := newTestFailover(t, map[string]*fakeProvider{"a": p}, AuthProfile{ID: "a", Provider: "openai"})

	resp, err := c.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "third time", resp.Content)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestFailoverMovesToNextProfile(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", fn: func(int32, Request) (*Response, error) {
		return nil, errors.New("429 rate limit")
	}}
	backup := &fakeProvider{name: "openai", fn: func(int32, Request) (*Response, error) {
		return &Response{Content: "backup"}, nil
	}}
	c := newTestFailover(t,
		map[string]*fakeProvider{"primary": primary, "backup": backup},
		AuthProfile{ID: "backup", Provider: "openai", Priority: 2},
		AuthProfile{ID: "primary", Provider: "anthropic", Priority: 1},
	)

	resp, err := c.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Content)
	assert.Equal(t, int32(3), primary.calls.Load())

	profiles := c.Profiles()
	assert.Equal(t, "primary", profiles[0].ID)
	assert.Equal(t, 1, profiles[0].FailureCount)
	require.NotNil(t, profiles[0].CooldownUntil)

	// Cooling down, so the next call goes straight to the backup.
	_, err = c.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), primary.calls.Load())
}

func TestFailoverStopsOnPermanentError(t *testing.T) {
	primary := &fakeProvider{name: "openai", fn: func(int32, Request) (*Response, error) {
		return nil, errors.New("invalid api key")
	}}
	backup := &fakeProvider{name: "openai", fn: func(int32, Request) (*Response, error) {
		return &Response{Content: "unused"}, nil
	}}
	c := newTestFailover(t,
		map[string]*fakeProvider{"p": primary, "b": backup},
		AuthProfile{ID: "p", Priority: 1},
		AuthProfile{ID: "b", Priority: 2},
	)

	_, err := c.Generate(context.Background(), Request{})
	assert.EqualError(t, err, "invalid api key")
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(0), backup.calls.Load())
}

func TestFailoverAllInCooldown(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	p := &fakeProvider{name: "openai", fn: func(int32, Request) (*Response, error) { return &Response{}, nil }}
	c := newTestFailover(t, map[string]*fakeProvider{"a": p}, AuthProfile{ID: "a", CooldownUntil: &future})

	_, err := c.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoProfileAvailable)
}

func TestFailoverHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{name: "openai", fn: func(int32, Request) (*Response, error) {
		cancel()
		return nil, errors.New("502 bad gateway")
	}}
	c := newTestFailover(t, map[string]*fakeProvider{"a": p}, AuthProfile{ID: "a"})
	c.cfg.Backoff = time.Hour

	_, err := c.Generate(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Profiles()[0].FailureCount)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(errors.New("bad request")))
	assert.True(t, IsRetryableError(errors.New("read: connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("Rate limit exceeded")))
	assert.True(t, IsRetryableError(errors.New("anthropic: overloaded")))
}

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		p, err := NewProvider(AuthProfile{ID: name, Provider: name, APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, name, p.Provider())
	}
	_, err := NewProvider(AuthProfile{Provider: "other"})
	assert.Error(t, err)
}

func TestToOpenAIMessagesRejectsUnknownRole(t *testing.T) {
	_, err := toOpenAIMessages(Request{Messages: []Message{{Role: "narrator"}}})
	assert.Error(t, err)

	msgs, err := toOpenAIMessages(Request{
		SystemPrompt: "sys",
		Messages: []Message{
			UserMessage("hi"),
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "recall", Parameters: map[string]interface{}{"q": "x"}}}},
			{Role: RoleTool, ToolCallID: "1", Content: "result"},
		},
	})
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestToAnthropicMessagesSkipsSystem(t *testing.T) {
	msgs := toAnthropicMessages([]Message{
		{Role: RoleSystem, Content: "inline"},
		UserMessage("hi"),
		{Role: RoleAssistant, Content: "hello"},
	})
	assert.Len(t, msgs, 2)
}
