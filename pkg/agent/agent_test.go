package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evermemory/ema/pkg/commandqueue"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoClient replies with the last message's content prefixed by "re: ".
type echoClient struct {
	calls atomic.Int32
}

func (c *echoClient) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.calls.Add(1)
	last := ""
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	return &llm.Response{Content: "re: " + last}, nil
}

// blockingClient holds every call until its context ends or release is closed.
type blockingClient struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingClient() *blockingClient {
	return &blockingClient{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (c *blockingClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.release:
		return &llm.Response{Content: fmt.Sprintf("done after %d", len(req.Messages))}, nil
	}
}

func newTestAgent(t *testing.T, client llm.Client, opts ...Option) *Agent {
	t.Helper()
	q := commandqueue.New()
	t.Cleanup(func() { q.Close() })
	opts = append([]Option{WithQueue(q), WithLogger(zerolog.Nop())}, opts...)
	return New(client, State{SystemPrompt: "sys"}, opts...)
}

func TestRunWithMessage(t *testing.T) {
	client := &echoClient{}
	a := newTestAgent(t, client)

	out, err := a.RunWithMessage(context.Background(), llm.UserMessage("hello"))
	require.NoError(t, err)

	assert.True(t, out.InvokedCore)
	require.NotNil(t, out.Response)
	assert.Equal(t, "re: hello", out.Response.Content)
	require.Len(t, out.State.Messages, 2)
	assert.Equal(t, llm.RoleUser, out.State.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, out.State.Messages[1].Role)
	assert.Equal(t, out.State, a.State())
	assert.False(t, a.IsRunning())
}

func TestRunWithoutNextCommitsMutation(t *testing.T) {
	client := &echoClient{}
	a := newTestAgent(t, client)

	out, err := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
		state.Append(llm.UserMessage("batched for later"))
		return nil, nil
	})
	require.NoError(t, err)

	assert.False(t, out.InvokedCore)
	assert.Nil(t, out.Response)
	assert.Equal(t, int32(0), client.calls.Load())
	assert.Len(t, a.State().Messages, 1)
}

func TestReturnedStateReplaces(t *testing.T) {
	a := newTestAgent(t, &echoClient{})

	_, err := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
		return &State{SystemPrompt: "new prompt"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new prompt", a.State().SystemPrompt)
}

func TestExecuteReplacesState(t *testing.T) {
	a := newTestAgent(t, &echoClient{})

	out, err := a.Execute(context.Background(), State{
		SystemPrompt: "other",
		Messages:     []llm.Message{llm.UserMessage("from scratch")},
	})
	require.NoError(t, err)
	assert.Equal(t, "other", out.State.SystemPrompt)
	require.Len(t, out.State.Messages, 2)
	assert.Equal(t, "re: from scratch", out.State.Messages[1].Content)
}

func TestNextCalledTwice(t *testing.T) {
	t.Run("error returned", func(t *testing.T) {
		client := &echoClient{}
		a := newTestAgent(t, client)

		_, err := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
			if _, err := next(ctx); err != nil {
				return nil, err
			}
			_, err := next(ctx)
			return nil, err
		})
		assert.ErrorIs(t, err, ErrNextCalledTwice)
		assert.Equal(t, int32(1), client.calls.Load())
		assert.False(t, a.IsRunning())
	})

	t.Run("error swallowed", func(t *testing.T) {
		a := newTestAgent(t, &echoClient{})

		_, err := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
			next(ctx)
			next(ctx)
			return state, nil
		})
		assert.ErrorIs(t, err, ErrNextCalledTwice)

		// The agent is usable afterwards.
		_, err = a.RunWithMessage(context.Background(), llm.UserMessage("again"))
		assert.NoError(t, err)
	})
}

func TestBackendError(t *testing.T) {
	boom := errors.New("provider down")
	a := newTestAgent(t, llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, boom
	}))

	_, err := a.RunWithMessage(context.Background(), llm.UserMessage("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsBackendError(err))
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.False(t, a.IsRunning())
	// The appended message is not rolled back.
	assert.Len(t, a.State().Messages, 1)
}

func TestCallbackPanic(t *testing.T) {
	a := newTestAgent(t, &echoClient{})

	_, err := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
		panic("bad callback")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad callback")
	assert.False(t, a.IsRunning())
}

func TestExecutionsAreSerialized(t *testing.T) {
	client := newBlockingClient()
	a := newTestAgent(t, client)

	first := make(chan error, 1)
	go func() {
		_, err := a.RunWithMessage(context.Background(), llm.UserMessage("one"))
		first <- err
	}()
	<-client.started
	assert.True(t, a.IsRunning())

	var secondStarted atomic.Bool
	second := make(chan Outcome, 1)
	go func() {
		out, _ := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
			secondStarted.Store(true)
			state.Append(llm.UserMessage("two"))
			return nil, nil
		})
		second <- out
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, secondStarted.Load(), "second execution must wait for the first")

	close(client.release)
	require.NoError(t, <-first)
	out := <-second
	assert.True(t, secondStarted.Load())
	// The second execution saw the first one's committed state.
	require.Len(t, out.State.Messages, 3)
	assert.Equal(t, "two", out.State.Messages[2].Content)
}

func TestFIFOOrder(t *testing.T) {
	client := newBlockingClient()
	a := newTestAgent(t, client)

	go a.RunWithMessage(context.Background(), llm.UserMessage("block"))
	<-client.started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		// Submit strictly one after another.
		require.Eventually(t, func() bool { return a.queue.QueueSize(a.lane) == i+1 }, time.Second, time.Millisecond)
	}

	close(client.release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestStop(t *testing.T) {
	t.Run("cancels in-flight and keeps mutations", func(t *testing.T) {
		client := newBlockingClient()
		a := newTestAgent(t, client)

		first := make(chan error, 1)
		var stopped Outcome
		go func() {
			var err error
			stopped, err = a.RunWithMessage(context.Background(), llm.UserMessage("interrupted"))
			first <- err
		}()
		<-client.started

		queued := make(chan Outcome, 1)
		go func() {
			out, _ := a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) {
				return nil, nil
			})
			queued <- out
		}()
		require.Eventually(t, func() bool { return a.queue.QueueSize(a.lane) == 1 }, time.Second, time.Millisecond)

		a.Stop()
		err := <-first
		assert.ErrorIs(t, err, ErrCancelled)
		assert.False(t, IsBackendError(err))
		assert.Empty(t, stopped.State.Messages)

		// The queued execution still runs, on the state left by the cancellation.
		out := <-queued
		require.Len(t, out.State.Messages, 1)
		assert.Equal(t, "interrupted", out.State.Messages[0].Content)
	})

	t.Run("idle stop is a no-op", func(t *testing.T) {
		a := newTestAgent(t, &echoClient{})
		before := a.State()
		a.Stop()
		assert.Equal(t, before, a.State())
		assert.False(t, a.IsRunning())

		_, err := a.RunWithMessage(context.Background(), llm.UserMessage("still works"))
		assert.NoError(t, err)
	})
}

func TestIdleChannel(t *testing.T) {
	client := newBlockingClient()
	a := newTestAgent(t, client)

	select {
	case <-a.Idle():
	default:
		t.Fatal("idle agent must report idle immediately")
	}

	go a.RunWithMessage(context.Background(), llm.UserMessage("x"))
	<-client.started

	idle := a.Idle()
	select {
	case <-idle:
		t.Fatal("running agent reported idle")
	default:
	}

	close(client.release)
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle channel not closed after completion")
	}
}

func TestCallerCancelWhileQueued(t *testing.T) {
	client := newBlockingClient()
	a := newTestAgent(t, client)

	go a.RunWithMessage(context.Background(), llm.UserMessage("block"))
	<-client.started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := a.Run(ctx, func(ctx context.Context, state *State, next Next) (*State, error) {
			ran.Store(true)
			return nil, nil
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return a.queue.QueueSize(a.lane) == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(client.release)
	<-a.Idle()
	assert.False(t, ran.Load())
}

type countingGate struct {
	reserved  atomic.Int32
	acquired  atomic.Int32
	released  atomic.Int32
	cancelled atomic.Int32
}

func (g *countingGate) Reserve(string) Ticket { g.reserved.Add(1); return countingTicket{g} }

type countingTicket struct{ g *countingGate }

func (t countingTicket) Acquire(ctx context.Context) error {
	t.g.acquired.Add(1)
	return ctx.Err()
}

func (t countingTicket) Release() { t.g.released.Add(1) }
func (t countingTicket) Cancel() { t.g.cancelled.Add(1) }

func TestGateHeldPerExecution(t *testing.T) {
	gate := &countingGate{}
	a := newTestAgent(t, llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("fails")
	}), WithGate(gate))
	assert.True(t, a.HasGate())

	a.RunWithMessage(context.Background(), llm.UserMessage("a"))
	a.Run(context.Background(), func(ctx context.Context, state *State, next Next) (*State, error) { return nil, nil })

	assert.Equal(t, int32(2), gate.reserved.Load())
	assert.Equal(t, int32(2), gate.acquired.Load())
	assert.Equal(t, int32(2), gate.released.Load())
}

func TestTicketCancelledWhenDroppedFromQueue(t *testing.T) {
	client := newBlockingClient()
	gate := &countingGate{}
	a := newTestAgent(t, client, WithGate(gate))

	go a.RunWithMessage(context.Background(), llm.UserMessage("first"))
	<-client.started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.RunWithMessage(ctx, llm.UserMessage("second"))
		done <- err
	}()
	require.Eventually(t, func() bool { return gate.reserved.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(client.release)
	<-a.Idle()
	assert.Equal(t, int32(1), gate.acquired.Load())
	assert.GreaterOrEqual(t, gate.cancelled.Load(), int32(1))
}

func TestClose(t *testing.T) {
	a := newTestAgent(t, &echoClient{})
	a.Close()

	_, err := a.RunWithMessage(context.Background(), llm.UserMessage("late"))
	assert.ErrorIs(t, err, ErrClosed)
	a.Close()
}

func TestSubmit(t *testing.T) {
	a := newTestAgent(t, &echoClient{})
	msg := llm.UserMessage("via submit")

	out, err := a.Submit(context.Background(), ScheduleRequest{Message: &msg})
	require.NoError(t, err)
	assert.True(t, out.InvokedCore)

	out, err = a.Submit(context.Background(), ScheduleRequest{Callback: func(ctx context.Context, s *State, next Next) (*State, error) {
		return nil, nil
	}})
	require.NoError(t, err)
	assert.False(t, out.InvokedCore)

	_, err = a.Submit(context.Background(), ScheduleRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStateClone(t *testing.T) {
	s := State{Messages: []llm.Message{{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1"}}}}}
	c := s.Clone()
	c.Messages[0].ToolCalls[0].ID = "2"
	c.Messages = append(c.Messages, llm.UserMessage("x"))

	assert.Equal(t, "1", s.Messages[0].ToolCalls[0].ID)
	assert.Len(t, s.Messages, 1)

	last, ok := c.Last()
	assert.True(t, ok)
	assert.Equal(t, "x", last.Content)
	_, ok = (&State{}).Last()
	assert.False(t, ok)
}
