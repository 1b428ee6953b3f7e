package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evermemory/ema/internal/config"
	"github.com/evermemory/ema/pkg/agent"
	"github.com/evermemory/ema/pkg/commandqueue"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/evermemory/ema/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, client llm.Client) *scheduler.Scheduler {
	t.Helper()
	q := commandqueue.New()
	nop := zerolog.Nop()
	s := scheduler.New(scheduler.Options{MaxConcurrency: 2, Client: client, Queue: q, Logger: &nop})
	t.Cleanup(func() {
		s.Close(context.Background())
		q.Close()
	})
	return s
}

func okClient() llm.Client {
	return llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "ok"}, nil
	})
}

func every(ms int64) Schedule {
	return Schedule{Kind: ScheduleKindEvery, EveryMs: ms}
}

func TestNewTaskValidates(t *testing.T) {
	noop := func(ctx context.Context, s *agent.State, next agent.Next) (*agent.State, error) { return nil, nil }

	_, err := NewTask("bad", Schedule{Kind: ScheduleKindCron, Expr: "nope"}, noop)
	assert.ErrorContains(t, err, "task bad")

	_, err = NewTask("nil", every(10), nil)
	assert.ErrorContains(t, err, "callback is required")

	task, err := NewTask("ok", every(10), noop)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindRecurring, task.Kind())
	assert.Nil(t, task.Agent())
}

func TestTaskFiresUntilMaxRuns(t *testing.T) {
	s := newTestScheduler(t, okClient())
	a := s.NewAgent(agent.State{})

	task, err := NewTask("ticker", every(5), PromptCallback("", "tick"),
		WithAgent(a), WithMaxRuns(3), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	h, err := s.Schedule(task)
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	st := task.State()
	assert.Equal(t, 3, st.Runs)
	assert.Equal(t, "ok", st.LastStatus)
	assert.Len(t, a.State().Messages, 6)
}

func TestTaskStopsOnCancel(t *testing.T) {
	s := newTestScheduler(t, okClient())

	var fired atomic.Int32
	task, err := NewTask("forever", every(5), func(ctx context.Context, state *agent.State, next agent.Next) (*agent.State, error) {
		fired.Add(1)
		return nil, nil
	}, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	h, err := s.Schedule(task)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fired.Load() >= 2 }, time.Second, time.Millisecond)

	h.Cancel()
	assert.NoError(t, h.Wait())
	stopped := fired.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, fired.Load())
}

func TestTaskContinuesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return &llm.Response{Content: "ok"}, nil
	})
	s := newTestScheduler(t, client)

	task, err := NewTask("flaky", every(5), PromptCallback("", "tick"), WithMaxRuns(2), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	h, err := s.Schedule(task)
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	st := task.State()
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, "ok", st.LastStatus)
	assert.Equal(t, 0, st.ConsecutiveErrors)
	assert.Empty(t, st.LastError)
}

func TestAtFiresOnce(t *testing.T) {
	s := newTestScheduler(t, okClient())

	var fired atomic.Int32
	at := time.Now().Add(10 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	task, err := NewTask("once", Schedule{Kind: ScheduleKindAt, At: at}, func(ctx context.Context, state *agent.State, next agent.Next) (*agent.State, error) {
		fired.Add(1)
		return nil, nil
	}, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	h, err := s.Schedule(task)
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	assert.Equal(t, int32(1), fired.Load())
}

func TestFromJob(t *testing.T) {
	var got llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		got = req
		return &llm.Response{Content: "summary"}, nil
	})
	s := newTestScheduler(t, client)

	task, err := FromJob(config.JobConfig{
		Name:         "digest",
		Kind:         "every",
		EveryMs:      5,
		Prompt:       "summarize today",
		SystemPrompt: "you are terse",
	}, WithMaxRuns(1), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, "digest", task.Name())

	h, err := s.Schedule(task)
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	assert.Equal(t, "you are terse", got.SystemPrompt)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "summarize today", got.Messages[0].Content)
}
