package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evermemory/ema/internal/config"
	"github.com/evermemory/ema/pkg/agent"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/evermemory/ema/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TaskState tracks the runtime history of a recurring task.
type TaskState struct {
	NextRunAt         time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt         time.Time     `json:"lastRunAt,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutiveErrors,omitempty"`
}

// Task drives an agent with a callback on every tick of its schedule. It
// implements scheduler.Task with kind recurring.
type Task struct {
	name     string
	schedule Schedule
	agent    *agent.Agent
	callback agent.StateCallback
	maxRuns  int
	logger   zerolog.Logger

	mu    sync.Mutex
	state TaskState
}

type TaskOption func(*Task)

// WithAgent binds the task to a; otherwise the scheduler supplies one.
func WithAgent(a *agent.Agent) TaskOption {
	return func(t *Task) { t.agent = a }
}

// WithMaxRuns stops the task after n firings. Zero means unlimited.
func WithMaxRuns(n int) TaskOption {
	return func(t *Task) { t.maxRuns = n }
}

func WithLogger(logger zerolog.Logger) TaskOption {
	return func(t *Task) { t.logger = logger }
}

func NewTask(name string, schedule Schedule, cb agent.StateCallback, opts ...TaskOption) (*Task, error) {
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", name, err)
	}
	if cb == nil {
		return nil, fmt.Errorf("task %s: callback is required", name)
	}
	t := &Task{
		name:     name,
		schedule: schedule,
		callback: cb,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("task", name).Logger()
	return t, nil
}

// FromJob builds a task that sends job.Prompt as a user message on every tick.
func FromJob(job config.JobConfig, opts ...TaskOption) (*Task, error) {
	schedule := Schedule{
		Kind:    ScheduleKind(job.Kind),
		At:      job.At,
		EveryMs: job.EveryMs,
		Expr:    job.Expr,
		TZ:      job.TZ,
	}
	return NewTask(job.Name, schedule, PromptCallback(job.SystemPrompt, job.Prompt), opts...)
}

// PromptCallback appends prompt and calls the backend. A non-empty
// systemPrompt replaces the state's system prompt first.
func PromptCallback(systemPrompt, prompt string) agent.StateCallback {
	return func(ctx context.Context, state *agent.State, next agent.Next) (*agent.State, error) {
		if systemPrompt != "" {
			state.SystemPrompt = systemPrompt
		}
		state.Append(llm.UserMessage(prompt))
		if _, err := next(ctx); err != nil {
			return nil, err
		}
		return state, nil
	}
}

func (t *Task) Name() string             { return t.name }
func (t *Task) Kind() scheduler.TaskKind { return scheduler.KindRecurring }
func (t *Task) Agent() *agent.Agent      { return t.agent }
func (t *Task) Schedule() Schedule       { return t.schedule }

// State returns a copy of the task's runtime history.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Run loops until ctx ends, the run limit is reached or an "at" schedule
// has fired. Firing errors are recorded and the loop continues.
func (t *Task) Run(ctx context.Context, a *agent.Agent, _ *scheduler.Scheduler) error {
	for {
		st := t.State()
		if t.maxRuns > 0 && st.Runs >= t.maxRuns {
			return nil
		}
		if t.schedule.Kind == ScheduleKindAt && st.Runs > 0 {
			return nil
		}

		next, err := CalculateNextRun(t.schedule, time.Now())
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.state.NextRunAt = next
		t.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := t.fire(ctx, a); err != nil && ctx.Err() != nil {
			return nil
		}
	}
}

func (t *Task) fire(ctx context.Context, a *agent.Agent) error {
	start := time.Now()
	_, err := a.Run(ctx, t.callback)
	duration := time.Since(start)

	t.mu.Lock()
	t.state.Runs++
	t.state.LastRunAt = start
	t.state.LastDuration = duration
	if err != nil {
		t.state.LastStatus = "error"
		t.state.LastError = err.Error()
		t.state.ConsecutiveErrors++
	} else {
		t.state.LastStatus = "ok"
		t.state.LastError = ""
		t.state.ConsecutiveErrors = 0
	}
	runs, failures := t.state.Runs, t.state.ConsecutiveErrors
	t.mu.Unlock()

	switch {
	case err == nil:
		t.logger.Debug().Int("runs", runs).Dur("duration", duration).Msg("Task fired")
	case errors.Is(err, context.Canceled):
		t.logger.Debug().Msg("Task firing cancelled")
	default:
		t.logger.Warn().Err(err).Int("consecutive_errors", failures).Msg("Task firing failed")
	}
	return err
}
