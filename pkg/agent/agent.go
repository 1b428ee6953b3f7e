package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/commandqueue"
	"github.com/evermemory/ema/pkg/llm"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Gate admits executions under a shared concurrency limit. Reserve is
// called in the submitting goroutine and fixes the execution's place in
// line; key identifies the agent.
type Gate interface {
	Reserve(key string) Ticket
}

// Ticket is one execution's place in a Gate's line.
type Ticket interface {
	// Acquire blocks until the ticket is admitted or ctx is done.
	Acquire(ctx context.Context) error
	// Release frees the slot taken by a successful Acquire.
	Release()
	// Cancel gives up a ticket that was never admitted.
	Cancel()
}

// Outcome is the committed result of one execution.
type Outcome struct {
	// State is the agent state after the execution.
	State State
	// InvokedCore reports whether the backend was called.
	InvokedCore bool
	// Response is the backend response when InvokedCore is true.
	Response *llm.Response
}

// Agent owns one conversation state and serializes executions against it.
type Agent struct {
	id         string
	lane       string
	client     llm.Client
	queue      *commandqueue.CommandQueue
	logger     zerolog.Logger
	model      string
	warnAfter  time.Duration
	middleware []StateCallback

	mu      sync.Mutex
	state   State
	gate    Gate
	running bool
	current *execution
	idle    chan struct{}
	closed  bool
}

type Option func(*Agent)

// WithID sets a stable identifier instead of a generated one.
func WithID(id string) Option {
	return func(a *Agent) { a.id = id }
}

// WithQueue runs the agent's lane on q instead of the default queue.
func WithQueue(q *commandqueue.CommandQueue) Option {
	return func(a *Agent) { a.queue = q }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithGate subjects every execution to gate's admission.
func WithGate(gate Gate) Option {
	return func(a *Agent) { a.gate = gate }
}

// WithModel overrides the model requested from the backend.
func WithModel(model string) Option {
	return func(a *Agent) { a.model = model }
}

// WithMiddleware wraps every execution in mw, outermost first.
func WithMiddleware(mw ...StateCallback) Option {
	return func(a *Agent) { a.middleware = append(a.middleware, mw...) }
}

// WithWarnAfter logs executions that wait on the agent's queue longer than d.
func WithWarnAfter(d time.Duration) Option {
	return func(a *Agent) { a.warnAfter = d }
}

func New(client llm.Client, initial State, opts ...Option) *Agent {
	idle := make(chan struct{})
	close(idle)

	a := &Agent{
		client: client,
		state:  initial.Clone(),
		idle:   idle,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.id == "" {
		a.id = gonanoid.Must()
	}
	if a.queue == nil {
		a.queue = commandqueue.Default()
	}
	a.lane = "agent:" + a.id
	a.queue.EnsureLane(a.lane, 1)
	return a
}

func (a *Agent) ID() string {
	return a.id
}

// Use appends middleware applied to executions submitted after the call.
func (a *Agent) Use(mw ...StateCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.middleware = append(a.middleware, mw...)
}

// SetGate replaces the admission gate for executions submitted afterwards.
func (a *Agent) SetGate(gate Gate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gate = gate
}

// HasGate reports whether executions are subject to admission.
func (a *Agent) HasGate() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gate != nil
}

// State returns a copy of the committed state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// IsRunning reports whether an execution has been admitted and not yet finished.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Idle returns a channel that is closed once the agent is not running. The
// channel is already closed when the agent is idle.
func (a *Agent) Idle() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}

// execution is one callback run. done settles exactly once: when the
// callback returns, or earlier when Stop cancels it.
type execution struct {
	settleOnce sync.Once
	done       chan struct{}
	outcome    Outcome
	err        error
	cancel     context.CancelCauseFunc
	misuse     atomic.Bool
	ticket     Ticket
}

func newExecution() *execution {
	return &execution{done: make(chan struct{})}
}

func (e *execution) settle(out Outcome, err error) {
	e.settleOnce.Do(func() {
		e.outcome = out
		e.err = err
		close(e.done)
	})
}

// Run submits cb and waits for it to settle. Executions start in submission
// order, each after the previous one has returned.
func (a *Agent) Run(ctx context.Context, cb StateCallback) (Outcome, error) {
	a.mu.Lock()
	closed := a.closed
	warnAfter := a.warnAfter
	gate := a.gate
	a.mu.Unlock()
	if closed {
		return Outcome{}, ErrClosed
	}

	exec := newExecution()
	if gate != nil {
		exec.ticket = gate.Reserve(a.lane)
	}
	go func() {
		_, err := a.queue.EnqueueWithContext(ctx, a.lane, func(taskCtx context.Context) (interface{}, error) {
			a.execute(taskCtx, cb, exec)
			return nil, nil
		}, &commandqueue.TaskOptions{WarnAfter: warnAfter})
		if exec.ticket != nil {
			exec.ticket.Cancel()
		}
		if err != nil {
			if errors.Is(err, commandqueue.ErrLaneRemoved) || errors.Is(err, commandqueue.ErrClosed) {
				err = ErrClosed
			}
			exec.settle(Outcome{}, err)
		}
	}()

	// A ctx that ends while queued drops the execution; one that ends while
	// running cancels the backend call, and either way exec settles.
	<-exec.done
	return exec.outcome, exec.err
}

// RunWithMessage appends msg, calls the backend and commits the result.
func (a *Agent) RunWithMessage(ctx context.Context, msg llm.Message) (Outcome, error) {
	return a.Run(ctx, func(ctx context.Context, state *State, next Next) (*State, error) {
		state.Append(msg)
		if _, err := next(ctx); err != nil {
			return nil, err
		}
		return state, nil
	})
}

// Execute replaces the whole state, calls the backend and commits the result.
func (a *Agent) Execute(ctx context.Context, newState State) (Outcome, error) {
	return a.Run(ctx, func(ctx context.Context, state *State, next Next) (*State, error) {
		state.Replace(newState)
		if _, err := next(ctx); err != nil {
			return nil, err
		}
		return state, nil
	})
}

// Stop cancels the in-flight execution, which settles with ErrCancelled
// and a zero Outcome. State mutations made so far are committed once the
// callback returns, so read them from State after Idle. Queued executions
// still run. Stop is a no-op when the agent is idle.
func (a *Agent) Stop() {
	a.mu.Lock()
	exec := a.current
	a.mu.Unlock()
	if exec == nil {
		return
	}

	exec.cancel(ErrCancelled)
	exec.settle(Outcome{}, ErrCancelled)
	a.logger.Debug().Str("agent_id", a.id).Msg("Execution stopped")
}

// Close stops the agent and rejects queued and future executions.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.Stop()
	a.queue.RemoveLane(a.lane)
}

func (a *Agent) execute(ctx context.Context, cb StateCallback, exec *execution) {
	a.mu.Lock()
	layers := append(append([]StateCallback(nil), a.middleware...), cb)
	a.mu.Unlock()

	if exec.ticket != nil {
		if err := exec.ticket.Acquire(ctx); err != nil {
			exec.settle(Outcome{}, err)
			return
		}
		defer exec.ticket.Release()
	}

	ctx = tracing.NewExecutionContext(ctx, a.id)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.execute", attribute.String("agent.id", a.id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	exec.cancel = cancel
	execCtx = context.WithValue(execCtx, misuseKey{}, &exec.misuse)

	a.mu.Lock()
	work := a.state.Clone()
	a.running = true
	a.current = exec
	a.idle = make(chan struct{})
	a.mu.Unlock()
	observability.AddRunningAgents(1)
	start := time.Now()

	var resp *llm.Response
	invoked := false
	core := func(ctx context.Context) (*llm.Response, error) {
		if err := stopCause(execCtx); err != nil {
			return nil, err
		}
		req := work.request()
		req.Model = a.model
		r, err := a.client.Generate(ctx, req)
		if err != nil {
			if cause := stopCause(execCtx); cause != nil {
				return nil, cause
			}
			return nil, &BackendError{Err: err}
		}
		invoked = true
		resp = r
		work.Append(r.Message())
		return r, nil
	}

	returned, err := a.invoke(execCtx, layers, &work, core, &exec.misuse)

	switch {
	case errors.Is(context.Cause(execCtx), ErrCancelled):
		err = ErrCancelled
	case exec.misuse.Load():
		err = ErrNextCalledTwice
	case err == nil && returned != nil && returned != &work:
		work = returned.Clone()
	}

	a.mu.Lock()
	a.state = work
	a.running = false
	a.current = nil
	close(a.idle)
	out := Outcome{State: a.state.Clone(), InvokedCore: invoked, Response: resp}
	a.mu.Unlock()
	observability.AddRunningAgents(-1)

	outcome := "committed"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	case !invoked:
		outcome = "skipped"
	}
	observability.RecordExecution(outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, ErrCancelled) {
			logger.Warn().Err(err).Msg("Execution failed")
		}
	}
	span.SetAttributes(attribute.Bool("agent.invoked_core", invoked))

	exec.settle(out, err)
}

// invoke runs the layers and turns a callback panic into an error so the
// agent returns to idle.
func (a *Agent) invoke(ctx context.Context, layers []StateCallback, work *State, core Next, misuse *atomic.Bool) (returned *State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent: callback panicked: %v", r)
		}
	}()
	return chainFrom(ctx, layers, work, core, misuse)
}

// stopCause reports why ctx ended: ErrCancelled after Stop, the caller's
// context error otherwise, nil while still live.
func stopCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return ctx.Err()
}
