package actor

import (
	"context"
	"errors"
	"sync"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/agent"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/evermemory/ema/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ID     int64
	UserID int64
	// Scheduler admits the actor's executions. It creates the agent when
	// Agent is nil.
	Scheduler *scheduler.Scheduler
	// Agent is used as is instead of a scheduler-created one.
	Agent *agent.Agent
	// State and Middleware seed a scheduler-created agent.
	State      agent.State
	Middleware []agent.StateCallback
	Logger     *zerolog.Logger
}

type Actor struct {
	id     int64
	userID int64
	key    string
	agent  *agent.Agent
	owned  bool
	events *EventSource
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []Input
	busy    bool
	closed  bool
	wake    chan struct{}
	drained chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) (*Actor, error) {
	if cfg.Agent == nil && cfg.Scheduler == nil {
		return nil, errors.New("actor: an agent or a scheduler is required")
	}

	key := Key(cfg.UserID, cfg.ID)
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("actor_key", key).Logger()

	a := &Actor{
		id:      cfg.ID,
		userID:  cfg.UserID,
		key:     key,
		agent:   cfg.Agent,
		events:  NewEventSource(),
		logger:  logger,
		wake:    make(chan struct{}, 1),
		drained: closedChan(),
		done:    make(chan struct{}),
	}

	switch {
	case a.agent == nil:
		a.agent = cfg.Scheduler.NewAgent(cfg.State,
			agent.WithLogger(logger),
			agent.WithMiddleware(cfg.Middleware...),
		)
		a.owned = true
	case cfg.Scheduler != nil && !a.agent.HasGate():
		cfg.Scheduler.Bind(a.agent)
	}

	a.ctx, a.cancel = context.WithCancel(tracing.WithActorKey(context.Background(), key))
	go a.loop()
	return a, nil
}

func (a *Actor) ID() int64           { return a.id }
func (a *Actor) UserID() int64       { return a.userID }
func (a *Actor) Key() string         { return a.key }
func (a *Actor) Agent() *agent.Agent { return a.agent }
func (a *Actor) Events() *EventSource {
	return a.events
}

// Subscribe registers fn for output events.
func (a *Actor) Subscribe(fn Listener) Handle {
	return a.events.On(fn)
}

// Unsubscribe removes the listener registered under h.
func (a *Actor) Unsubscribe(h Handle) bool {
	return a.events.Off(h)
}

// AddInputs validates inputs and queues them for processing. It returns
// once they are queued.
func (a *Actor) AddInputs(ctx context.Context, inputs []Input) error {
	if err := validateInputs(inputs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if len(inputs) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.queue = append(a.queue, inputs...)
	if a.pendingLocked() == len(inputs) {
		a.drained = make(chan struct{})
	}
	a.mu.Unlock()

	observability.RecordActorInputs(len(inputs))
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of inputs not yet fully processed.
func (a *Actor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingLocked()
}

func (a *Actor) pendingLocked() int {
	n := len(a.queue)
	if a.busy {
		n++
	}
	return n
}

// Closed returns a channel that is closed when Close is called.
func (a *Actor) Closed() <-chan struct{} {
	return a.ctx.Done()
}

// InUse reports whether the actor has subscribers, queued inputs or a
// running execution.
func (a *Actor) InUse() bool {
	return a.events.Len() > 0 || a.Pending() > 0 || a.agent.IsRunning()
}

// Drained returns a channel closed once every queued input is processed.
func (a *Actor) Drained() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drained
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.wake:
		}

		for {
			batch := a.take()
			if batch == nil {
				break
			}
			a.process(batch)
			a.finish()
		}
	}
}

// take removes every queued input. Queued text inputs form one batch.
func (a *Actor) take() []Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 || a.ctx.Err() != nil {
		return nil
	}
	batch := a.queue
	a.queue = nil
	a.busy = true
	return batch
}

func (a *Actor) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
	if len(a.queue) == 0 {
		select {
		case <-a.drained:
		default:
			close(a.drained)
		}
	}
}

// process folds a batch of text inputs into one execution: every input
// becomes a user message and the backend is called once.
func (a *Actor) process(batch []Input) {
	req := agent.ScheduleRequest{}
	if len(batch) == 1 {
		msg := llm.UserMessage(batch[0].Content)
		req.Message = &msg
	} else {
		req.Callback = func(ctx context.Context, state *agent.State, next agent.Next) (*agent.State, error) {
			for _, in := range batch {
				state.Append(llm.UserMessage(in.Content))
			}
			if _, err := next(ctx); err != nil {
				return nil, err
			}
			return state, nil
		}
	}

	out, err := a.agent.Submit(a.ctx, req)
	if err != nil {
		if errors.Is(err, agent.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, agent.ErrClosed) {
			a.logger.Debug().Err(err).Msg("Input processing stopped")
			return
		}
		observability.RecordActorError()
		a.logger.Error().Err(err).Int("inputs", len(batch)).Msg("Failed to process inputs")
		return
	}

	if out.Response == nil || out.Response.Content == "" {
		return
	}
	observability.RecordActorEvent()
	n := a.events.Emit(Event{Kind: EventMessage, Content: out.Response.Content})
	a.logger.Debug().Int("listeners", n).Msg("Output emitted")
}

// Close stops processing and the agent. Queued inputs are dropped.
func (a *Actor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.queue = nil
	a.mu.Unlock()
	defer a.finish()

	a.cancel()
	if a.owned {
		a.agent.Close()
	} else {
		a.agent.Stop()
	}
	<-a.done
	a.logger.Debug().Msg("Actor closed")
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
