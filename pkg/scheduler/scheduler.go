package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/agent"
	"github.com/evermemory/ema/pkg/commandqueue"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrClosed      = errors.New("scheduler: closed")
	ErrWaitTimeout = errors.New("scheduler: wait for idle timed out")
)

const DefaultMaxConcurrency = 4

type Options struct {
	// MaxConcurrency caps running executions across all agents.
	MaxConcurrency int
	// Client is the backend used by agents the scheduler creates.
	Client llm.Client
	// Queue hosts the agents' lanes. Defaults to commandqueue.Default().
	Queue *commandqueue.CommandQueue
	// AgentOptions are applied to every agent the scheduler creates.
	AgentOptions []agent.Option
	Logger       *zerolog.Logger
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Capacity int64 `json:"capacity"`
	InUse    int64 `json:"inUse"`
	Waiting  int64 `json:"waiting"`
	Tasks    int   `json:"tasks"`
}

type Scheduler struct {
	gate      *slotGate
	client    llm.Client
	queue     *commandqueue.CommandQueue
	agentOpts []agent.Option
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Queue == nil {
		opts.Queue = commandqueue.Default()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gate:      newSlotGate(opts.MaxConcurrency),
		client:    opts.Client,
		queue:     opts.Queue,
		agentOpts: opts.AgentOptions,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		handles:   make(map[*Handle]struct{}),
	}
}

// NewAgent creates an agent whose executions are admitted by this scheduler.
func (s *Scheduler) NewAgent(state agent.State, opts ...agent.Option) *agent.Agent {
	all := make([]agent.Option, 0, len(s.agentOpts)+len(opts)+3)
	all = append(all, agent.WithQueue(s.queue), agent.WithLogger(s.logger))
	all = append(all, s.agentOpts...)
	all = append(all, opts...)
	all = append(all, agent.WithGate(s.gate))
	return agent.New(s.client, state, all...)
}

// Bind subjects an existing agent to this scheduler's admission.
func (s *Scheduler) Bind(a *agent.Agent) {
	a.SetGate(s.gate)
}

// Run executes cb once on a fresh ephemeral agent. Its place in admission
// is fixed before Run returns control to the agent, so saturated callers
// are admitted in the order they called Run.
func (s *Scheduler) Run(ctx context.Context, cb agent.StateCallback) (agent.Outcome, error) {
	if s.isClosed() {
		return agent.Outcome{}, ErrClosed
	}
	a := s.NewAgent(agent.State{})
	defer a.Close()
	return a.Run(ctx, cb)
}

// Schedule starts task in its own goroutine and returns a handle to it.
// Bound tasks have their agent attached to the scheduler; tasks without an
// agent get an ephemeral one for their lifetime.
func (s *Scheduler) Schedule(task Task) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{name: task.Name(), kind: task.Kind(), cancel: cancel, done: make(chan struct{})}
	s.handles[h] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	a := task.Agent()
	ephemeral := a == nil
	if ephemeral {
		a = s.NewAgent(agent.State{})
	} else if !a.HasGate() {
		s.Bind(a)
	}

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.handles, h)
			s.mu.Unlock()
		}()
		if ephemeral {
			defer a.Close()
		}
		h.finish(s.runTask(ctx, task, a))
	}()

	return h, nil
}

func (s *Scheduler) runTask(ctx context.Context, task Task, a *agent.Agent) (err error) {
	ctx = tracing.WithTask(ctx, task.Name())
	ctx, span := tracing.StartSpan(ctx, tracing.TracerScheduler, "scheduler.task",
		attribute.String("task.name", task.Name()),
		attribute.String("task.kind", string(task.Kind())),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	kind := string(task.Kind())
	observability.RecordTaskStarted(kind)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", task.Name(), r)
		}
		observability.RecordTaskFinished(kind, err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Task failed")
			return
		}
		logger.Debug().Dur("duration", time.Since(start)).Msg("Task finished")
	}()

	logger.Debug().Str("kind", kind).Msg("Task started")
	return task.Run(ctx, a, s)
}

// WaitForIdle returns once a is not running. It returns immediately when a
// is already idle, and ErrWaitTimeout if timeout > 0 elapses first. The
// execution itself is never cancelled. A timeout <= 0 waits until ctx ends.
func (s *Scheduler) WaitForIdle(ctx context.Context, a *agent.Agent, timeout time.Duration) error {
	idle := a.Idle()
	select {
	case <-idle:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-idle:
		return nil
	case <-expired:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	tasks := len(s.handles)
	s.mu.Unlock()
	inUse, waiting := s.gate.stats()
	return Stats{
		Capacity: s.gate.capacity,
		InUse:    inUse,
		Waiting:  waiting,
		Tasks:    tasks,
	}
}

// Close cancels every scheduled task and waits for them to return or for
// ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
