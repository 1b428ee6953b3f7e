package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrClosed      = errors.New("command queue closed")
	ErrLaneCleared = errors.New("lane cleared")
	ErrLaneRemoved = errors.New("lane removed")
)

// Task is one unit of work run on a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// WarnAfter logs (and calls OnWait) when the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu          sync.Mutex
	concurrency int
	queue       []*taskRecord
	running     int
	removed     bool
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// CommandQueue provides lane-based task serialization with concurrency control.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq uint64
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

type Option func(*CommandQueue)

func WithLogger(logger zerolog.Logger) Option {
	return func(cq *CommandQueue) { cq.logger = logger }
}

func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(cq)
	}
	return cq
}

var (
	defaultQueue     *CommandQueue
	defaultQueueOnce sync.Once
)

// Default returns the process-wide queue used when no queue is injected.
func Default() *CommandQueue {
	defaultQueueOnce.Do(func() {
		defaultQueue = New()
	})
	return defaultQueue
}

// EnsureLane creates lane with the given concurrency if it does not exist.
func (cq *CommandQueue) EnsureLane(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if _, ok := cq.lanes[lane]; !ok {
		cq.lanes[lane] = &laneState{concurrency: concurrency}
		cq.logger.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
}

func (cq *CommandQueue) lane(name string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, ok := cq.lanes[name]
	return ls, ok
}

// Enqueue runs task on lane and blocks until it completes.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext runs task on lane and blocks until it completes or ctx
// is done. A task abandoned while still queued is dropped when it reaches
// the head of the lane; a task already running sees ctx cancelled.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	if ls.removed {
		ls.mu.Unlock()
		return nil, ErrLaneRemoved
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("taskId", taskID).Int("queueSize", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls)
	}

	cq.processLane(lane, ls)

	select {
	case result := <-record.result:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result.value, result.err
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue[0] = nil
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracing.TracerQueue, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

// run converts a panicking task into an error so the lane keeps draining.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	case <-record.ctx.Done():
		return
	}

	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r == record {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()

	if queuePos < 0 {
		return
	}
	wait := time.Since(record.enqueuedAt)
	cq.logger.Warn().Str("lane", lane).Str("taskId", record.id).Dur("wait", wait).Int("queuePos", queuePos).Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// QueueSize returns the number of tasks waiting on lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of tasks executing on lane.
func (cq *CommandQueue) RunningCount(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued task on lane with ErrLaneCleared and
// returns how many were dropped. Running tasks are unaffected.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	return cq.clear(lane, ls, ErrLaneCleared)
}

func (cq *CommandQueue) clear(lane string, ls *laneState, reason error) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: reason}
	}
	ls.queue = nil

	if count > 0 {
		cq.logger.Debug().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	}
	return count
}

// RemoveLane forgets lane, rejecting queued tasks with ErrLaneRemoved.
// A task already running finishes normally. Later enqueues on the same
// name start a fresh lane.
func (cq *CommandQueue) RemoveLane(lane string) {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if ok {
		delete(cq.lanes, lane)
	}
	cq.mu.Unlock()
	if !ok {
		return
	}

	ls.mu.Lock()
	ls.removed = true
	ls.mu.Unlock()
	cq.clear(lane, ls, ErrLaneRemoved)
}

// SetConcurrency changes how many tasks lane may run at once.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	cq.EnsureLane(lane, concurrency)
	ls, _ := cq.lane(lane)

	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	if concurrency > old {
		cq.processLane(lane, ls)
	}
}

// WaitForActive blocks until no lane has running tasks or ctx is done.
func (cq *CommandQueue) WaitForActive(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		for _, s := range cq.Stats() {
			if s.Running > 0 {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close rejects new work, cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make(map[string]*laneState, len(cq.lanes))
	for name, ls := range cq.lanes {
		lanes[name] = ls
	}
	cq.mu.Unlock()

	for name, ls := range lanes {
		cq.clear(name, ls, ErrClosed)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
