package scheduler

import (
	"context"

	"github.com/evermemory/ema/pkg/agent"
)

type TaskKind string

const (
	// KindOneshot runs a single callback on an ephemeral agent.
	KindOneshot TaskKind = "oneshot"
	// KindBound runs a body against a caller-owned agent.
	KindBound TaskKind = "bound"
	// KindRecurring loops on its own schedule until cancelled.
	KindRecurring TaskKind = "recurring"
)

// Task is a unit of work the scheduler runs to completion. Agent returns
// nil when the scheduler should supply an ephemeral agent.
type Task interface {
	Name() string
	Kind() TaskKind
	Agent() *agent.Agent
	Run(ctx context.Context, a *agent.Agent, s *Scheduler) error
}

// BodyFunc is the body of a bound task.
type BodyFunc func(ctx context.Context, a *agent.Agent, s *Scheduler) error

type oneshotTask struct {
	name string
	cb   agent.StateCallback
}

// Oneshot wraps cb as a task run once on an ephemeral agent.
func Oneshot(name string, cb agent.StateCallback) Task {
	return &oneshotTask{name: name, cb: cb}
}

func (t *oneshotTask) Name() string        { return t.name }
func (t *oneshotTask) Kind() TaskKind      { return KindOneshot }
func (t *oneshotTask) Agent() *agent.Agent { return nil }

func (t *oneshotTask) Run(ctx context.Context, a *agent.Agent, _ *Scheduler) error {
	_, err := a.Run(ctx, t.cb)
	return err
}

type boundTask struct {
	name  string
	agent *agent.Agent
	body  BodyFunc
}

// Bound wraps body as a task whose executions go through a.
func Bound(name string, a *agent.Agent, body BodyFunc) Task {
	return &boundTask{name: name, agent: a, body: body}
}

func (t *boundTask) Name() string        { return t.name }
func (t *boundTask) Kind() TaskKind      { return KindBound }
func (t *boundTask) Agent() *agent.Agent { return t.agent }

func (t *boundTask) Run(ctx context.Context, a *agent.Agent, s *Scheduler) error {
	return t.body(ctx, a, s)
}
