package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/pkg/agent"
	"golang.org/x/sync/semaphore"
)

// slotGate implements agent.Gate. Tickets are admitted strictly in the
// order they were reserved, skipping only tickets whose agent already has
// an earlier execution waiting or running: those cannot start before it
// anyway. The semaphore tracks slot capacity.
type slotGate struct {
	sem      *semaphore.Weighted
	capacity int64

	mu      sync.Mutex
	line    *list.List // of *ticket, in reservation order
	running map[string]int
	inUse   int64
	waiting int64
}

type ticket struct {
	gate    *slotGate
	key     string
	elem    *list.Element
	ready   bool
	granted chan struct{}
	held    bool
	done    bool
}

func newSlotGate(capacity int) *slotGate {
	return &slotGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		line:     list.New(),
		running:  make(map[string]int),
	}
}

func (g *slotGate) Reserve(key string) agent.Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := &ticket{gate: g, key: key, granted: make(chan struct{})}
	t.elem = g.line.PushBack(t)
	return t
}

func (g *slotGate) stats() (inUse, waiting int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse, g.waiting
}

// dispatch grants slots to the head of the line. Callers hold g.mu.
func (g *slotGate) dispatch() {
	for {
		head := g.head()
		if head == nil || !head.ready {
			return
		}
		if !g.sem.TryAcquire(1) {
			return
		}
		g.line.Remove(head.elem)
		head.elem = nil
		head.ready = false
		head.held = true
		g.waiting--
		g.inUse++
		g.running[head.key]++
		close(head.granted)
	}
}

// head is the earliest ticket that may be admitted now.
func (g *slotGate) head() *ticket {
	seen := make(map[string]bool)
	for e := g.line.Front(); e != nil; e = e.Next() {
		t := e.Value.(*ticket)
		if seen[t.key] || g.running[t.key] > 0 {
			seen[t.key] = true
			continue
		}
		return t
	}
	return nil
}

func (g *slotGate) release(t *ticket) {
	g.running[t.key]--
	if g.running[t.key] == 0 {
		delete(g.running, t.key)
	}
	g.inUse--
	g.sem.Release(1)
}

func (t *ticket) Acquire(ctx context.Context) error {
	g := t.gate
	start := time.Now()

	g.mu.Lock()
	if t.done || t.elem == nil {
		g.mu.Unlock()
		return context.Canceled
	}
	t.ready = true
	g.waiting++
	g.dispatch()
	g.mu.Unlock()

	select {
	case <-t.granted:
		observability.RecordSlotAcquired(time.Since(start))
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if t.held {
		t.held = false
		g.release(t)
	} else {
		t.leave()
	}
	t.done = true
	g.dispatch()
	return ctx.Err()
}

// leave takes an unadmitted ticket out of line. Callers hold g.mu.
func (t *ticket) leave() {
	if t.elem != nil {
		t.gate.line.Remove(t.elem)
		t.elem = nil
	}
	if t.ready {
		t.ready = false
		t.gate.waiting--
	}
}

func (t *ticket) Release() {
	g := t.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	if !t.held {
		return
	}
	t.held = false
	t.done = true
	g.release(t)
	g.dispatch()
	observability.RecordSlotReleased()
}

func (t *ticket) Cancel() {
	g := t.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.done || t.held {
		return
	}
	t.done = true
	t.leave()
	g.dispatch()
}
