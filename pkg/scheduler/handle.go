package scheduler

import "context"

// Handle tracks one scheduled task.
type Handle struct {
	name   string
	kind   TaskKind
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *Handle) Name() string   { return h.name }
func (h *Handle) Kind() TaskKind { return h.kind }

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel cancels the task's context. Wait still reports how it ended.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the task returns and reports its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

func (h *Handle) finish(err error) {
	h.err = err
	h.cancel()
	close(h.done)
}
