package actor

import (
	"sync"

	"github.com/evermemory/ema/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// Listener receives emitted events.
type Listener func(Event)

// Handle identifies a registered listener.
type Handle string

type listener struct {
	handle Handle
	fn     Listener
	once   bool
}

// EventSource fans events out to listeners in registration order.
type EventSource struct {
	mu        sync.Mutex
	listeners []listener
}

func NewEventSource() *EventSource {
	return &EventSource{}
}

// On registers fn for every later emission.
func (s *EventSource) On(fn Listener) Handle {
	return s.add(fn, false)
}

// Once registers fn for the next emission only.
func (s *EventSource) Once(fn Listener) Handle {
	return s.add(fn, true)
}

func (s *EventSource) add(fn Listener, once bool) Handle {
	h := Handle(gonanoid.Must())
	s.mu.Lock()
	s.listeners = append(s.listeners, listener{handle: h, fn: fn, once: once})
	s.mu.Unlock()
	observability.AddSubscribers(1)
	return h
}

// Off removes the listener registered under h and reports whether it was
// still registered.
func (s *EventSource) Off(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.handle == h {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			observability.AddSubscribers(-1)
			return true
		}
	}
	return false
}

// Emit delivers events, in order, to every listener registered at the time
// of the call, and returns how many listeners received them.
func (s *EventSource) Emit(events ...Event) int {
	if len(events) == 0 {
		return 0
	}

	s.mu.Lock()
	targets := make([]listener, len(s.listeners))
	copy(targets, s.listeners)
	kept := s.listeners[:0:0]
	for _, l := range s.listeners {
		if l.once {
			observability.AddSubscribers(-1)
			continue
		}
		kept = append(kept, l)
	}
	s.listeners = kept
	s.mu.Unlock()

	for _, l := range targets {
		for _, ev := range events {
			deliver(l, ev)
		}
	}
	return len(targets)
}

// Len returns the number of registered listeners.
func (s *EventSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func deliver(l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("handle", string(l.handle)).Msg("Event listener panicked")
		}
	}()
	l.fn(ev)
}
