package actor

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownInputKind = errors.New("actor: unknown input kind")
	ErrClosed           = errors.New("actor: closed")
)

type InputKind string

const InputText InputKind = "text"

// Input is one item sent to an actor.
type Input struct {
	Kind    InputKind `json:"kind"`
	Content string    `json:"content"`
}

type EventKind string

const EventMessage EventKind = "message"

// Event is one item an actor emits.
type Event struct {
	Kind    EventKind `json:"kind"`
	Content string    `json:"content"`
}

func validateInputs(inputs []Input) error {
	for i, in := range inputs {
		switch in.Kind {
		case InputText:
		default:
			return fmt.Errorf("input %d: %w: %q", i, ErrUnknownInputKind, in.Kind)
		}
	}
	return nil
}

// Key is the session and registry key of an actor.
func Key(userID, actorID int64) string {
	return fmt.Sprintf("actor-%d-%d", userID, actorID)
}
