package agent

import (
	"context"
	"errors"

	"github.com/evermemory/ema/pkg/llm"
)

// ScheduleRequest is either a message to send or a callback to run.
// Exactly one field must be set.
type ScheduleRequest struct {
	Message  *llm.Message
	Callback StateCallback
}

var ErrInvalidRequest = errors.New("agent: schedule request needs exactly one of message or callback")

// Submit dispatches req to RunWithMessage or Run.
func (a *Agent) Submit(ctx context.Context, req ScheduleRequest) (Outcome, error) {
	switch {
	case req.Message != nil && req.Callback == nil:
		return a.RunWithMessage(ctx, *req.Message)
	case req.Callback != nil && req.Message == nil:
		return a.Run(ctx, req.Callback)
	default:
		return Outcome{}, ErrInvalidRequest
	}
}
