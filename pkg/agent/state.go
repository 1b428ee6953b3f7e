package agent

import "github.com/evermemory/ema/pkg/llm"

// State is everything the backend sees for one conversation. The message
// list is the whole history; there is no separate transcript.
type State struct {
	SystemPrompt string        `json:"system_prompt"`
	Messages     []llm.Message `json:"messages"`
	Tools        []llm.Tool    `json:"tools,omitempty"`
}

// Replace swaps the whole state for a copy of other.
func (s *State) Replace(other State) {
	*s = other.Clone()
}

// Append adds messages to the end of the history.
func (s *State) Append(msgs ...llm.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// Last returns the most recent message, if any.
func (s *State) Last() (llm.Message, bool) {
	if len(s.Messages) == 0 {
		return llm.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Clone returns a copy that shares no slices with s. Tool schemas and call
// parameters are treated as immutable and shared.
func (s State) Clone() State {
	out := State{SystemPrompt: s.SystemPrompt}
	if s.Messages != nil {
		out.Messages = make([]llm.Message, len(s.Messages))
		for i, m := range s.Messages {
			if m.ToolCalls != nil {
				m.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
			}
			out.Messages[i] = m
		}
	}
	if s.Tools != nil {
		out.Tools = append([]llm.Tool(nil), s.Tools...)
	}
	return out
}

func (s *State) request() llm.Request {
	return llm.Request{
		SystemPrompt: s.SystemPrompt,
		Messages:     s.Messages,
		Tools:        s.Tools,
	}
}
