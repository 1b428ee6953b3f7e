// Package agent runs middleware callbacks against a conversation state, one
// execution at a time per Agent.
//
// Invariants:
//   - Executions against one Agent are strictly serialized in submission order.
//   - A callback's Next may be called at most once; a second call fails the execution.
//   - Mutations made to the state are never rolled back. The callback's return
//     value replaces the state only when the execution succeeds.
//   - Stop settles the in-flight execution with ErrCancelled and leaves queued
//     executions untouched.
//
// Usage:
//
//	a := agent.New(client, agent.State{SystemPrompt: "be brief"})
//	out, err := a.RunWithMessage(ctx, llm.UserMessage("hello"))
//	_ = out.Response.Content
package agent
