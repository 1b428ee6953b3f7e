// Package session persists conversation history as JSONL files, one file
// per session key.
//
// Invariants:
//   - Session keys are validated and path-safe.
//   - Writes for the same session are serialized.
//   - Corrupt lines are skipped on load and dropped by Repair.
//
// Usage:
//
//	mgr, _ := session.New("/data/sessions")
//	_ = mgr.Append(ctx, "actor-1-1", llm.UserMessage("hello"))
//	history, _ := mgr.History(ctx, "actor-1-1", 200)
package session
