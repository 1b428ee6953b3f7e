// Package scheduler admits agent executions under a system-wide
// concurrency cap and runs oneshot, bound and recurring tasks.
//
// Admission is FIFO across every agent the scheduler created or bound:
// each execution takes its place in line when it is submitted, not when
// its goroutine reaches the gate. An execution queued behind an earlier
// one of the same agent does not hold up other agents.
// A request that would exceed the cap blocks until a slot is released;
// the scheduler never rejects on overload. Slots are held by executions,
// not by tasks, so a long-lived task idling between ticks costs nothing.
package scheduler
