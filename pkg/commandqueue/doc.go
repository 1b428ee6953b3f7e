// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane start in enqueue order and never exceed the lane's concurrency.
//   - Tasks in different lanes may execute concurrently.
//   - A task whose caller gave up before it was dequeued is skipped, not run.
//
// Agents use one lane each with concurrency 1, which gives them a serialized
// run queue:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "agent:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
