// Package actor is the user-facing aggregate: an input queue processed in
// order against one agent, and an output event source fanned out to
// subscribers.
//
// Invariants:
//   - AddInputs returns once inputs are queued; processing is asynchronous.
//   - Inputs are processed in arrival order by a single goroutine.
//   - Listeners receive events in registration order, and only events
//     emitted while they are registered.
//
// Usage:
//
//	a, _ := actor.New(actor.Config{ID: 1, UserID: 1, Scheduler: sched})
//	h := a.Subscribe(func(ev actor.Event) { fmt.Println(ev.Content) })
//	defer a.Unsubscribe(h)
//	_ = a.AddInputs(ctx, []actor.Input{{Kind: actor.InputText, Content: "hi"}})
package actor
