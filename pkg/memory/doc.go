// Package memory stores actors' short-term memories in sqlite.
//
// Invariants:
//   - IDs are assigned in append order starting at 1, and are never reused
//     until Reset.
//   - List filters are conjunctive and time bounds are inclusive.
//   - Entries round-trip unchanged, including their message references.
//
// Usage:
//
//	store, _ := memory.Open(memory.Config{Path: "/data/memory.db"})
//	defer store.Close()
//	m, _ := store.Append(ctx, memory.ShortTermMemory{Kind: memory.KindDay, ActorID: 1})
//	list, _ := store.List(ctx, memory.Filter{ActorID: memory.Int64(1)})
package memory
