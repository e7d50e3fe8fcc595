// Package engine implements thread-confined contexts over a shared store.
//
// A Registry holds one Manager per model name. A Manager owns the store and a
// table of named Threads; each Thread is a goroutine that owns exactly one
// working set and runs tasks against it in FIFO order. Contexts never talk to each
// other: a Commit goes through the Manager, which writes the change set and
// then posts a merge to every other Thread.
//
// ARCHITECTURE:
//
// Confinement:
// Every task receives its own *Context handle over the Thread's working set,
// revoked when the task returns. A handle used outside its task panics with
// ErrNotConfined, even while a later task is running. Entities are usable
// only while some task runs on their Thread. Entity.ID is the one exception,
// so identities can cross Threads.
//
// Commit and Merge:
// 1. Pending changes are validated into a store.ChangeSet
// 2. SignalWillMassUpdate fires when the pending count exceeds the threshold
// 3. store.Store.Write persists the set atomically
// 4. The committing Context reloads from the post-commit snapshots
// 5. A MergeSet is posted to every other Thread and applied there
//
// Steps 3 to 5 hold the Manager's commit lock, so every Thread receives merge
// sets in store sequence order.
//
// A failed write leaves the Context's pending changes untouched.
//
// Merge Policy:
// Remote deletes win. Remote updates overwrite the fields they changed,
// including local uncommitted edits to those fields; other local edits
// survive. This is last-writer-wins per field, not a conflict-free merge.
//
// CRITICAL PATTERNS:
//
// Notification Order:
// Notifications carry a per-Manager sequence number, never a wall-clock
// time. Observers on different Threads compare Seq to order signals.
//
// Deterministic Ordering:
// Fetch results are ordered by their sort keys and then by identity. Change
// sets are built in identity order. Observers run in subscription order.
package engine
