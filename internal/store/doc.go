// Package store defines the persistent store capability used by contexts.
//
// A Store holds committed records: a typed attribute document plus
// relationship references per record, keyed by ir.ObjectID. It never sees
// uncommitted state. Writes are atomic per ChangeSet and stamp every touched
// record with a new logical sequence number.
//
// # Implementations
//
//   - store/sqlite: the durable store, one SQLite file per model
//   - store/memory: an in-process store for tests and ephemeral use
//
// # Write Semantics
//
// Updates carry only the attributes and relationships that changed. The
// store applies them to the stored record, so concurrent commits touching
// different fields of one record both survive, and the last commit wins a
// field both touched. Write returns the full post-commit snapshot of every
// updated record, which is what other contexts merge.
//
// Updates and deletes of records that no longer exist are skipped and
// reported in WriteResult.Missing.
//
// # Query Pushdown
//
// Read filters, sorts and limits in the store. Count, Aggregate and
// Distinct are optional capabilities (Counter, Aggregator, Distincter); the
// engine computes them itself for stores that lack them.
package store
