// Package ir provides the value and identity types shared by every layer of
// confine.
//
// This package imports nothing internal. schema, query, store and engine all
// build on it, which keeps it the foundational layer with no cycles.
//
// Key design constraints:
//   - Value is a sealed interface; every concrete type is comparable so values
//     can key Go maps (dictionary fetches, distinct sets).
//   - Strings are NFC normalised on construction so that in-memory comparison
//     and SQLite BINARY collation agree.
//   - Dates are stored as UTC unix nanoseconds (Time), never as wall-clock text.
//   - ObjectID is the only handle that may cross goroutines; entities may not.
package ir
