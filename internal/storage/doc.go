// Package storage provides the in-memory key-value table used for a
// server's primary and secondary replica roles, and the per-key
// locking primitive that keeps a forwarded write atomic with respect
// to concurrent operations on the same key.
//
// # Store
//
// Store is deliberately narrow: Get, Put, Delete, List, Stats. A
// server holds two independent Store instances, one per replica role;
// Store itself has no notion of which role it is playing or who its
// replication partner is, and does no locking beyond what's needed to
// make its own five operations individually safe.
//
// # KeyLocker
//
// Coordinating a write across two stores (apply locally, then forward
// to the partner, and only report success once both succeed) needs a
// lock that is held across that whole sequence, scoped to one key so
// unrelated keys are never serialized behind it. KeyLocker provides
// exactly that: reference-counted per-key mutexes that are created on
// first use and garbage collected once nobody holds or awaits them.
//
// # Concurrency
//
// MemoryStore copies values in and out on every Get and Put, so no
// caller can observe or corrupt another caller's buffer through a
// shared slice. All exported methods are safe to call from any number
// of goroutines.
package storage
