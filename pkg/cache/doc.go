// Package cache implements the reactive data cache: Entries hold the result
// of a keyed read and drive a retry.Retryer over the caller's fetch function,
// the Cache owns the fingerprint to Entry table, Tasks run writes, and the
// TaskCache serializes Tasks that share a scope.
//
// Every Entry and Task serializes its own state transitions behind a mutex.
// Listeners, observers and hooks are always invoked after that mutex has
// been released, and an entity never holds its own lock while calling into
// the table that owns it.
package cache
