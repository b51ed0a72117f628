// Package session tracks connected ballot participants.
//
// A Session is created for every accepted channel and keyed by a random,
// connection-scoped handle. A participant may later claim an identifier by
// sending it with any message; the first claim sticks for the lifetime of
// the session and is trusted as presented.
//
// # Liveness
//
// The Registry runs a periodic sweep. Each session is judged by its idle
// time since the last well-formed inbound message:
//
//   - admin sessions are never evicted
//   - identified sessions are kept while idle < Liveness.NamedTimeout
//   - anonymous sessions are kept while idle < Liveness.AnonymousTimeout
//
// Evictions happen in one locked pass. The evicted channels are closed
// after the lock is released and the eviction callback runs exactly once
// per sweep that removed anything.
//
// # Locking
//
// The registry lock is always taken before a session's own lock.
// Sessions returns a copy so callers can iterate without holding either.
package session
