// Package sessions defines the durable representation of a scoped browsing
// session and the Host interface that persists it.
//
// A Record is written once when the engine activates a session and is never
// mutated afterwards: renewing a session means creating a new one. Hosts
// store records under their session ID with a TTL matching the record's
// expiry, and stop returning a record once that TTL has passed. Callers must
// still compare Record.ExpiresAt against their own clock; TTL precision is a
// property of the host implementation, not a contract.
//
// Two implementations ship with this module: memoryhost (single process) and
// redishost (shared across console replicas).
package sessions
