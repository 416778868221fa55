// Package memoryhost provides an in-memory sessions.Host implementation
// suitable for tests, development, and single-process consoles. All state is
// ephemeral and discarded on process exit. Records are held in a map guarded
// by a mutex; expiry is enforced lazily on Get and eagerly by an optional
// background sweep.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Expiry            : lazy on Get, periodic via Run
//	Concurrency       : safe (RWMutex)
//
// Example:
//
//	host := memoryhost.New()
//	go host.Run(ctx)
//
// For multi-replica console deployments prefer a shared host like redishost.
package memoryhost
