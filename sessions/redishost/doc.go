// Package redishost implements sessions.Host on Redis so that session
// records survive console restarts and are visible to every replica behind a
// load balancer. Records are stored as JSON blobs under a prefixed key with
// SET ... EX carrying the session TTL; Redis evicts lapsed records without
// any sweeper on our side.
//
// Characteristics
//
//	Durability        : Redis persistence settings apply
//	Horizontal scale  : yes (any replica can serve any session)
//	Expiry            : native key TTL
//	Concurrency       : safe (go-redis client is goroutine safe)
//
// Example:
//
//	host, _ := redishost.NewFromEnv()
//	defer host.Close()
//
// Use memoryhost for ephemeral development; use redishost where scale-out or
// restart persistence is required.
package redishost
