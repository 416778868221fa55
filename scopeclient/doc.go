// Package scopeclient is the operator-side SDK for the console API: session
// issuance, scoped listing and reads, content reassembly, and the local
// bookkeeping the protocol expects a well-behaved client to keep.
//
// # Sessions and errors
//
// [Client] wraps the REST surface. Protocol failures are *wire.Error values,
// so call sites branch with errors.Is against the wire sentinels:
//
//	sess, err := c.CreateSession(ctx, "node-7", wire.CreateSessionRequest{
//		Kind:     wire.KindFiles,
//		PolicyID: "exports",
//	})
//	if errors.Is(err, wire.ErrFeatureDisabled) {
//		// the agent never advertised this capability; stop retrying
//	}
//
// Sessions are immutable and expire on a fixed schedule with no renewal. The
// [Monitor] owns that countdown: it publishes a display string every second
// while the session lives and discards the session the instant it lapses, so
// stale handles are never silently retried.
//
// # Reading content
//
// [Client.Fetch] and [Client.FetchTo] run the reassembly loop: sequential
// reads at ascending offsets, each requesting the session's full per-read
// budget, until the server reports the end of content. The loop refuses to
// run forever against a misbehaving server: an empty chunk promising more
// data, or crossing the iteration cap, fails the read as a protocol
// violation. [Client.Preview] instead issues exactly one bounded read so a
// large file never gets pulled into memory just for display.
//
// [Downloads] queues whole-file and zip-bundle transfers through one
// sequential worker with progress counters; partial output is discarded on
// failure or cancellation, never left at the destination.
//
// # Reacting to the fleet
//
// [Client.Events] consumes the console's SSE stream of node lifecycle
// events. [AutoOpener] builds on it to reopen a session whenever a subject
// comes online, with a feature_disabled latch so a server that will never
// satisfy the request is not hammered on every reconnect.
package scopeclient
