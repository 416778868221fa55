// Package consolehttp implements the operator-facing console API. It mounts
// as a standard net/http handler and serves session issuance, scoped listing
// and chunked reads, the node dashboard, a live node event stream
// (Server-Sent Events), and policy introspection.
//
// Responsibilities
//   - Session issuance and teardown (via the engine and its session host)
//   - Authentication (pluggable auth.Authenticator; OIDC or pre-shared token)
//   - Error translation (protocol error codes onto HTTP statuses)
//   - Node event fan-out over SSE with keepalive frames
//
// Construction
//
//	h, err := consolehttp.New(
//	    "https://console.example", // public endpoint base
//	    eng,                       // *engine.Engine
//	    nodes,                     // *registry.Registry
//	    policies,                  // *policy.Store
//	    authenticator,             // auth.Authenticator
//	)
//
// # Routes
//
//	POST   /api/v1/nodes/{subject}/sessions   issue a session
//	GET    /api/v1/sessions/{session}/entries list a directory
//	GET    /api/v1/sessions/{session}/content read a chunk
//	DELETE /api/v1/sessions/{session}         close a session
//	GET    /api/v1/nodes                      node dashboard snapshot
//	GET    /api/v1/events                     node lifecycle events (SSE)
//	GET    /api/v1/schema/policy              policy document JSON schema
//	GET    /api/v1/policies                   active policy document
//
// The {session} path segment is the opaque session ID returned at issuance.
// Chunk content travels base64-encoded inside the JSON body; offsets and
// truncation signals are the protocol's, unchanged by the transport.
//
// # Error Handling
//
// Protocol errors serialize as {"error":{"code","message"}} with the status
// mapping: not_found 404, offline 503, unreachable 502, feature_disabled 501,
// session_expired 410, failure 400. Authentication failures surface a
// WWW-Authenticate challenge per RFC 6750.
//
// # Scaling
//
// Horizontal scale relies on a shared session host and self-verifying session
// IDs: any replica can serve any session without sticky routing. The event
// stream is per-replica; clients reconnect and refresh the dashboard snapshot.
//
// Protected Resource Metadata
//
// When the authenticator advertises a security configuration (or one is set
// explicitly), the handler exposes /.well-known/oauth-protected-resource per
// RFC 9728 so clients can bootstrap without out-of-band configuration.
package consolehttp
