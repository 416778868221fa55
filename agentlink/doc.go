// Package agentlink carries the console-to-node control channel.
//
// Agents dial the console's agent endpoint over a websocket, present a
// bearer credential, and announce their subject and served resource kinds in
// a hello frame. The console registers the subject for the life of the
// connection and proxies list and read operations across the link as
// CBOR-encoded request/response frames matched by ID.
//
// The two halves are:
//
//   - [Acceptor], an http.Handler the console mounts on its agent endpoint.
//     Each accepted link registers a [scopes.Capabilities] implementation
//     with the node registry, so the session engine reaches connected nodes
//     the same way it reaches in-process ones.
//
//   - [Agent], the node-side loop. It serves requests from a local
//     [scopes.Service] and redials with exponential backoff whenever the
//     link drops.
//
// Liveness is enforced with websocket pings from the console; either side
// declares the link dead after a minute of silence. In-flight calls on a
// dead link fail as unreachable, which callers surface distinctly from
// errors the agent itself reported.
package agentlink
