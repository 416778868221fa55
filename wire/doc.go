// Package wire contains the protocol data types and error taxonomy shared by
// every nodescope transport and component. It mirrors the JSON wire
// representation of the scoped remote access protocol while keeping the
// surface Go-friendly (exported structs with json tags, string constants for
// enumerations, helper validation functions).
//
// The package is intentionally free of transport logic: the console HTTP
// surface, the agent link, and the client SDK all import these types but
// implement their own framing, authentication and session handling.
//
// # Chunk encoding
//
// ReadResult carries chunk bytes base64-encoded because the console surface
// is JSON. The base64 layer is a transport accommodation, not a protocol
// essential: the agent link transmits the same chunks as raw bytes.
//
// # Errors
//
// Error is the single cross-transport failure shape. Its Code field drives
// client behavior (retry, re-issue, stop); the sentinel values (ErrNotFound,
// ErrSessionExpired, ...) support errors.Is matching without losing the
// server-provided message text.
package wire
