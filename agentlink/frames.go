package agentlink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/manlab/nodescope-go/wire"
)

// protocolVersion is the link framing version. The console rejects hellos
// announcing any other version; agents and consoles must be upgraded in
// lockstep when it changes.
const protocolVersion = 1

const (
	// writeWait bounds a single frame or control write.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may stay silent before the link is
	// declared dead.
	pongWait = 60 * time.Second
	// pingPeriod must fire before pongWait lapses on the agent side.
	pingPeriod = (pongWait * 9) / 10
	// helloWait bounds the gap between upgrade and the hello frame.
	helloWait = 10 * time.Second
	// requestTimeout bounds one list or read on the agent before it answers
	// with an error.
	requestTimeout = 30 * time.Second

	// defaultMaxFrameBytes caps inbound messages on both ends. Responses
	// carry at most one read chunk, so this only needs to exceed the largest
	// configured per-read byte budget plus framing overhead.
	defaultMaxFrameBytes = 16 << 20
)

// opCode selects the operation a request frame carries.
type opCode uint8

const (
	opList opCode = 1
	opRead opCode = 2
)

// helloFrame is the first message on a link, agent to console. The link
// carries nothing else until the console has accepted it.
type helloFrame struct {
	Version int    `cbor:"v"`
	Subject string `cbor:"subject"`
	// Name is the human-facing label shown on dashboards.
	Name string `cbor:"name,omitempty"`
	// Kinds lists the resource kinds this agent serves. Unknown values are
	// ignored by the console so agents can advertise ahead of it.
	Kinds []string `cbor:"kinds"`
}

// requestFrame is one console-to-agent operation. IDs are allocated by the
// console and echoed verbatim in the matching response.
type requestFrame struct {
	ID         uint64 `cbor:"id"`
	Op         opCode `cbor:"op"`
	Kind       string `cbor:"kind"`
	Root       string `cbor:"root"`
	Path       string `cbor:"path,omitempty"`
	Offset     int64  `cbor:"offset,omitempty"`
	Length     int    `cbor:"length,omitempty"`
	MaxEntries int    `cbor:"maxEntries,omitempty"`
}

// responseFrame is one agent-to-console answer. Exactly one of the result
// fields or Err is meaningful, selected by the op of the request it answers.
type responseFrame struct {
	ID        uint64                `cbor:"id"`
	Entries   []wire.DirectoryEntry `cbor:"entries,omitempty"`
	Truncated bool                  `cbor:"truncated,omitempty"`
	Data      []byte                `cbor:"data,omitempty"`
	More      bool                  `cbor:"more,omitempty"`
	Err       *wire.Error           `cbor:"err,omitempty"`
}

func encodeFrame(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// writeFrame encodes v and writes it as one binary message. mu serializes
// writers; the websocket permits only one concurrent message writer per
// connection.
func writeFrame(conn *websocket.Conn, mu *sync.Mutex, v any) error {
	data, err := encodeFrame(v)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// errorResponse converts a handler error into the Err field of a response.
// Wire errors travel as-is so the console recovers the original code.
func errorResponse(err error) responseFrame {
	var we *wire.Error
	if errors.As(err, &we) {
		return responseFrame{Err: we}
	}
	return responseFrame{Err: wire.Errorf(wire.CodeOf(err), "%s", err.Error())}
}

// validKinds filters an advertised kind list down to protocol-defined kinds,
// preserving order and dropping duplicates.
func validKinds(names []string) []wire.Kind {
	out := make([]wire.Kind, 0, len(names))
	seen := make(map[wire.Kind]struct{}, len(names))
	for _, n := range names {
		k := wire.Kind(n)
		if !wire.IsValidKind(k) {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func kindStrings(kinds []wire.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
