package agentlink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manlab/nodescope-go/scopes"
	"github.com/manlab/nodescope-go/wire"
)

// link is the console-side half of one agent connection. It matches
// responses to in-flight requests by ID and fails every waiter when the
// connection drops.
type link struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	nextID  uint64

	closed atomic.Bool
}

type pendingCall struct {
	respCh chan responseFrame
	errCh  chan error
}

func newLink(conn *websocket.Conn, log *slog.Logger) *link {
	return &link{
		conn:    conn,
		log:     log,
		pending: make(map[uint64]*pendingCall),
	}
}

// call sends one request and waits for its response, the link failing, or
// ctx ending. Link failures surface as unreachable so callers can
// distinguish a dead agent from an agent that answered with an error.
func (l *link) call(ctx context.Context, req requestFrame) (responseFrame, error) {
	if l.closed.Load() {
		return responseFrame{}, wire.Errorf(wire.CodeUnreachable, "agent link closed")
	}

	id := atomic.AddUint64(&l.nextID, 1)
	req.ID = id

	pc := &pendingCall{
		respCh: make(chan responseFrame, 1),
		errCh:  make(chan error, 1),
	}
	l.mu.Lock()
	l.pending[id] = pc
	l.mu.Unlock()

	if err := writeFrame(l.conn, &l.writeMu, req); err != nil {
		l.forget(id)
		return responseFrame{}, wire.Errorf(wire.CodeUnreachable, "agent link write: %v", err)
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return responseFrame{}, err
	case <-ctx.Done():
		l.forget(id)
		return responseFrame{}, ctx.Err()
	}
}

func (l *link) forget(id uint64) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// deliver routes a response to its waiter. Responses for abandoned calls are
// dropped; the waiter gave up via its context.
func (l *link) deliver(resp responseFrame) {
	l.mu.Lock()
	pc, ok := l.pending[resp.ID]
	if ok {
		delete(l.pending, resp.ID)
	}
	l.mu.Unlock()
	if !ok {
		l.log.Debug("agentlink.response.orphaned", slog.Uint64("id", resp.ID))
		return
	}
	pc.respCh <- resp
}

// readLoop consumes response frames until the connection fails. It owns the
// read deadline: the agent must answer pings within pongWait.
func (l *link) readLoop() error {
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		var resp responseFrame
		if err := decodeFrame(data, &resp); err != nil {
			return err
		}
		l.deliver(resp)
	}
}

// pingLoop keeps the agent's read deadline fresh. WriteControl is safe
// alongside writeFrame's data writes.
func (l *link) pingLoop(done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// close tears the link down once and fails every pending call. Calls racing
// past the closed check fail on their write instead.
func (l *link) close(cause error) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	werr := wire.Errorf(wire.CodeUnreachable, "agent link closed")
	if cause != nil {
		werr = wire.Errorf(wire.CodeUnreachable, "agent link lost: %v", cause)
	}
	l.conn.Close()

	l.mu.Lock()
	pending := l.pending
	l.pending = make(map[uint64]*pendingCall)
	l.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- werr
	}
}

// nodeClient is the capability surface the console registers for one
// connected agent. Open answers from the advertised kind set without
// touching the agent; only List and ReadAt cross the link.
type nodeClient struct {
	link  *link
	kinds map[wire.Kind]struct{}
}

var _ scopes.Capabilities = (*nodeClient)(nil)

func newNodeClient(l *link, kinds []wire.Kind) *nodeClient {
	set := make(map[wire.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &nodeClient{link: l, kinds: set}
}

// Open implements scopes.Capabilities.
func (n *nodeClient) Open(ctx context.Context, kind wire.Kind, root string) (scopes.Source, bool, error) {
	if _, ok := n.kinds[kind]; !ok {
		return nil, false, nil
	}
	return &remoteSource{link: n.link, kind: kind, root: root}, true, nil
}

// remoteSource proxies one (kind, root) pair over the link. It holds no
// agent-side state: the agent opens and closes its local source per request.
type remoteSource struct {
	link *link
	kind wire.Kind
	root string
}

var _ scopes.Source = (*remoteSource)(nil)

// List implements scopes.Source.
func (s *remoteSource) List(ctx context.Context, path string, maxEntries int) (scopes.Listing, error) {
	resp, err := s.link.call(ctx, requestFrame{
		Op:         opList,
		Kind:       string(s.kind),
		Root:       s.root,
		Path:       path,
		MaxEntries: maxEntries,
	})
	if err != nil {
		return scopes.Listing{}, err
	}
	if resp.Err != nil {
		return scopes.Listing{}, resp.Err
	}
	return scopes.Listing{Entries: resp.Entries, Truncated: resp.Truncated}, nil
}

// ReadAt implements scopes.Source.
func (s *remoteSource) ReadAt(ctx context.Context, path string, offset int64, length int) (scopes.Chunk, error) {
	resp, err := s.link.call(ctx, requestFrame{
		Op:     opRead,
		Kind:   string(s.kind),
		Root:   s.root,
		Path:   path,
		Offset: offset,
		Length: length,
	})
	if err != nil {
		return scopes.Chunk{}, err
	}
	if resp.Err != nil {
		return scopes.Chunk{}, resp.Err
	}
	return scopes.Chunk{Data: resp.Data, More: resp.More}, nil
}

// Close implements scopes.Source.
func (s *remoteSource) Close() error { return nil }
