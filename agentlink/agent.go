package agentlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manlab/nodescope-go/scopes"
	"github.com/manlab/nodescope-go/wire"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
)

// Agent maintains one outbound link to a console and serves list and read
// requests from its local scope service. It reconnects with exponential
// backoff until its context ends.
type Agent struct {
	endpoint string
	token    string
	subject  string
	name     string
	svc      *scopes.Service

	log           *slog.Logger
	dialer        *websocket.Dialer
	minBackoff    time.Duration
	maxBackoff    time.Duration
	maxFrameBytes int64
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentLogger sets the logger for connection lifecycle events.
func WithAgentLogger(log *slog.Logger) AgentOption {
	return func(ag *Agent) { ag.log = log }
}

// WithAgentName sets the human-facing label announced to the console.
func WithAgentName(name string) AgentOption {
	return func(ag *Agent) { ag.name = name }
}

// WithReconnectBackoff overrides the reconnect delay bounds.
func WithReconnectBackoff(min, max time.Duration) AgentOption {
	return func(ag *Agent) {
		if min > 0 {
			ag.minBackoff = min
		}
		if max >= ag.minBackoff {
			ag.maxBackoff = max
		}
	}
}

// NewAgent prepares a link to the console's agent endpoint. The endpoint
// accepts http(s) or ws(s) schemes; token is presented as a bearer
// credential on the upgrade request. The agent announces subject and serves
// the kinds svc advertises.
func NewAgent(endpoint, token, subject string, svc *scopes.Service, opts ...AgentOption) (*Agent, error) {
	wsURL, err := normalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("agentlink: token is required")
	}
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("agentlink: subject is required")
	}
	if svc == nil {
		return nil, errors.New("agentlink: scope service is required")
	}
	ag := &Agent{
		endpoint:      wsURL,
		token:         token,
		subject:       subject,
		svc:           svc,
		log:           slog.Default(),
		dialer:        &websocket.Dialer{HandshakeTimeout: writeWait},
		minBackoff:    defaultMinBackoff,
		maxBackoff:    defaultMaxBackoff,
		maxFrameBytes: defaultMaxFrameBytes,
	}
	for _, opt := range opts {
		opt(ag)
	}
	return ag, nil
}

// Run dials the console and serves until ctx ends. Dropped links are redialed
// with exponential backoff; a link that completed its hello resets the delay.
func (ag *Agent) Run(ctx context.Context) error {
	backoff := ag.minBackoff
	for {
		established, err := ag.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			backoff = ag.minBackoff
		}
		ag.log.Warn("agent.link_lost",
			slog.String("err", err.Error()),
			slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, ag.maxBackoff)
	}
}

// serveOnce runs one connection to completion. established reports whether
// the hello was sent, which is the signal to reset reconnect backoff.
func (ag *Agent) serveOnce(ctx context.Context) (established bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+ag.token)

	conn, resp, err := ag.dialer.DialContext(ctx, ag.endpoint, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: status %d: %w", ag.endpoint, resp.StatusCode, err)
		}
		return false, fmt.Errorf("dial %s: %w", ag.endpoint, err)
	}
	defer conn.Close()
	conn.SetReadLimit(ag.maxFrameBytes)

	// Close the socket when ctx ends so the read loop unblocks.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-reqCtx.Done()
		writeClose(conn, websocket.CloseGoingAway, "shutting down")
		conn.Close()
	}()

	var writeMu sync.Mutex
	hello := helloFrame{
		Version: protocolVersion,
		Subject: ag.subject,
		Name:    ag.name,
		Kinds:   kindStrings(ag.svc.Kinds()),
	}
	if err := writeFrame(conn, &writeMu, hello); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}
	ag.log.Info("agent.connected",
		slog.String("endpoint", ag.endpoint),
		slog.String("subject", ag.subject),
		slog.Any("kinds", hello.Kinds))

	// The console pings on a timer; silence past pongWait means it is gone.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var req requestFrame
		if err := decodeFrame(data, &req); err != nil {
			return true, err
		}
		go ag.handle(reqCtx, conn, &writeMu, req)
	}
}

// handle serves one request on its own goroutine so a slow read never stalls
// the link.
func (ag *Agent) handle(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex, req requestFrame) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp := ag.dispatch(ctx, req)
	resp.ID = req.ID
	if err := writeFrame(conn, mu, resp); err != nil {
		ag.log.Warn("agent.respond.fail",
			slog.Uint64("id", req.ID),
			slog.String("err", err.Error()))
	}
}

func (ag *Agent) dispatch(ctx context.Context, req requestFrame) responseFrame {
	src, ok, err := ag.svc.Open(ctx, wire.Kind(req.Kind), req.Root)
	if err != nil {
		return errorResponse(err)
	}
	if !ok {
		return errorResponse(wire.Errorf(wire.CodeFeatureDisabled, "%s scope is not enabled on this node", req.Kind))
	}
	defer src.Close()

	switch req.Op {
	case opList:
		listing, err := src.List(ctx, req.Path, req.MaxEntries)
		if err != nil {
			return errorResponse(err)
		}
		return responseFrame{Entries: listing.Entries, Truncated: listing.Truncated}
	case opRead:
		chunk, err := src.ReadAt(ctx, req.Path, req.Offset, req.Length)
		if err != nil {
			return errorResponse(err)
		}
		return responseFrame{Data: chunk.Data, More: chunk.More}
	default:
		return errorResponse(wire.Errorf(wire.CodeFailure, "unknown link op %d", req.Op))
	}
}

// normalizeEndpoint accepts console URLs in either web or websocket scheme
// and returns the ws(s) form the dialer needs.
func normalizeEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("agentlink: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("agentlink: unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("agentlink: endpoint host is required")
	}
	return u.String(), nil
}
