package agentlink

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manlab/nodescope-go/auth"
	"github.com/manlab/nodescope-go/internal/logctx"
	"github.com/manlab/nodescope-go/registry"
)

// Acceptor terminates inbound agent links. It authenticates the upgrade
// request, consumes the hello frame, and keeps the subject registered for as
// long as the connection lives.
type Acceptor struct {
	log   *slog.Logger
	nodes *registry.Registry
	authn auth.Authenticator

	bindSubject   bool
	maxFrameBytes int64
	upgrader      websocket.Upgrader
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// WithAcceptorLogger sets the logger for link lifecycle events.
func WithAcceptorLogger(log *slog.Logger) AcceptorOption {
	return func(a *Acceptor) { a.log = log }
}

// WithSubjectBinding requires the subject announced in the hello frame to
// match the authenticated principal. Leave it off when a fleet shares one
// deployment token.
func WithSubjectBinding() AcceptorOption {
	return func(a *Acceptor) { a.bindSubject = true }
}

// WithMaxFrameBytes overrides the inbound message size cap. It must exceed
// the largest per-read byte budget any policy grants.
func WithMaxFrameBytes(n int64) AcceptorOption {
	return func(a *Acceptor) {
		if n > 0 {
			a.maxFrameBytes = n
		}
	}
}

// NewAcceptor builds the handler for the agent link endpoint. Agents present
// bearer tokens checked against authn; accepted links register their subject
// with nodes until the connection drops.
func NewAcceptor(nodes *registry.Registry, authn auth.Authenticator, opts ...AcceptorOption) (*Acceptor, error) {
	if nodes == nil {
		return nil, errors.New("agentlink: registry is required")
	}
	if authn == nil {
		return nil, errors.New("agentlink: authenticator is required")
	}
	a := &Acceptor{
		log:           slog.Default(),
		nodes:         nodes,
		authn:         authn,
		maxFrameBytes: defaultMaxFrameBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = slog.New(logctx.Handler{Handler: a.log.Handler()})
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		// Agents are programs, not browsers; origin checks do not apply.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return a, nil
}

var _ http.Handler = (*Acceptor)(nil)

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	user, ok := a.authenticate(w, r)
	if !ok {
		a.log.WarnContext(ctx, "agentlink.auth.fail")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		a.log.WarnContext(ctx, "agentlink.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(a.maxFrameBytes)

	hello, err := readHello(conn)
	if err != nil {
		a.log.WarnContext(ctx, "agentlink.hello.fail", slog.String("err", err.Error()))
		writeClose(conn, websocket.ClosePolicyViolation, "bad hello")
		return
	}
	if a.bindSubject && hello.Subject != user.UserID() {
		a.log.WarnContext(ctx, "agentlink.subject.mismatch",
			slog.String("announced", hello.Subject),
			slog.String("principal", user.UserID()))
		writeClose(conn, websocket.ClosePolicyViolation, "subject does not match credentials")
		return
	}

	kinds := validKinds(hello.Kinds)
	ctx = logctx.WithNodeData(ctx, &logctx.NodeData{Subject: hello.Subject, Name: hello.Name})

	l := newLink(conn, a.log)
	registration := a.nodes.Register(hello.Subject, hello.Name, kinds, newNodeClient(l, kinds))
	a.log.InfoContext(ctx, "agentlink.open", slog.Any("kinds", hello.Kinds))

	done := make(chan struct{})
	go l.pingLoop(done)

	err = l.readLoop()
	close(done)
	registration.Deregister()
	l.close(err)

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.log.InfoContext(ctx, "agentlink.closed")
		return
	}
	a.log.WarnContext(ctx, "agentlink.lost", slog.String("err", err.Error()))
}

// authenticate enforces bearer auth on the upgrade request. Failures are
// answered before the connection is upgraded.
func (a *Acceptor) authenticate(w http.ResponseWriter, r *http.Request) (auth.UserInfo, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "agent link requires a bearer token", http.StatusUnauthorized)
		return nil, false
	}
	user, err := a.authn.CheckAuthentication(r.Context(), strings.TrimSpace(token))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "agent credentials rejected", http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

// readHello consumes and validates the first frame on a fresh link.
func readHello(conn *websocket.Conn) (helloFrame, error) {
	conn.SetReadDeadline(time.Now().Add(helloWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return helloFrame{}, fmt.Errorf("read hello: %w", err)
	}
	var h helloFrame
	if err := decodeFrame(data, &h); err != nil {
		return helloFrame{}, err
	}
	if h.Version != protocolVersion {
		return helloFrame{}, fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	if strings.TrimSpace(h.Subject) == "" {
		return helloFrame{}, errors.New("hello missing subject")
	}
	return h, nil
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
