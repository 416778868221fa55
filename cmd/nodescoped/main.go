// Nodescoped is the fleet console daemon. It terminates agent links, issues
// scoped browsing sessions against connected nodes, and serves the operator
// REST/SSE surface plus Prometheus metrics.
//
// Configuration comes from the environment (NODESCOPE_* variables); the
// flags below override individual settings for local runs.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/manlab/nodescope-go/agentlink"
	"github.com/manlab/nodescope-go/auth"
	"github.com/manlab/nodescope-go/consolehttp"
	"github.com/manlab/nodescope-go/internal/engine"
	"github.com/manlab/nodescope-go/internal/sesstoken"
	"github.com/manlab/nodescope-go/metrics"
	"github.com/manlab/nodescope-go/policy"
	"github.com/manlab/nodescope-go/registry"
	"github.com/manlab/nodescope-go/sessions"
	"github.com/manlab/nodescope-go/sessions/memoryhost"
	"github.com/manlab/nodescope-go/sessions/redishost"
)

type config struct {
	// Addr is the listen address. ENV: NODESCOPE_ADDR
	Addr string `env:"NODESCOPE_ADDR,default=:8080"`
	// PublicEndpoint is the externally visible base URL. Empty derives
	// http://localhost<addr> for local runs. ENV: NODESCOPE_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"NODESCOPE_PUBLIC_ENDPOINT"`
	ServerName     string `env:"NODESCOPE_SERVER_NAME,default=nodescope"`

	// PolicyFile points at the YAML scope policy document; it is
	// hot-reloaded on change. Empty serves the built-in system policy only.
	PolicyFile string `env:"NODESCOPE_POLICY_FILE"`

	// SessionStore selects "memory" or "redis". Redis reads REDIS_ADDR.
	SessionStore string `env:"NODESCOPE_SESSION_STORE,default=memory"`

	// TokenSeed is a hex-encoded 32-byte Ed25519 seed shared across console
	// replicas so each verifies the others' session tokens. Empty generates
	// an ephemeral key; sessions then do not survive a restart.
	TokenSeed string `env:"NODESCOPE_TOKEN_SEED"`

	// AuthToken is the static operator bearer credential. Ignored when OIDC
	// discovery is configured.
	AuthToken    string `env:"NODESCOPE_AUTH_TOKEN"`
	OIDCIssuer   string `env:"NODESCOPE_OIDC_ISSUER"`
	OIDCAudience string `env:"NODESCOPE_OIDC_AUDIENCE"`

	// AgentToken is the bearer credential node agents present on the link
	// upgrade. SubjectBinding requires each agent's principal to equal the
	// subject it announces.
	AgentToken     string `env:"NODESCOPE_AGENT_TOKEN"`
	SubjectBinding bool   `env:"NODESCOPE_AGENT_SUBJECT_BINDING,default=false"`

	LogFormat string `env:"NODESCOPE_LOG_FORMAT,default=text"`
	LogLevel  string `env:"NODESCOPE_LOG_LEVEL,default=info"`

	ShutdownGrace time.Duration `env:"NODESCOPE_SHUTDOWN_GRACE,default=10s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nodescoped: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("read environment: %w", err)
	}

	flags := pflag.NewFlagSet("nodescoped", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringVar(&cfg.PublicEndpoint, "public-endpoint", cfg.PublicEndpoint, "externally visible base URL")
	flags.StringVar(&cfg.PolicyFile, "policy-file", cfg.PolicyFile, "scope policy YAML file")
	flags.StringVar(&cfg.SessionStore, "session-store", cfg.SessionStore, "session store: memory or redis")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyring, err := newKeyring(cfg.TokenSeed)
	if err != nil {
		return err
	}

	policies, err := newPolicyStore(cfg.PolicyFile, log)
	if err != nil {
		return err
	}

	nodes := registry.New(registry.WithLogger(log))

	host, closeHost, err := newSessionHost(ctx, cfg.SessionStore)
	if err != nil {
		return err
	}
	defer closeHost()

	promReg := prometheus.NewRegistry()
	sink := metrics.New(promReg)
	metrics.RegisterNodeGauges(promReg,
		func() int { return countNodes(nodes, true) },
		func() int { return countNodes(nodes, false) },
	)
	httpMetrics := metrics.NewHTTPMetrics(promReg)

	eng := engine.New(host, nodes, policies, keyring,
		engine.WithLogger(log),
		engine.WithMetrics(sink),
	)

	authenticator, err := newAuthenticator(ctx, &cfg)
	if err != nil {
		return err
	}

	publicEndpoint := cfg.PublicEndpoint
	if publicEndpoint == "" {
		publicEndpoint = "http://localhost" + cfg.Addr
	}
	console, err := consolehttp.New(publicEndpoint, eng, nodes, policies, authenticator,
		consolehttp.WithServerName(cfg.ServerName),
		consolehttp.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("build console handler: %w", err)
	}

	agentAuth, err := auth.NewStaticToken(cfg.AgentToken, "agent")
	if err != nil {
		return fmt.Errorf("agent link auth: %w (set NODESCOPE_AGENT_TOKEN)", err)
	}
	acceptorOpts := []agentlink.AcceptorOption{agentlink.WithAcceptorLogger(log)}
	if cfg.SubjectBinding {
		acceptorOpts = append(acceptorOpts, agentlink.WithSubjectBinding())
	}
	acceptor, err := agentlink.NewAcceptor(nodes, agentAuth, acceptorOpts...)
	if err != nil {
		return fmt.Errorf("build agent acceptor: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /agent/v1/link", acceptor)
	mux.Handle("GET /metrics", metrics.Handler(promReg))
	mux.Handle("/", httpMetrics.Middleware(console))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := policies.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("policy.watch.stopped", slog.String("err", err.Error()))
		}
	}()
	go func() { _ = nodes.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listening",
			slog.String("addr", cfg.Addr),
			slog.String("public_endpoint", publicEndpoint),
			slog.String("session_store", cfg.SessionStore))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown.begin")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.done")
	return nil
}

func countNodes(nodes *registry.Registry, onlineOnly bool) int {
	n := 0
	for _, s := range nodes.Snapshot() {
		if !onlineOnly || s.Online {
			n++
		}
	}
	return n
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
}

func newKeyring(seedHex string) (*sesstoken.Keyring, error) {
	if seedHex == "" {
		return sesstoken.NewEphemeralKeyring()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("NODESCOPE_TOKEN_SEED: %w", err)
	}
	return sesstoken.NewKeyringFromSeed("seed", seed)
}

func newPolicyStore(path string, log *slog.Logger) (*policy.Store, error) {
	if path == "" {
		return policy.NewStatic(policy.DefaultDocument(), policy.WithLogger(log))
	}
	return policy.Load(path, policy.WithLogger(log))
}

func newSessionHost(ctx context.Context, kind string) (sessions.Host, func(), error) {
	switch strings.ToLower(kind) {
	case "memory":
		h := memoryhost.New()
		go func() { _ = h.Run(ctx) }()
		return h, func() {}, nil
	case "redis":
		h, err := redishost.NewFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("redis session host: %w", err)
		}
		return h, func() { _ = h.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("session store %q: want memory or redis", kind)
	}
}

func newAuthenticator(ctx context.Context, cfg *config) (auth.Authenticator, error) {
	if cfg.OIDCIssuer != "" {
		audience := cfg.OIDCAudience
		if audience == "" {
			audience = cfg.PublicEndpoint
		}
		if audience == "" {
			return nil, errors.New("OIDC auth needs NODESCOPE_OIDC_AUDIENCE or NODESCOPE_PUBLIC_ENDPOINT")
		}
		sp, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, audience)
		if err != nil {
			return nil, fmt.Errorf("OIDC discovery: %w", err)
		}
		return sp, nil
	}
	a, err := auth.NewStaticToken(cfg.AuthToken, "operator")
	if err != nil {
		return nil, fmt.Errorf("operator auth: %w (set NODESCOPE_AUTH_TOKEN or configure OIDC)", err)
	}
	return a, nil
}
