// Nodescope-agent runs on a managed node. It exports configured roots as
// browsable scopes (files, logs, terminal backlog) and maintains an outbound
// link to the console, redialing with backoff when the link drops.
//
// The terminal scope serves the agent's own log output from an in-memory
// ring buffer, so an operator can inspect a node's agent without shell
// access to the node itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"

	"github.com/manlab/nodescope-go/agentlink"
	"github.com/manlab/nodescope-go/scopes"
)

type config struct {
	// Endpoint is the console's agent link URL; http(s) and ws(s) schemes
	// are both accepted. ENV: NODESCOPE_AGENT_ENDPOINT
	Endpoint string `env:"NODESCOPE_AGENT_ENDPOINT,default=http://localhost:8080/agent/v1/link"`
	// Token is the bearer credential presented on the link upgrade.
	Token string `env:"NODESCOPE_AGENT_TOKEN"`
	// Subject identifies this node to the console. Empty uses the hostname.
	Subject string `env:"NODESCOPE_AGENT_SUBJECT"`
	// Name is the human-facing label shown on dashboards.
	Name string `env:"NODESCOPE_AGENT_NAME"`

	// FilesRoot exports a directory tree under the files scope. Empty
	// leaves the scope unadvertised.
	FilesRoot string `env:"NODESCOPE_AGENT_FILES_ROOT"`
	// LogsRoot exports pattern-matched log files under the logs scope.
	LogsRoot    string `env:"NODESCOPE_AGENT_LOGS_ROOT"`
	LogPatterns string `env:"NODESCOPE_AGENT_LOG_PATTERNS,default=*.log"`

	// TerminalBufferBytes sizes the ring buffer backing the terminal scope.
	// Zero disables the scope.
	TerminalBufferBytes int `env:"NODESCOPE_AGENT_TERMINAL_BUFFER,default=1048576"`

	LogFormat string `env:"NODESCOPE_AGENT_LOG_FORMAT,default=text"`
	LogLevel  string `env:"NODESCOPE_AGENT_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nodescope-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("read environment: %w", err)
	}

	flags := pflag.NewFlagSet("nodescope-agent", pflag.ContinueOnError)
	flags.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "console agent link URL")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer credential for the link")
	flags.StringVar(&cfg.Subject, "subject", cfg.Subject, "subject announced to the console")
	flags.StringVar(&cfg.Name, "name", cfg.Name, "human-facing node label")
	flags.StringVar(&cfg.FilesRoot, "files-root", cfg.FilesRoot, "directory exported under the files scope")
	flags.StringVar(&cfg.LogsRoot, "logs-root", cfg.LogsRoot, "directory exported under the logs scope")
	flags.StringVar(&cfg.LogPatterns, "log-patterns", cfg.LogPatterns, "comma-separated glob patterns for the logs scope")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	subject := cfg.Subject
	if subject == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no subject configured and hostname unavailable: %w", err)
		}
		subject = hostname
	}

	var svcOpts []scopes.ServiceOption
	var logSink io.Writer = os.Stderr
	if cfg.TerminalBufferBytes > 0 {
		buf := scopes.NewStreamBuffer(cfg.TerminalBufferBytes)
		svcOpts = append(svcOpts, scopes.WithTerminal(scopes.NewStreamOpener(buf)))
		logSink = io.MultiWriter(os.Stderr, buf)
	}

	log, err := newLogger(logSink, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if cfg.FilesRoot != "" {
		svcOpts = append(svcOpts, scopes.WithFiles(scopes.NewDirOpener(cfg.FilesRoot)))
	}
	if cfg.LogsRoot != "" {
		patterns := splitPatterns(cfg.LogPatterns)
		svcOpts = append(svcOpts, scopes.WithLogs(scopes.NewLogOpener(cfg.LogsRoot, patterns...)))
	}
	if len(svcOpts) == 0 {
		return errors.New("nothing to export: configure a files root, a logs root, or a terminal buffer")
	}
	svc := scopes.NewService(svcOpts...)

	agentOpts := []agentlink.AgentOption{agentlink.WithAgentLogger(log)}
	if cfg.Name != "" {
		agentOpts = append(agentOpts, agentlink.WithAgentName(cfg.Name))
	}
	agent, err := agentlink.NewAgent(cfg.Endpoint, cfg.Token, subject, svc, agentOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("agent.starting",
		slog.String("subject", subject),
		slog.String("endpoint", cfg.Endpoint),
		slog.Any("kinds", svc.Kinds()))
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
}

func splitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
