// Nodescope is the operator command line for the fleet console. It drives
// the client SDK against a running nodescoped instance.
//
// Usage:
//
//	nodescope [--console URL] [--token TOKEN] <command> [flags] [args]
//
// Commands:
//
//	nodes                      list known nodes and their advertised scopes
//	ls <subject> [path]        list a directory through a scoped session
//	cat <subject> <path>       write a file's content to stdout
//	get <subject> <path>...    download one file, or bundle several into a zip
//	watch                      stream node lifecycle events
//	policies                   print the console's scope policy document
//
// The console URL and token default from NODESCOPE_CONSOLE and
// NODESCOPE_TOKEN.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/manlab/nodescope-go/scopeclient"
	"github.com/manlab/nodescope-go/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nodescope: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	console string
	token   string
}

func run(args []string) error {
	g := globalFlags{
		console: envOr("NODESCOPE_CONSOLE", "http://localhost:8080"),
		token:   os.Getenv("NODESCOPE_TOKEN"),
	}

	flags := pflag.NewFlagSet("nodescope", pflag.ContinueOnError)
	flags.StringVar(&g.console, "console", g.console, "console base URL")
	flags.StringVar(&g.token, "token", g.token, "operator bearer token")
	flags.SetInterspersed(false)
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		return errors.New("missing command (nodes, ls, cat, get, watch, policies)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "nodes":
		return cmdNodes(ctx, g, rest[1:])
	case "ls":
		return cmdLs(ctx, g, rest[1:])
	case "cat":
		return cmdCat(ctx, g, rest[1:])
	case "get":
		return cmdGet(ctx, g, rest[1:])
	case "watch":
		return cmdWatch(ctx, g, rest[1:])
	case "policies":
		return cmdPolicies(ctx, g, rest[1:])
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func newClient(g globalFlags) (*scopeclient.Client, error) {
	// Streaming commands and large fetches outlive the SDK's default
	// request timeout, so the CLI runs with none and relies on ctx.
	return scopeclient.New(g.console,
		scopeclient.WithToken(g.token),
		scopeclient.WithHTTPClient(&http.Client{}),
		scopeclient.WithUserAgent("nodescope-cli"),
	)
}

func cmdNodes(ctx context.Context, g globalFlags, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	client, err := newClient(g)
	if err != nil {
		return err
	}
	list, err := client.Nodes(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "SUBJECT\tNAME\tSCOPES\tSTATE\tLAST SEEN\n")
	for _, n := range list.Nodes {
		state := "offline"
		if n.Online {
			state = "online"
		}
		lastSeen := ""
		if n.LastSeen != nil {
			lastSeen = n.LastSeen.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.Subject, n.Name, joinKinds(n.Features), state, lastSeen)
	}
	return tw.Flush()
}

type sessionFlags struct {
	kind   string
	policy string
}

func addSessionFlags(fs *pflag.FlagSet, sf *sessionFlags) {
	fs.StringVar(&sf.kind, "kind", string(wire.KindFiles), "scope kind: files, logs, or terminal")
	fs.StringVar(&sf.policy, "policy", "", "policy id (empty selects the system policy)")
}

func openSession(ctx context.Context, client *scopeclient.Client, subject string, sf sessionFlags) (wire.Session, error) {
	return client.CreateSession(ctx, subject, wire.CreateSessionRequest{
		Kind:     wire.Kind(sf.kind),
		PolicyID: sf.policy,
	})
}

func closeSession(client *scopeclient.Client, sess wire.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.CloseSession(ctx, sess.SessionID)
}

func cmdLs(ctx context.Context, g globalFlags, args []string) error {
	var sf sessionFlags
	var maxEntries int
	fs := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	addSessionFlags(fs, &sf)
	fs.IntVar(&maxEntries, "max", 0, "entry bound (0 selects the server default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		return errors.New("usage: nodescope ls [flags] <subject> [path]")
	}
	subject := rest[0]
	listPath := "/"
	if len(rest) == 2 {
		listPath = rest[1]
	}

	client, err := newClient(g)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, client, subject, sf)
	if err != nil {
		return err
	}
	defer closeSession(client, sess)

	listing, err := client.List(ctx, sess.SessionID, listPath, maxEntries)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	for _, e := range listing.Entries {
		size := "-"
		if e.Size != nil {
			size = fmt.Sprintf("%d", *e.Size)
		}
		name := path.Base(e.Path)
		if e.IsDirectory {
			name += "/"
		}
		modified := ""
		if e.UpdatedAt != nil {
			modified = e.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", size, modified, name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if listing.Truncated {
		fmt.Fprintln(os.Stderr, "(listing truncated; raise --max to see more)")
	}
	return nil
}

func cmdCat(ctx context.Context, g globalFlags, args []string) error {
	var sf sessionFlags
	var preview int
	fs := pflag.NewFlagSet("cat", pflag.ContinueOnError)
	addSessionFlags(fs, &sf)
	fs.IntVar(&preview, "preview", 0, "read at most N bytes in a single request instead of the full file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 2 {
		return errors.New("usage: nodescope cat [flags] <subject> <path>")
	}

	client, err := newClient(g)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, client, rest[0], sf)
	if err != nil {
		return err
	}
	defer closeSession(client, sess)

	if preview > 0 {
		data, truncated, err := client.Preview(ctx, sess, rest[1], preview)
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
		if truncated {
			fmt.Fprintln(os.Stderr, "(preview truncated; more content remains)")
		}
		return nil
	}
	return client.FetchTo(ctx, os.Stdout, sess, rest[1])
}

func cmdGet(ctx context.Context, g globalFlags, args []string) error {
	var sf sessionFlags
	var dest string
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	addSessionFlags(fs, &sf)
	fs.StringVarP(&dest, "output", "o", "", "destination file (defaults to the basename; zip for multiple paths)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return errors.New("usage: nodescope get [flags] <subject> <path>...")
	}
	subject, paths := rest[0], rest[1:]
	if dest == "" {
		if len(paths) == 1 {
			dest = path.Base(paths[0])
		} else {
			dest = "nodescope-download.zip"
		}
	}

	client, err := newClient(g)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, client, subject, sf)
	if err != nil {
		return err
	}
	defer closeSession(client, sess)

	downloads := scopeclient.NewDownloads(client)
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() { _ = downloads.Run(workerCtx) }()

	id, err := downloads.Enqueue(scopeclient.DownloadRequest{
		Session: sess,
		Paths:   paths,
		Dest:    dest,
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			downloads.Cancel(id)
			return ctx.Err()
		case <-ticker.C:
		}
		item, ok := downloads.Item(id)
		if !ok {
			return errors.New("download vanished from the queue")
		}
		switch item.Status {
		case scopeclient.StatusCompleted:
			fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", item.Dest, item.TransferredBytes)
			return nil
		case scopeclient.StatusFailed:
			return fmt.Errorf("download failed: %s", item.Error)
		case scopeclient.StatusCancelled:
			return errors.New("download cancelled")
		}
	}
}

func cmdWatch(ctx context.Context, g globalFlags, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	client, err := newClient(g)
	if err != nil {
		return err
	}
	err = client.Events(ctx, func(ev wire.NodeEvent) {
		fmt.Printf("%s  %-12s  %s\n", ev.At.Local().Format(time.RFC3339), ev.Type, ev.Subject)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdPolicies(ctx context.Context, g globalFlags, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	client, err := newClient(g)
	if err != nil {
		return err
	}
	doc, err := client.Policies(ctx)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func joinKinds(kinds []wire.Kind) string {
	if len(kinds) == 0 {
		return "-"
	}
	s := ""
	for i, k := range kinds {
		if i > 0 {
			s += ","
		}
		s += string(k)
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
