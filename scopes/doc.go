// Package scopes provides the server-side building blocks of the scoped
// remote access protocol: the Capabilities interface a subject's agent
// implements, the Source abstraction unifying the three resource kinds
// (directory tree, flat log set, terminal stream), and ready-made sources
// over the local filesystem and in-memory stream buffers.
//
// Quick start (local node serving a directory and its own logs):
//
//	svc := scopes.NewService(
//	    scopes.WithFiles(scopes.NewDirOpener("")),
//	    scopes.WithLogs(scopes.NewLogOpener("", "*.log")),
//	)
//	src, ok, err := svc.Open(ctx, wire.KindFiles, "/srv/data")
//	if err != nil || !ok {
//	    // !ok means the kind is not served: callers surface FeatureDisabled.
//	}
//	defer src.Close()
//	listing, err := src.List(ctx, "/", 100)
//
// Sources are cheap to open per request and safe for concurrent use: reads
// are pure, stateless, and offset-addressed. Containment beneath the opened
// root is enforced on every call, including through symlinks.
package scopes
