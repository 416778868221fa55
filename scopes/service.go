package scopes

import (
	"context"
	"sort"

	"github.com/manlab/nodescope-go/wire"
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// Service is a static Capabilities container assembled from per-kind
// openers. It is what a node agent (or an in-process local node) registers
// as its serving surface.
type Service struct {
	openers map[wire.Kind]Opener
}

var _ Capabilities = (*Service)(nil)

// NewService builds a Capabilities container using functional options. Kinds
// without an opener are reported as unsupported, which callers surface as
// FeatureDisabled.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{openers: make(map[wire.Kind]Opener)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithFiles serves the hierarchical files kind through o.
func WithFiles(o Opener) ServiceOption {
	return func(s *Service) { s.openers[wire.KindFiles] = o }
}

// WithLogs serves the flat logs kind through o.
func WithLogs(o Opener) ServiceOption {
	return func(s *Service) { s.openers[wire.KindLogs] = o }
}

// WithTerminal serves the terminal stream kind through o.
func WithTerminal(o Opener) ServiceOption {
	return func(s *Service) { s.openers[wire.KindTerminal] = o }
}

// WithOpener serves an arbitrary kind through o. It is the generic form of
// the per-kind options above.
func WithOpener(kind wire.Kind, o Opener) ServiceOption {
	return func(s *Service) { s.openers[kind] = o }
}

// Open implements Capabilities.
func (s *Service) Open(ctx context.Context, kind wire.Kind, root string) (Source, bool, error) {
	o, ok := s.openers[kind]
	if !ok || o == nil {
		return nil, false, nil
	}
	src, err := o.Open(ctx, root)
	if err != nil {
		return nil, true, err
	}
	return src, true, nil
}

// Kinds returns the kinds this service advertises, sorted for stable
// announcement on the agent link.
func (s *Service) Kinds() []wire.Kind {
	out := make([]wire.Kind, 0, len(s.openers))
	for k := range s.openers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
