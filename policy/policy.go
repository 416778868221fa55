// Package policy defines the scope templates that sessions are created from
// and a Store that loads them from YAML, hot-reloading on file change.
//
// A policy names the kind of scope it grants, the root the scope is confined
// to, the per-read byte ceiling, and the session lifetime. Operators edit one
// YAML document; the console validates and clamps it so a typo can never
// mint an unbounded session.
package policy

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/manlab/nodescope-go/wire"
)

// SystemPolicyID is resolved when a session request names no policy.
const SystemPolicyID = "default"

// DocumentVersion is the only document layout this build understands.
const DocumentVersion = 1

// Bounds applied during normalization. Values outside are clamped, not
// rejected, so a permissive document degrades to a safe one.
const (
	DefaultTTL             = 5 * time.Minute
	MinTTL                 = 30 * time.Second
	MaxTTL                 = time.Hour
	DefaultMaxBytesPerRead = 64 * 1024
	MinMaxBytesPerRead     = 1024
	MaxMaxBytesPerRead     = 4 * 1024 * 1024
)

// Duration wraps time.Duration so YAML documents can write "5m" and the
// reflected schema still describes the field usefully.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// JSONSchema customizes the reflected schema for Duration fields.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Go duration string",
		Examples:    []any{"30s", "5m", "1h"},
	}
}

// Policy is one scope template.
type Policy struct {
	// Kind restricts which scope kind the policy can create. Empty allows
	// any kind.
	Kind wire.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// RootPath confines every session created from this policy. Required for
	// files and logs scopes; terminal scopes ignore it.
	RootPath string `json:"rootPath,omitempty" yaml:"rootPath,omitempty"`
	// MaxBytesPerRead caps a single read. Zero selects the default.
	MaxBytesPerRead int `json:"maxBytesPerRead,omitempty" yaml:"maxBytesPerRead,omitempty"`
	// TTL is the session lifetime. Zero selects the default.
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// Document is the root of the operator-edited YAML file.
type Document struct {
	Version  int               `json:"version" yaml:"version"`
	Policies map[string]Policy `json:"policies" yaml:"policies"`
}

// DefaultDocument is used when no policy file is configured. It grants
// nothing beyond what the target agent's own confinement allows.
func DefaultDocument() Document {
	return Document{
		Version: DocumentVersion,
		Policies: map[string]Policy{
			SystemPolicyID: {
				MaxBytesPerRead: DefaultMaxBytesPerRead,
				TTL:             Duration(DefaultTTL),
			},
		},
	}
}

// normalize fills defaults and clamps out-of-range values in place.
func (p *Policy) normalize() {
	if p.MaxBytesPerRead <= 0 {
		p.MaxBytesPerRead = DefaultMaxBytesPerRead
	}
	if p.MaxBytesPerRead < MinMaxBytesPerRead {
		p.MaxBytesPerRead = MinMaxBytesPerRead
	}
	if p.MaxBytesPerRead > MaxMaxBytesPerRead {
		p.MaxBytesPerRead = MaxMaxBytesPerRead
	}
	if p.TTL <= 0 {
		p.TTL = Duration(DefaultTTL)
	}
	if p.TTL.Std() < MinTTL {
		p.TTL = Duration(MinTTL)
	}
	if p.TTL.Std() > MaxTTL {
		p.TTL = Duration(MaxTTL)
	}
}

func (p Policy) validate(id string) error {
	if p.Kind != "" && !wire.IsValidKind(p.Kind) {
		return fmt.Errorf("policy %q: unknown kind %q", id, p.Kind)
	}
	if p.RootPath != "" && !filepath.IsAbs(p.RootPath) {
		return fmt.Errorf("policy %q: rootPath must be absolute, got %q", id, p.RootPath)
	}
	switch p.Kind {
	case wire.KindFiles, wire.KindLogs:
		if p.RootPath == "" {
			return fmt.Errorf("policy %q: rootPath is required for kind %q", id, p.Kind)
		}
	}
	return nil
}

// Normalize validates the document and applies defaults and clamps to every
// policy. It returns the first validation error encountered.
func (doc *Document) Normalize() error {
	if doc.Version == 0 {
		doc.Version = DocumentVersion
	}
	if doc.Version != DocumentVersion {
		return fmt.Errorf("unsupported policy document version %d", doc.Version)
	}
	if doc.Policies == nil {
		doc.Policies = make(map[string]Policy)
	}
	for id, p := range doc.Policies {
		if id == "" {
			return fmt.Errorf("policy IDs must be non-empty")
		}
		if err := p.validate(id); err != nil {
			return err
		}
		p.normalize()
		doc.Policies[id] = p
	}
	if _, ok := doc.Policies[SystemPolicyID]; !ok {
		def := DefaultDocument().Policies[SystemPolicyID]
		doc.Policies[SystemPolicyID] = def
	}
	return nil
}

// Schema reflects the document layout so operators can validate their YAML
// before deploying it.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(Document))
}
