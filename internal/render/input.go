// Package render resolves ${input:ID} placeholders inside arbitrary
// JSON-shaped config trees, backed by a pluggable set of Input Definitions.
package render

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// InputKind tags the variant of an Input Definition.
type InputKind string

const (
	InputPromptString InputKind = "promptString"
	InputPickString   InputKind = "pickString"
	InputCommand      InputKind = "command"
)

// InputDef is a tagged union mirroring spec.md §3's Input Definition.
type InputDef struct {
	Kind        InputKind `yaml:"type" json:"type"`
	ID          string    `yaml:"id" json:"id"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Default     string    `yaml:"default" json:"default,omitempty"`
	Password    bool      `yaml:"password" json:"password,omitempty"`     // promptString only
	Options     []string  `yaml:"options" json:"options,omitempty"`       // pickString only
	Command     string    `yaml:"command" json:"command,omitempty"`       // command only
}

// IOSurface is the user-supplied I/O seam the Resolver calls into. The
// interactive terminal implementation of this interface is an out-of-scope
// external collaborator (spec.md §1); this core only ships test doubles and
// a non-interactive, environment-variable-backed implementation below.
type IOSurface interface {
	PromptString(ctx context.Context, def InputDef) (string, error)
	PickString(ctx context.Context, def InputDef) (string, error)
	RunCommand(ctx context.Context, def InputDef) (string, error)
}

// EnvIOSurface resolves every input from an environment variable named
// "A2C_INPUT_<ID>" (uppercased), falling back to the definition's default.
// It never prompts, making it suitable for headless Computers.
type EnvIOSurface struct{}

func (EnvIOSurface) PromptString(_ context.Context, def InputDef) (string, error) {
	return envOrDefault(def)
}

func (EnvIOSurface) PickString(_ context.Context, def InputDef) (string, error) {
	return envOrDefault(def)
}

func (EnvIOSurface) RunCommand(_ context.Context, def InputDef) (string, error) {
	return envOrDefault(def)
}

func envOrDefault(def InputDef) (string, error) {
	key := "A2C_INPUT_" + strings.ToUpper(def.ID)
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	if def.Default != "" {
		return def.Default, nil
	}
	return "", fmt.Errorf("render: no value available for input %q", def.ID)
}

// Resolver resolves Input Definitions by ID, caching results until
// invalidated.
type Resolver struct {
	defs    map[string]InputDef
	surface IOSurface
	cache   map[string]any
}

// NewResolver builds a Resolver over the given definitions.
func NewResolver(defs []InputDef, surface IOSurface) *Resolver {
	m := make(map[string]InputDef, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &Resolver{defs: m, surface: surface, cache: make(map[string]any)}
}

// SetDefinitions replaces the definition set and clears the entire cache,
// per spec.md §4.2's "cache is invalidated on definition update (full
// clear)".
func (r *Resolver) SetDefinitions(defs []InputDef) {
	m := make(map[string]InputDef, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	r.defs = m
	r.cache = make(map[string]any)
}

// InvalidateKey clears a single cached value, leaving the rest intact.
func (r *Resolver) InvalidateKey(id string) {
	delete(r.cache, id)
}

// Definitions returns every Input Definition currently installed, in no
// particular order. Used by client:get_config to serialize the computer's
// configured inputs onto the wire.
func (r *Resolver) Definitions() []InputDef {
	out := make([]InputDef, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// Resolve returns the native value for a placeholder ID, consulting the
// cache first.
func (r *Resolver) Resolve(ctx context.Context, id string) (any, error) {
	if v, ok := r.cache[id]; ok {
		return v, nil
	}

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("render: unknown input %q", id)
	}

	var (
		value string
		err   error
	)
	switch def.Kind {
	case InputPromptString:
		value, err = r.surface.PromptString(ctx, def)
	case InputPickString:
		value, err = r.surface.PickString(ctx, def)
	case InputCommand:
		value, err = r.surface.RunCommand(ctx, def)
	default:
		err = fmt.Errorf("render: unknown input kind %q for %q", def.Kind, id)
	}
	if err != nil {
		return nil, err
	}

	r.cache[id] = value
	return value, nil
}
