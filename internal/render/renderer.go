package render

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// DefaultMaxDepth bounds recursive tree walks, per spec.md §4.2.
const DefaultMaxDepth = 8

var placeholderRe = regexp.MustCompile(`\$\{input:([^}]+)\}`)

// Renderer walks JSON-shaped values (map[string]any, []any, string, or
// scalars) substituting ${input:ID} placeholders with values resolved by a
// Resolver.
type Renderer struct {
	resolver *Resolver
	maxDepth int
	logger   *slog.Logger
}

// NewRenderer builds a Renderer. A nil logger falls back to slog.Default.
func NewRenderer(resolver *Resolver, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{resolver: resolver, maxDepth: DefaultMaxDepth, logger: logger}
}

// Render walks value and returns a new tree with every resolvable
// placeholder substituted. Rendering never fails the overall operation:
// unresolved placeholders and depth overruns are left in place and logged.
func (r *Renderer) Render(ctx context.Context, value any) any {
	return r.render(ctx, value, 0)
}

func (r *Renderer) render(ctx context.Context, value any, depth int) any {
	if depth >= r.maxDepth {
		r.logger.Warn("render: max recursion depth exceeded, returning subtree unchanged",
			"max_depth", r.maxDepth)
		return value
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = r.render(ctx, child, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = r.render(ctx, child, depth+1)
		}
		return out
	case string:
		return r.renderString(ctx, v)
	default:
		return value
	}
}

func (r *Renderer) renderString(ctx context.Context, s string) any {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}

	// A string that is entirely a single placeholder preserves the
	// resolved value's native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		id := s[matches[0][2]:matches[0][3]]
		val, err := r.resolver.Resolve(ctx, id)
		if err != nil {
			r.logger.Warn("render: unresolved placeholder, left in place", "id", id, "error", err)
			return s
		}
		return val
	}

	// Mixed literal/placeholder strings are concatenated as strings.
	var out []byte
	last := 0
	for _, m := range matches {
		start, end, idStart, idEnd := m[0], m[1], m[2], m[3]
		out = append(out, s[last:start]...)
		id := s[idStart:idEnd]
		val, err := r.resolver.Resolve(ctx, id)
		if err != nil {
			r.logger.Warn("render: unresolved placeholder, left in place", "id", id, "error", err)
			out = append(out, s[start:end]...)
		} else {
			out = append(out, []byte(fmt.Sprintf("%v", val))...)
		}
		last = end
	}
	out = append(out, s[last:]...)
	return string(out)
}
