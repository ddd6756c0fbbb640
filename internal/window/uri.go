// Package window parses and builds window:// resource URIs.
//
// A window URI identifies a desktop-like surface exposed by an MCP server:
//
//	window://<host>[/<seg>...][?priority=N&fullscreen=B]
//
// Segments are percent-encoded on Build and decoded on Parse. Parsing and
// building round-trip: Build(Parse(u)) reparses to the same host, segments,
// priority, and fullscreen.
package window

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the only URI scheme a window resource may use.
const Scheme = "window"

// URI is a parsed window:// identifier.
type URI struct {
	Host       string
	Segments   []string
	Priority   *int
	Fullscreen *bool
}

var truthy = map[string]bool{"true": true, "1": true, "yes": true, "on": true}
var falsy = map[string]bool{"false": true, "0": true, "no": true, "off": true}

// Parse decodes a window:// URI string into its component fields.
func Parse(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("window: parse %q: %w", raw, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("window: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("window: missing host in %q", raw)
	}

	var segs []string
	if trimmed := strings.Trim(u.EscapedPath(), "/"); trimmed != "" {
		for _, s := range strings.Split(trimmed, "/") {
			dec, err := url.PathUnescape(s)
			if err != nil {
				return nil, fmt.Errorf("window: decode segment %q: %w", s, err)
			}
			segs = append(segs, dec)
		}
	}

	out := &URI{Host: u.Host, Segments: segs}

	q := u.Query()
	if raw := q.Get("priority"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			return nil, fmt.Errorf("window: priority %q must be an integer in [0,100]", raw)
		}
		out.Priority = &n
	}
	if raw := q.Get("fullscreen"); raw != "" {
		b, err := parseBool(raw)
		if err != nil {
			return nil, err
		}
		out.Fullscreen = &b
	}

	return out, nil
}

func parseBool(raw string) (bool, error) {
	lower := strings.ToLower(raw)
	if truthy[lower] {
		return true, nil
	}
	if falsy[lower] {
		return false, nil
	}
	return false, fmt.Errorf("window: invalid fullscreen value %q", raw)
}

// Build serializes a URI back into its canonical string form.
func Build(u *URI) (string, error) {
	if u == nil || u.Host == "" {
		return "", fmt.Errorf("window: host is required to build a URI")
	}

	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	for _, seg := range u.Segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}

	q := url.Values{}
	if u.Priority != nil {
		if *u.Priority < 0 || *u.Priority > 100 {
			return "", fmt.Errorf("window: priority %d out of range [0,100]", *u.Priority)
		}
		q.Set("priority", strconv.Itoa(*u.Priority))
	}
	if u.Fullscreen != nil {
		q.Set("fullscreen", strconv.FormatBool(*u.Fullscreen))
	}
	if len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}

	return b.String(), nil
}

// String implements fmt.Stringer for log formatting; it swallows build
// errors and falls back to the bare host on failure since this is only
// used for diagnostics, never the wire form.
func (u *URI) String() string {
	s, err := Build(u)
	if err != nil {
		return u.Host
	}
	return s
}

// PriorityOrZero returns the parsed priority, or 0 if unset, matching the
// Desktop Aggregator's "missing priority sorts as 0" rule (spec.md §4.3).
func (u *URI) PriorityOrZero() int {
	if u == nil || u.Priority == nil {
		return 0
	}
	return *u.Priority
}

// IsFullscreen reports whether the URI explicitly sets fullscreen=true.
func (u *URI) IsFullscreen() bool {
	return u != nil && u.Fullscreen != nil && *u.Fullscreen
}
