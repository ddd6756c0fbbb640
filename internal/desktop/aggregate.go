// Package desktop implements the pure, deterministic window ordering
// algorithm of spec.md §4.5: given every window a Computer's active MCP
// servers expose, it decides which windows to show, in what order, and
// how to render each one's content.
package desktop

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/a2c-smcp/internal/mcpclient"
	"github.com/haasonsaas/a2c-smcp/internal/window"
)

// Triple is one window and the server it came from, plus whatever content
// could be read for it (nil if unread or unreadable).
type Triple struct {
	Server   string
	Resource mcpclient.Resource
	Detail   *mcpclient.ResourceContent
}

// Rendered is one window ready for display: its URI and the rendered body
// text per spec.md §4.5's rendering rule.
type Rendered struct {
	Server string
	URI    string
	Body   string
}

// Aggregate orders and renders triples into at most size windows (size < 0
// means unbounded, size == 0 returns none), using history (most-recent
// last) to order servers.
func Aggregate(triples []Triple, size int, history []string) []Rendered {
	if size == 0 {
		return nil
	}

	byServer := map[string][]Triple{}
	for _, t := range triples {
		byServer[t.Server] = append(byServer[t.Server], t)
	}

	order := serverOrder(byServer, history)

	var out []Rendered
	for _, server := range order {
		windows := byServer[server]
		sortByPriorityDesc(windows)

		for _, t := range windows {
			if size >= 0 && len(out) >= size {
				return out
			}
			u, err := window.Parse(t.Resource.URI)
			fullscreen := err == nil && u.IsFullscreen()

			out = append(out, render(t))
			if fullscreen {
				break
			}
			if size >= 0 && len(out) >= size {
				return out
			}
		}
	}
	return out
}

// serverOrder determines which server comes first: servers that appear in
// history, ordered by most-recent-use descending, then the remaining
// servers in lexicographic order.
func serverOrder(byServer map[string][]Triple, history []string) []string {
	seen := map[string]bool{}
	var historical []string
	for i := len(history) - 1; i >= 0; i-- {
		s := history[i]
		if _, ok := byServer[s]; !ok || seen[s] {
			continue
		}
		seen[s] = true
		historical = append(historical, s)
	}

	var rest []string
	for s := range byServer {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)

	return append(historical, rest...)
}

func sortByPriorityDesc(windows []Triple) {
	sort.SliceStable(windows, func(i, j int) bool {
		return parsedPriority(windows[i].Resource.URI) > parsedPriority(windows[j].Resource.URI)
	})
}

func parsedPriority(uri string) int {
	u, err := window.Parse(uri)
	if err != nil {
		return 0
	}
	return u.PriorityOrZero()
}

// render produces "<uri>\n\n<text>" when text content exists, and falls
// back to the bare URI both for blob-only content and for content that
// could not be read at all (Detail == nil).
func render(t Triple) Rendered {
	uri := t.Resource.URI
	if t.Detail != nil && t.Detail.Text != "" {
		return Rendered{Server: t.Server, URI: uri, Body: fmt.Sprintf("%s\n\n%s", uri, strings.TrimRight(t.Detail.Text, "\n"))}
	}
	return Rendered{Server: t.Server, URI: uri, Body: uri}
}
