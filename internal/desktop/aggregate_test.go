package desktop

import (
	"testing"

	"github.com/haasonsaas/a2c-smcp/internal/mcpclient"
)

func res(uri string) mcpclient.Resource { return mcpclient.Resource{URI: uri, Name: uri} }

func TestAggregateOrdersByHistoryThenLexicographic(t *testing.T) {
	triples := []Triple{
		{Server: "zeta", Resource: res("window://zeta/a")},
		{Server: "alpha", Resource: res("window://alpha/a")},
		{Server: "beta", Resource: res("window://beta/a")},
	}
	history := []string{"alpha", "beta"} // beta most recent

	got := Aggregate(triples, -1, history)
	if len(got) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(got))
	}
	if got[0].Server != "beta" || got[1].Server != "alpha" || got[2].Server != "zeta" {
		t.Fatalf("unexpected order: %v", []string{got[0].Server, got[1].Server, got[2].Server})
	}
}

func TestAggregateSortsByPriorityDescending(t *testing.T) {
	triples := []Triple{
		{Server: "s", Resource: res("window://s/low?priority=1")},
		{Server: "s", Resource: res("window://s/high?priority=9")},
	}
	got := Aggregate(triples, -1, nil)
	if len(got) != 2 || got[0].URI != "window://s/high?priority=9" {
		t.Fatalf("expected high priority first, got %+v", got)
	}
}

func TestAggregateFullscreenExclusivityPerServer(t *testing.T) {
	// Sorted by priority descending, the fullscreen window is encountered
	// first for server "s": everything after it for that server is
	// skipped, but server "t" still gets processed.
	triples := []Triple{
		{Server: "s", Resource: res("window://s/a?priority=5")},
		{Server: "s", Resource: res("window://s/b?priority=9&fullscreen=true")},
		{Server: "t", Resource: res("window://t/c")},
	}
	got := Aggregate(triples, -1, nil)

	var sURIs []string
	for _, r := range got {
		if r.Server == "s" {
			sURIs = append(sURIs, r.URI)
		}
	}
	if len(sURIs) != 1 || sURIs[0] != "window://s/b?priority=9&fullscreen=true" {
		t.Fatalf("expected only the fullscreen window, got %v", sURIs)
	}
	foundT := false
	for _, r := range got {
		if r.Server == "t" {
			foundT = true
		}
	}
	if !foundT {
		t.Fatalf("expected server t's window to still appear, got %+v", got)
	}
}

func TestAggregateSizeCapStopsGlobally(t *testing.T) {
	triples := []Triple{
		{Server: "a", Resource: res("window://a/1")},
		{Server: "a", Resource: res("window://a/2")},
		{Server: "b", Resource: res("window://b/1")},
	}
	got := Aggregate(triples, 1, []string{"a"})
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 window, got %d", len(got))
	}
}

func TestAggregateSizeZeroReturnsEmpty(t *testing.T) {
	triples := []Triple{{Server: "a", Resource: res("window://a/1")}}
	got := Aggregate(triples, 0, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty, got %+v", got)
	}
}

func TestAggregateRendersTextContent(t *testing.T) {
	triples := []Triple{
		{Server: "a", Resource: res("window://a/1"), Detail: &mcpclient.ResourceContent{Text: "hello"}},
	}
	got := Aggregate(triples, -1, nil)
	want := "window://a/1\n\nhello"
	if got[0].Body != want {
		t.Fatalf("got %q want %q", got[0].Body, want)
	}
}

func TestAggregateFallsBackToURIForBlobOnly(t *testing.T) {
	triples := []Triple{
		{Server: "a", Resource: res("window://a/1"), Detail: &mcpclient.ResourceContent{Blob: "abcd"}},
	}
	got := Aggregate(triples, -1, nil)
	if got[0].Body != "window://a/1" {
		t.Fatalf("expected URI-only fallback, got %q", got[0].Body)
	}
}
