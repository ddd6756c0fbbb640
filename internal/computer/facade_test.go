package computer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/a2c-smcp/internal/mcpclient"
	"github.com/haasonsaas/a2c-smcp/internal/render"
)

type fakeTransport struct{}

func (fakeTransport) Connect(ctx context.Context) error { return nil }
func (fakeTransport) Close() error                      { return nil }
func (fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{"content":[{"type":"text","text":"done"}]}`), nil
}
func (fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }
func (fakeTransport) Events() <-chan *mcpclient.JSONRPCNotification               { return nil }
func (fakeTransport) Requests() <-chan *mcpclient.JSONRPCRequest                  { return nil }
func (fakeTransport) Respond(ctx context.Context, id any, result any, rpcErr *mcpclient.JSONRPCError) error {
	return nil
}
func (fakeTransport) Connected() bool { return true }

func newTestFacade(t *testing.T, confirm ConfirmFunc) *Facade {
	t.Helper()
	resolver := render.NewResolver(nil, nil)
	f := New(resolver, confirm, 10, nil)
	return f
}

func TestExecuteToolAutoApplySkipsConfirm(t *testing.T) {
	called := false
	confirm := func(ctx context.Context, reqID, server, tool string, params map[string]any) (bool, error) {
		called = true
		return true, nil
	}
	f := newTestFacade(t, confirm)

	autoTrue := true
	cfg := &mcpclient.ServerConfig{Name: "s", DefaultToolMeta: &mcpclient.ToolMeta{AutoApply: &autoTrue}}
	client := mcpclient.NewClientForTestingWithTransport(cfg, []mcpclient.Tool{{Name: "t"}}, fakeTransport{})
	f.manager.InjectForTesting("s", cfg, client)

	res := f.ExecuteTool(context.Background(), "req1", "t", map[string]any{}, 0)
	if called {
		t.Errorf("expected confirm callback to be skipped for auto_apply tool")
	}
	if res.Rejected || res.Error != "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Result.Content) != 1 || res.Result.Content[0].Text != "done" {
		t.Errorf("unexpected content: %+v", res.Result)
	}
}

func TestExecuteToolConfirmRejectionProducesRejectedResult(t *testing.T) {
	confirm := func(ctx context.Context, reqID, server, tool string, params map[string]any) (bool, error) {
		return false, nil
	}
	f := newTestFacade(t, confirm)

	cfg := &mcpclient.ServerConfig{Name: "s"}
	client := mcpclient.NewClientForTestingWithTransport(cfg, []mcpclient.Tool{{Name: "t"}}, fakeTransport{})
	f.manager.InjectForTesting("s", cfg, client)

	res := f.ExecuteTool(context.Background(), "req1", "t", map[string]any{}, 0)
	if !res.Rejected {
		t.Errorf("expected rejected result, got %+v", res)
	}
}

func TestExecuteToolRecordsHistory(t *testing.T) {
	confirm := func(ctx context.Context, reqID, server, tool string, params map[string]any) (bool, error) {
		return true, nil
	}
	f := newTestFacade(t, confirm)

	cfg := &mcpclient.ServerConfig{Name: "s"}
	client := mcpclient.NewClientForTestingWithTransport(cfg, []mcpclient.Tool{{Name: "t"}}, fakeTransport{})
	f.manager.InjectForTesting("s", cfg, client)

	f.ExecuteTool(context.Background(), "req1", "t", map[string]any{}, 0)
	hist := f.History()
	if len(hist) != 1 || !hist[0].Success || hist[0].Server != "s" {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestExecuteToolUnknownToolRejectedWithoutHistory(t *testing.T) {
	f := newTestFacade(t, nil)
	res := f.ExecuteTool(context.Background(), "req1", "missing", map[string]any{}, 0)
	if !res.Rejected {
		t.Fatalf("expected rejection for unknown tool, got %+v", res)
	}
	if len(f.History()) != 0 {
		t.Fatalf("expected no history entry for a validation failure")
	}
}

func TestSameSetDetectsChange(t *testing.T) {
	a := map[string]bool{"x": true, "y": true}
	b := map[string]bool{"x": true, "y": true}
	if !sameSet(a, b) {
		t.Error("expected equal sets")
	}
	b["z"] = true
	if sameSet(a, b) {
		t.Error("expected different sets")
	}
}

func TestHistoryRingBufferCap(t *testing.T) {
	f := newTestFacade(t, func(ctx context.Context, reqID, server, tool string, params map[string]any) (bool, error) {
		return true, nil
	})
	cfg := &mcpclient.ServerConfig{Name: "s"}
	client := mcpclient.NewClientForTestingWithTransport(cfg, []mcpclient.Tool{{Name: "t"}}, fakeTransport{})
	f.manager.InjectForTesting("s", cfg, client)

	for i := 0; i < 15; i++ {
		f.ExecuteTool(context.Background(), "req", "t", map[string]any{}, time.Second)
	}
	if len(f.History()) != 10 {
		t.Fatalf("expected history capped at 10, got %d", len(f.History()))
	}
}
