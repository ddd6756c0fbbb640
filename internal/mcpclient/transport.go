package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport is the capability set shared by every MCP wire transport:
// connect, disconnect, call (request/response), notify (fire and forget),
// and the two channels a server-initiated message can arrive on.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error

	Events() <-chan *JSONRPCNotification
	Requests() <-chan *JSONRPCRequest
	Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error

	Connected() bool
}

// NewTransport is the factory of spec.md §9 "Dynamic dispatch over
// transports": it chooses the concrete Transport implementation from the
// config's type tag.
func NewTransport(cfg *ServerConfig) (Transport, error) {
	switch cfg.Type {
	case TransportStdio:
		return NewStdioTransport(cfg), nil
	case TransportSSE:
		return NewSSETransport(cfg), nil
	case TransportStreamableHTTP:
		return NewStreamableHTTPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("mcpclient: unknown transport type %q", cfg.Type)
	}
}
