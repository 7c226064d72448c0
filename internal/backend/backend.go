// Package backend provides the transport clients the gateway dispatches
// tool calls and resource reads through. Two transports exist: a child
// process speaking line-delimited JSON-RPC on stdio, and a remote endpoint
// speaking JSON-RPC over streamable HTTP.
package backend

import (
	"context"
	"encoding/json"
)

// Tool is a backend tool definition as exposed by tools/list. InputSchema
// is opaque to the gateway.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is a backend resource definition as exposed by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Dispatcher is the per-backend handle the registry holds. Both transport
// clients implement it.
type Dispatcher interface {
	// ListTools returns the backend's tool catalog with local names.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes a tool by its local name and returns the raw
	// result payload verbatim.
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	// ListResources returns the backend's resource catalog.
	ListResources(ctx context.Context) ([]Resource, error)
	// ReadResource reads a resource by its original (un-namespaced) URI.
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)
	// Close releases the transport.
	Close() error
}

// jsonRPCRequest is the wire form sent to a backend.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonRPCResponse is the wire form received from a backend.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const protocolVersion = "2024-11-05"

// initializeParams is the handshake payload sent to every backend.
var initializeParams = json.RawMessage(`{
	"protocolVersion": "` + protocolVersion + `",
	"capabilities": {},
	"clientInfo": {"name": "portero", "version": "0.1.0"}
}`)

type toolListResult struct {
	Tools []Tool `json:"tools"`
}

type resourceListResult struct {
	Resources []Resource `json:"resources"`
}

// callToolParams frames a tools/call request.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// readResourceParams frames a resources/read request.
type readResourceParams struct {
	URI string `json:"uri"`
}
