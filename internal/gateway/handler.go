package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/porterolabs/portero/internal/anonymize"
	"github.com/porterolabs/portero/internal/approval"
	"github.com/porterolabs/portero/internal/audit"
	"github.com/porterolabs/portero/internal/policy"
	"github.com/porterolabs/portero/internal/registry"
	"github.com/porterolabs/portero/internal/task"
)

// Deps wires the handler to the shared process state.
type Deps struct {
	Registry   *registry.Registry
	Aggregator *registry.Aggregator
	Router     *registry.Router
	Anonymizer *anonymize.Engine
	Policy     *policy.Resolver
	Tasks      *task.Manager
	Channel    approval.Channel
	Audit      *audit.Recorder
}

// handler contains the logic for each MCP method.
type handler struct {
	reg     *registry.Registry
	agg     *registry.Aggregator
	router  *registry.Router
	anon    *anonymize.Engine
	policy  *policy.Resolver
	tasks   *task.Manager
	channel approval.Channel
	audit   *audit.Recorder
	version string
}

func newHandler(d Deps, version string) *handler {
	ch := d.Channel
	if ch == nil {
		ch = approval.Disabled{}
	}
	return &handler{
		reg:     d.Registry,
		agg:     d.Aggregator,
		router:  d.Router,
		anon:    d.Anonymizer,
		policy:  d.Policy,
		tasks:   d.Tasks,
		channel: ch,
		audit:   d.Audit,
		version: version,
	}
}

func (h *handler) handleInitialize(
	ctx context.Context, params json.RawMessage,
) (json.RawMessage, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	slog.Info("client connected", "client", p.ClientInfo.Name, "clientVersion", p.ClientInfo.Version)

	result := InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: ServerCapability{
			Tools:     &ToolCapability{},
			Resources: &ResourceCapability{},
		},
		ServerInfo: ServerInfo{Name: "portero", Version: h.version},
	}
	return marshalResult(result)
}

// handleToolsList returns the virtual tools followed by the published
// (pin- and recency-filtered) aggregate catalog.
func (h *handler) handleToolsList(ctx context.Context) (json.RawMessage, *RPCError) {
	published, err := h.agg.Published(ctx)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("list tools: %v", err),
		}
	}

	tools := make([]Tool, 0, len(published)+len(virtualTools))
	tools = append(tools, virtualToolDefinitions()...)
	for _, t := range published {
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return marshalResult(map[string]any{"tools": tools})
}

func (h *handler) handleResourcesList(ctx context.Context) (json.RawMessage, *RPCError) {
	resources, err := h.agg.Resources(ctx)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("list resources: %v", err),
		}
	}
	if resources == nil {
		resources = []registry.Resource{}
	}
	return marshalResult(map[string]any{"resources": resources})
}

func (h *handler) handleResourcesRead(
	ctx context.Context, params json.RawMessage,
) (json.RawMessage, *RPCError) {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if p.URI == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "uri is required"}
	}

	result, err := h.router.ReadResource(ctx, p.URI)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeProcessError,
			Message: fmt.Sprintf("read resource: %v", err),
		}
	}
	return result, nil
}

// handleToolsCall routes virtual tools to their handlers and everything
// else through the mediation pipeline.
func (h *handler) handleToolsCall(
	ctx context.Context, params json.RawMessage,
) (json.RawMessage, *RPCError) {
	var req CallToolRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if req.Name == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "name is required"}
	}

	if isVirtualTool(req.Name) {
		return h.handleVirtualCall(ctx, req)
	}
	return h.callTool(ctx, req.Name, req.Arguments)
}

func marshalResult(v any) (json.RawMessage, *RPCError) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return data, nil
}
