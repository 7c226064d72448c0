package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxBody caps the /mcp/message request body.
const DefaultMaxBody = 10 << 20

// Config holds the HTTP-facing settings.
type Config struct {
	// AuthToken is the bearer token /mcp/message requires. Empty rejects
	// every request.
	AuthToken string
	// Version is reported by /health and initialize.
	Version string
	// MaxBody is the request body cap in bytes; <= 0 selects the default.
	MaxBody int64
}

// Server is the HTTP front door: an unauthenticated health probe and a
// single bearer-gated JSON-RPC endpoint.
type Server struct {
	handler *handler
	token   string
	maxBody int64
	version string
}

// NewServer creates a Server over the shared process state.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	return &Server{
		handler: newHandler(deps, cfg.Version),
		token:   cfg.AuthToken,
		maxBody: cfg.MaxBody,
		version: cfg.Version,
	}
}

// Handler returns the routed and middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", requireMethod(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/mcp/message", requireMethod(http.MethodPost, s.handleMessage))

	var h http.Handler = mux
	h = loggingMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// requireMethod restricts a route to one HTTP method, mirroring the
// "METHOD /path" mux patterns that need a go1.22+ toolchain: wrong methods
// get 405 with an Allow header, and GET routes also serve HEAD.
func requireMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	allow := method
	if method == http.MethodGet {
		allow = "GET, HEAD"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", allow)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}

	resp := s.dispatch(r.Context(), body)
	if resp == nil {
		// Notification: acknowledged, nothing to say.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorized checks the bearer token without leaking which part of the
// header failed.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	got := auth[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) dispatch(ctx context.Context, body []byte) *Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return &Response{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    CodeParseError,
				Message: "invalid JSON: " + err.Error(),
			},
		}
	}

	// Notifications have no ID; don't send a response.
	if req.ID == nil {
		s.handleNotification(req)
		return nil
	}

	var result json.RawMessage
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handler.handleInitialize(ctx, req.Params)
	case "ping":
		result = json.RawMessage(`{}`)
	case "tools/list":
		result, rpcErr = s.handler.handleToolsList(ctx)
	case "tools/call":
		result, rpcErr = s.handler.handleToolsCall(ctx, req.Params)
	case "resources/list":
		result, rpcErr = s.handler.handleResourcesList(ctx)
	case "resources/read":
		result, rpcErr = s.handler.handleResourcesRead(ctx, req.Params)
	default:
		rpcErr = &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("unknown method: %s", req.Method),
		}
	}

	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) handleNotification(req Request) {
	switch req.Method {
	case "notifications/initialized":
		slog.Info("client initialized")
	default:
		slog.Debug("unhandled notification", "method", req.Method)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response", "error", err)
	}
}
