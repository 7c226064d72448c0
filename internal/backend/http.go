package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAuthRequired indicates the remote backend rejected our credentials.
var ErrAuthRequired = errors.New("backend requires authentication")

// HTTPClient speaks JSON-RPC to a remote backend over streamable HTTP:
// each request is a POST, responses arrive as plain JSON or as an SSE
// frame carrying the JSON-RPC response.
type HTTPClient struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client

	mu        sync.Mutex
	sessionID string
	reqID     atomic.Int64
}

// StartHTTP performs the initialize handshake against url and returns the
// client. headers (typically an Authorization line from the backend
// config) are injected on every request.
func StartHTTP(ctx context.Context, name, url string, headers map[string]string) (*HTTPClient, error) {
	c := &HTTPClient{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 60 * time.Second},
	}

	init := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
		Params:  initializeParams,
	}
	if _, err := c.doRPC(ctx, init); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}

	// Initialized notification; some servers ignore it, which is fine.
	notif := jsonRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}
	if _, err := c.doRPC(ctx, notif); err != nil {
		return nil, fmt.Errorf("initialized notification %s: %w", name, err)
	}
	return c, nil
}

func (c *HTTPClient) rpc(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := c.reqID.Add(1) + 1
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf(`%d`, id)),
		Method:  method,
		Params:  params,
	}
	return c.doRPC(ctx, req)
}

func (c *HTTPClient) doRPC(ctx context.Context, rpcReq jsonRPCRequest) (json.RawMessage, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	c.mu.Lock()
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	// The server assigns a session on initialize and expects it echoed.
	if v := resp.Header.Get("Mcp-Session-Id"); v != "" {
		c.mu.Lock()
		c.sessionID = v
		c.mu.Unlock()
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}

	// Notifications return 202 with no body.
	if rpcReq.ID == nil {
		if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
			return nil, nil
		}
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("notification failed (%d): %s", resp.StatusCode, respBody)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, respBody)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("backend error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// readSSEResponse extracts the JSON-RPC response from an event stream.
// Large tool catalogs can exceed the default scanner buffer, so it is
// raised to 4 MiB.
func readSSEResponse(body io.Reader) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		var rpcResp jsonRPCResponse
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue // non-JSON data line
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("backend error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		if rpcResp.Result != nil {
			return rpcResp.Result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sse stream: %w", err)
	}
	return nil, fmt.Errorf("no result in sse stream")
}

// ListTools implements Dispatcher.
func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.rpc(ctx, "tools/list", json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	var result toolListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return result.Tools, nil
}

// CallTool implements Dispatcher.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params, err := json.Marshal(callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode call params: %w", err)
	}
	return c.rpc(ctx, "tools/call", params)
}

// ListResources implements Dispatcher.
func (c *HTTPClient) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.rpc(ctx, "resources/list", json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	var result resourceListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resource list: %w", err)
	}
	return result.Resources, nil
}

// ReadResource implements Dispatcher.
func (c *HTTPClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	params, err := json.Marshal(readResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("encode read params: %w", err)
	}
	return c.rpc(ctx, "resources/read", params)
}

// Close implements Dispatcher. HTTP transports hold no persistent
// connection state worth tearing down.
func (c *HTTPClient) Close() error { return nil }
