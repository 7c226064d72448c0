package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// stdioRequest travels from Call sites to the process loop.
type stdioRequest struct {
	id     int64
	method string
	params json.RawMessage
	result chan stdioResponse
}

type stdioResponse struct {
	data json.RawMessage
	err  error
}

// StdioClient runs a backend as a child process and frames JSON-RPC as one
// message per line on its stdio. Requests flow through a queue serviced by
// a single loop, so the backend sees them strictly one at a time.
type StdioClient struct {
	name string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	queue chan stdioRequest
	reqID atomic.Int64
	quit  chan struct{}
	done  chan struct{}
}

// StartStdio spawns the child process, performs the initialize handshake,
// and starts the request loop. env is the full child environment.
func StartStdio(ctx context.Context, name, command string, args, env []string) (*StdioClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	c := &StdioClient{
		name:  name,
		cmd:   cmd,
		stdin: stdin,
		queue: make(chan stdioRequest, 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.initialize(initCtx, scanner); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}

	go c.processLoop(scanner)
	go c.monitor()
	return c, nil
}

func (c *StdioClient) initialize(ctx context.Context, scanner *bufio.Scanner) error {
	init := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
		Params:  initializeParams,
	}
	if err := writeJSONLine(c.stdin, init); err != nil {
		return fmt.Errorf("write initialize: %w", err)
	}

	type scanResult struct {
		ok  bool
		err error
	}
	ch := make(chan scanResult, 1)
	go func() {
		ok := scanner.Scan()
		ch <- scanResult{ok: ok, err: scanner.Err()}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if !res.ok {
			if res.err != nil {
				return res.err
			}
			return fmt.Errorf("no initialize response")
		}
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("decode initialize response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("backend error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	notif := jsonRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}
	return writeJSONLine(c.stdin, notif)
}

// processLoop services the queue: write one request, read one response.
func (c *StdioClient) processLoop(scanner *bufio.Scanner) {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.queue:
			req.result <- c.roundTrip(req, scanner)
		}
	}
}

func (c *StdioClient) roundTrip(req stdioRequest, scanner *bufio.Scanner) stdioResponse {
	rpc := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf(`%d`, req.id)),
		Method:  req.method,
		Params:  req.params,
	}
	if err := writeJSONLine(c.stdin, rpc); err != nil {
		return stdioResponse{err: fmt.Errorf("write request: %w", err)}
	}
	if !scanner.Scan() {
		return stdioResponse{err: fmt.Errorf("backend closed its stdout")}
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return stdioResponse{err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Error != nil {
		return stdioResponse{err: fmt.Errorf("backend error %d: %s", resp.Error.Code, resp.Error.Message)}
	}
	return stdioResponse{data: resp.Result}
}

func (c *StdioClient) monitor() {
	err := c.cmd.Wait()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err != nil {
		slog.Error("backend process exited", "backend", c.name, "error", err)
	} else {
		slog.Warn("backend process exited", "backend", c.name)
	}
}

// rpc queues a request and waits for its response or ctx cancellation.
func (c *StdioClient) rpc(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	result := make(chan stdioResponse, 1)
	req := stdioRequest{
		id:     c.reqID.Add(1) + 1, // id 1 went to initialize
		method: method,
		params: params,
		result: result,
	}

	select {
	case c.queue <- req:
	case <-c.quit:
		return nil, fmt.Errorf("backend %s is closed", c.name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, fmt.Errorf("backend %s is closed", c.name)
	case resp := <-result:
		return resp.data, resp.err
	}
}

// ListTools implements Dispatcher.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
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
func (c *StdioClient) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params, err := json.Marshal(callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode call params: %w", err)
	}
	return c.rpc(ctx, "tools/call", params)
}

// ListResources implements Dispatcher.
func (c *StdioClient) ListResources(ctx context.Context) ([]Resource, error) {
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
func (c *StdioClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	params, err := json.Marshal(readResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("encode read params: %w", err)
	}
	return c.rpc(ctx, "resources/read", params)
}

// Close stops the queue and terminates the child process.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	c.stdin.Close()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}

	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return nil
}

// writeJSONLine marshals v and writes it as a single newline-terminated
// frame.
func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
