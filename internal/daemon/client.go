package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client connects to the worker host for indexing and retrieval
// operations.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

// NewClient creates a new worker client.
func NewClient(cfg Config) *Client {
	return &Client{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
	}
}

// Connect establishes a connection to the worker.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the worker is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// call sends method/params and decodes the result into out. out may be
// nil for methods with no result payload.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetDeadline(c.deadline(ctx)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID(),
	}

	if err := c.send(conn, req); err != nil {
		return err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %s (code: %d)", method, resp.Error.Message, resp.Error.Code)
	}
	if out == nil {
		return nil
	}

	resultData, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(resultData, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Ping checks if the worker is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MethodPing, nil, nil)
}

// Index requests a full refresh of workspace.
func (c *Client) Index(ctx context.Context, workspace string) error {
	return c.call(ctx, MethodIndex, IndexParams{WorkspaceParams{Workspace: workspace}}, nil)
}

// OnFilesChanged requests an incremental refresh of workspace limited to
// paths.
func (c *Client) OnFilesChanged(ctx context.Context, workspace string, paths []string) error {
	params := OnFilesChangedParams{WorkspaceParams: WorkspaceParams{Workspace: workspace}, Paths: paths}
	return c.call(ctx, MethodOnFilesChanged, params, nil)
}

// Retrieve queries workspace's index.
func (c *Client) Retrieve(ctx context.Context, workspace, query string, topK int) ([]RetrieveHit, error) {
	params := RetrieveParams{WorkspaceParams: WorkspaceParams{Workspace: workspace}, Query: query, TopK: topK}
	var hits []RetrieveHit
	if err := c.call(ctx, MethodRetrieve, params, &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

// DeleteIndex removes workspace's index.
func (c *Client) DeleteIndex(ctx context.Context, workspace string) error {
	return c.call(ctx, MethodDeleteIndex, DeleteIndexParams{WorkspaceParams{Workspace: workspace}}, nil)
}

// SetEmbeddingProvider swaps workspace's embedding provider.
func (c *Client) SetEmbeddingProvider(ctx context.Context, workspace, provider, model string) error {
	params := SetEmbeddingProviderParams{
		WorkspaceParams: WorkspaceParams{Workspace: workspace},
		Provider:        provider,
		Model:           model,
	}
	return c.call(ctx, MethodSetEmbeddingProvider, params, nil)
}

// Cancel cancels the outstanding call for workspace, if any.
func (c *Client) Cancel(ctx context.Context, workspace string) (bool, error) {
	var result CancelResult
	if err := c.call(ctx, MethodCancel, CancelParams{WorkspaceParams{Workspace: workspace}}, &result); err != nil {
		return false, err
	}
	return result.Cancelled, nil
}

// WatchStart begins a watch session for workspace, driving incremental
// refreshes from the worker's own file-watch wiring instead of requiring
// the caller to send on_files_changed itself.
func (c *Client) WatchStart(ctx context.Context, workspace string) error {
	return c.call(ctx, MethodWatchStart, WatchParams{WorkspaceParams{Workspace: workspace}}, nil)
}

// WatchStop ends workspace's watch session, if any.
func (c *Client) WatchStop(ctx context.Context, workspace string) (bool, error) {
	var result WatchStopResult
	if err := c.call(ctx, MethodWatchStop, WatchParams{WorkspaceParams{Workspace: workspace}}, &result); err != nil {
		return false, err
	}
	return result.Stopped, nil
}

// Status retrieves worker status, or a single workspace's refresh state
// when workspace is non-empty.
func (c *Client) Status(ctx context.Context, workspace string) (*StatusResult, error) {
	var status StatusResult
	if err := c.call(ctx, MethodStatus, StatusParams{Workspace: workspace}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// send encodes and writes a request to the connection.
func (c *Client) send(conn net.Conn, req Request) error {
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// receive reads and decodes a response from the connection.
func (c *Client) receive(conn net.Conn) (*Response, error) {
	decoder := json.NewDecoder(conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}
	return &resp, nil
}

// nextID generates a unique request ID.
func (c *Client) nextID() string {
	id := c.requestID.Add(1)
	return fmt.Sprintf("req-%d", id)
}
