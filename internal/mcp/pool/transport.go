package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live connection to a remote MCP server.
type Transport interface {
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	ListTools(ctx context.Context) (json.RawMessage, error)
	InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Ping(ctx context.Context) error
	Close() error
}

type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// httpTransport speaks JSON-RPC over HTTPS POST (spec.md §6: "JSON over
// HTTPS POST to /mcp/v1/call").
type httpTransport struct {
	baseURL string
	client  *http.Client
	nextID  int64
}

func newHTTPTransport(baseURL string) *httpTransport {
	return &httpTransport{baseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *httpTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.nextID++
	body, err := json.Marshal(rpcRequest{ID: t.nextID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.baseURL, "/")+"/mcp/v1/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pool: http transport: status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("pool: %s: %s", method, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) ListTools(ctx context.Context) (json.RawMessage, error) {
	return t.SendRequest(ctx, "tools/list", nil)
}

func (t *httpTransport) InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return t.SendRequest(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
}

func (t *httpTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(t.baseURL, "/")+"/mcp/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pool: ping failed: status %d", resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) Close() error { return nil }

// wsTransport speaks JSON-RPC-shaped messages over a WebSocket connection.
type wsTransport struct {
	conn   *websocket.Conn
	nextID int64
}

func newWSTransport(ctx context.Context, addr string) (*wsTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("pool: ws dial: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.nextID++
	req := rpcRequest{ID: t.nextID, Method: method, Params: params}
	if err := t.conn.WriteJSON(req); err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := t.conn.ReadJSON(&resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("pool: %s: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}

func (t *wsTransport) ListTools(ctx context.Context) (json.RawMessage, error) {
	return t.SendRequest(ctx, "tools/list", nil)
}

func (t *wsTransport) InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return t.SendRequest(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// stubTransport simulates a local/*.local server without any network
// I/O, used for development and for the spec's "localhost -> stub" rule.
type stubTransport struct{}

func (stubTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (stubTransport) ListTools(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"tools":[]}`), nil
}
func (stubTransport) InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{"result":"stub"}`), nil
}
func (stubTransport) Ping(ctx context.Context) error { return nil }
func (stubTransport) Close() error                   { return nil }
