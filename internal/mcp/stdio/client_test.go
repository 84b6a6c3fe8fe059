package stdio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServerScript is a minimal MCP stdio server: it replies to
// initialize and tools/list with fixed JSON-RPC responses, to a
// tools/call with an echo, and writes one diagnostic line to stderr.
const fakeServerScript = `
echo "server starting" 1>&2
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      echo '{"jsonrpc":"2.0","id":1,"result":{}}'
      ;;
    *'"method":"tools/list"'*)
      echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"echoes input","inputSchema":{}}]}}'
      ;;
    *'"method":"tools/call"'*)
      echo '{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"{\"success\":true,\"echoed\":\"hi\"}"}]}}'
      ;;
    *'"method":"notifications/initialized"'*) ;;
    *) ;;
  esac
done
`

func newFakeClient() *Client {
	return New("sh", []string{"-c", fakeServerScript}, nil)
}

func TestConnectAndListTools(t *testing.T) {
	c := newFakeClient()
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestCallToolParsesJSONTextContent(t *testing.T) {
	c := newFakeClient()
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	result, err := c.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "hi", result["echoed"])
}

func TestDisconnectClearsState(t *testing.T) {
	c := newFakeClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateNew, c.state)
	assert.Nil(t, c.tools)
}
