// Package pool implements the MCP Pooled Client from spec.md §4.6:
// address-based remote tool invocation over WebSocket or HTTPS, with a
// per-server connection pool, retry/backoff, heartbeat, and load
// balancing across healthy servers.
package pool

import (
	"fmt"
	"net/url"
	"strings"
)

// Address is a parsed "mcp://<server>/<path>?<query>" reference.
type Address struct {
	Server string
	Path   string
	Query  url.Values
}

// ParseAddress accepts either the mcp:// grammar or a bare "server/path"
// form.
func ParseAddress(raw string) (Address, error) {
	if !strings.Contains(raw, "://") {
		raw = "mcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("pool: invalid MCP address %q: %w", raw, err)
	}
	if u.Scheme != "mcp" {
		return Address{}, fmt.Errorf("pool: unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return Address{}, fmt.Errorf("pool: missing server in %q", raw)
	}
	return Address{Server: u.Host, Path: u.Path, Query: u.Query()}, nil
}

// TransportKind selects the wire transport for a server string, per
// spec.md §4.6's "Transport selection by server string".
type TransportKind int

const (
	TransportStub TransportKind = iota
	TransportWebSocket
	TransportHTTPS
)

// SelectTransport classifies serverAddr: localhost/*.local -> stub
// (simulation), ws://.../wss://... -> WebSocket, anything else -> HTTPS.
func SelectTransport(serverAddr string) TransportKind {
	switch {
	case strings.HasPrefix(serverAddr, "ws://"), strings.HasPrefix(serverAddr, "wss://"):
		return TransportWebSocket
	case serverAddr == "localhost" || strings.HasSuffix(serverAddr, ".local") ||
		strings.HasPrefix(serverAddr, "localhost:"):
		return TransportStub
	default:
		return TransportHTTPS
	}
}
