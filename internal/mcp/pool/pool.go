package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/koirun/koi/internal/telemetry"
)

const (
	defaultPoolSize      = 5
	defaultMaxRetries    = 3
	defaultRetryDelay    = 200 * time.Millisecond
	acquireTimeout       = 10 * time.Second
	heartbeatInterval    = 30 * time.Second
)

// Strategy picks which connection serves the next request.
type Strategy int

const (
	RoundRobin Strategy = iota
	Random
	LeastLatency
)

// ServerHealth tracks per-server metrics used by the LeastLatency
// strategy.
type ServerHealth struct {
	mu           sync.Mutex
	avgLatencyMs float64
	failures     int
}

func (h *ServerHealth) record(latency time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := float64(latency.Milliseconds())
	if h.avgLatencyMs == 0 {
		h.avgLatencyMs = ms
	} else {
		h.avgLatencyMs = h.avgLatencyMs*0.8 + ms*0.2
	}
	if !ok {
		h.failures++
	}
}

type conn struct {
	transport Transport
	server    string
}

// serverPool is the per-server set of pooled connections.
type serverPool struct {
	mu        sync.Mutex
	server    string
	available []*conn
	waiting   []chan *conn
	size      int
	health    *ServerHealth
}

// Registry discovers alternative servers for failover; optional.
type Registry interface {
	Alternatives(ctx context.Context, server string) ([]string, error)
}

// Pool is the process-wide MCP connection pool (spec.md §4.6).
type Pool struct {
	mu       sync.Mutex
	servers  map[string]*serverPool
	strategy Strategy
	registry Registry

	maxRetries int
	retryDelay time.Duration
	poolSize   int

	roundRobinIdx map[string]int

	stopHeartbeat chan struct{}
	closeOnce     sync.Once

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// New builds an empty pool.
func New(strategy Strategy, registry Registry) *Pool {
	p := &Pool{
		servers:       make(map[string]*serverPool),
		strategy:      strategy,
		registry:      registry,
		maxRetries:    defaultMaxRetries,
		retryDelay:    defaultRetryDelay,
		poolSize:      defaultPoolSize,
		roundRobinIdx: make(map[string]int),
		stopHeartbeat: make(chan struct{}),
	}
	go p.heartbeatLoop()
	return p
}

// Close stops the heartbeat loop and closes every pooled connection.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopHeartbeat)
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, sp := range p.servers {
			sp.mu.Lock()
			for _, c := range sp.available {
				_ = c.transport.Close()
			}
			sp.mu.Unlock()
		}
	})
}

func (p *Pool) serverPoolFor(server string) *serverPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.servers[server]
	if !ok {
		sp = &serverPool{server: server, health: &ServerHealth{}}
		p.servers[server] = sp
	}
	return sp
}

// init lazily creates up to poolSize connections for server, in parallel.
func (p *Pool) init(ctx context.Context, server string) error {
	sp := p.serverPoolFor(server)
	sp.mu.Lock()
	need := p.poolSize - sp.size
	sp.mu.Unlock()
	if need <= 0 {
		return nil
	}

	var wg sync.WaitGroup
	results := make(chan *conn, need)
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := p.dial(ctx, server)
			if err != nil {
				slog.Warn("mcp pool: dial failed", "server", server, "error", err)
				return
			}
			results <- &conn{transport: t, server: server}
		}()
	}
	wg.Wait()
	close(results)

	sp.mu.Lock()
	for c := range results {
		sp.available = append(sp.available, c)
		sp.size++
	}
	size := sp.size
	sp.mu.Unlock()
	p.Metrics.SetActiveConnections(server, size)

	if size == 0 {
		return fmt.Errorf("pool: no connections could be established to %s", server)
	}
	return nil
}

func (p *Pool) dial(ctx context.Context, server string) (Transport, error) {
	switch SelectTransport(server) {
	case TransportStub:
		return stubTransport{}, nil
	case TransportWebSocket:
		return newWSTransport(ctx, server)
	default:
		return newHTTPTransport("https://" + server), nil
	}
}

// Acquire returns an available connection for server, blocking up to 10s.
func (p *Pool) Acquire(ctx context.Context, server string) (*conn, error) {
	if err := p.init(ctx, server); err != nil {
		return nil, err
	}
	sp := p.serverPoolFor(server)

	sp.mu.Lock()
	if len(sp.available) > 0 {
		c := p.pick(sp)
		sp.mu.Unlock()
		return c, nil
	}
	ch := make(chan *conn, 1)
	sp.waiting = append(sp.waiting, ch)
	sp.mu.Unlock()

	select {
	case c := <-ch:
		return c, nil
	case <-time.After(acquireTimeout):
		return nil, fmt.Errorf("pool: timed out acquiring a connection to %s", server)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pick removes and returns one connection from sp.available per the
// pool's load-balancing strategy. Caller holds sp.mu.
func (p *Pool) pick(sp *serverPool) *conn {
	var idx int
	switch p.strategy {
	case Random:
		idx = rand.Intn(len(sp.available))
	case LeastLatency:
		idx = 0 // every conn shares the one per-server health record
	default:
		idx = p.roundRobinIdx[sp.server] % len(sp.available)
		p.roundRobinIdx[sp.server]++
	}
	c := sp.available[idx]
	sp.available = append(sp.available[:idx], sp.available[idx+1:]...)
	return c
}

// Release returns c to its server pool, handing it to a waiter if any.
func (p *Pool) Release(c *conn) {
	sp := p.serverPoolFor(c.server)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.waiting) > 0 {
		ch := sp.waiting[0]
		sp.waiting = sp.waiting[1:]
		ch <- c
		return
	}
	sp.available = append(sp.available, c)
}

// Invoke acquires a connection, invokes the tool with retry/backoff, and
// releases the connection. On exhausted retries, it optionally fails over
// to an alternative server via Registry.
func (p *Pool) Invoke(ctx context.Context, server, tool string, args map[string]any, allowFailover bool) (json.RawMessage, error) {
	result, err := p.invokeWithRetry(ctx, server, tool, args)
	if err == nil || !allowFailover || p.registry == nil {
		return result, err
	}

	alternatives, rerr := p.registry.Alternatives(ctx, server)
	if rerr != nil {
		return nil, err
	}
	for _, alt := range alternatives {
		if result, err2 := p.invokeWithRetry(ctx, alt, tool, args); err2 == nil {
			return result, nil
		}
	}
	return nil, err
}

func (p *Pool) invokeWithRetry(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	ctx, span := p.Tracer.StartMCPCall(ctx, server, tool)
	defer span.End()
	start := time.Now()

	result, err := p.invokeWithRetryUntraced(ctx, server, tool, args)

	p.Metrics.RecordMCPCall(server, tool, time.Since(start), err)
	p.Tracer.RecordError(span, err)
	return result, err
}

func (p *Pool) invokeWithRetryUntraced(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		c, err := p.Acquire(ctx, server)
		if err != nil {
			lastErr = err
		} else {
			start := time.Now()
			result, callErr := c.transport.InvokeTool(ctx, tool, args)
			p.serverPoolFor(server).health.record(time.Since(start), callErr == nil)
			p.Release(c)
			if callErr == nil {
				return result, nil
			}
			lastErr = callErr
		}

		if attempt < p.maxRetries {
			delay := p.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("pool: %s/%s failed after %d attempts: %w", server, tool, p.maxRetries, lastErr)
}

func (p *Pool) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pingAll()
		case <-p.stopHeartbeat:
			return
		}
	}
}

func (p *Pool) pingAll() {
	p.mu.Lock()
	pools := make([]*serverPool, 0, len(p.servers))
	for _, sp := range p.servers {
		pools = append(pools, sp)
	}
	p.mu.Unlock()

	for _, sp := range pools {
		sp.mu.Lock()
		conns := append([]*conn(nil), sp.available...)
		sp.mu.Unlock()

		for _, c := range conns {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.transport.Ping(ctx)
			cancel()
			if err != nil {
				slog.Warn("mcp pool: heartbeat failed, scheduling replacement", "server", c.server, "error", err)
				p.dropAndReplace(sp, c)
			}
		}
	}
}

func (p *Pool) dropAndReplace(sp *serverPool, bad *conn) {
	sp.mu.Lock()
	for i, c := range sp.available {
		if c == bad {
			sp.available = append(sp.available[:i], sp.available[i+1:]...)
			sp.size--
			break
		}
	}
	size := sp.size
	sp.mu.Unlock()
	p.Metrics.SetActiveConnections(sp.server, size)
	_ = bad.transport.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.init(ctx, sp.server); err != nil {
			slog.Warn("mcp pool: replacement dial failed", "server", sp.server, "error", err)
		}
	}()
}
