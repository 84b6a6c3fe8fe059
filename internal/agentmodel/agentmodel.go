// Package agentmodel implements the Agent / Role / Team data model from
// spec.md §3.
package agentmodel

import (
	"strings"
	"sync"

	"github.com/koirun/koi/internal/memory"
)

// Role is a name plus an unordered set of capability tokens. Roles are
// immutable once constructed. Capability checks support hierarchical
// prefix matching: a role holding "registry" also grants "registry:read".
type Role struct {
	Name         string
	capabilities map[string]struct{}
}

// NewRole builds an immutable Role from a capability token list.
func NewRole(name string, capabilities ...string) Role {
	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		set[c] = struct{}{}
	}
	return Role{Name: name, capabilities: set}
}

// Has reports whether the role grants token, directly or via a prefix match
// (e.g. holding "registry" grants "registry:read" and "registry:write").
func (r Role) Has(token string) bool {
	if _, ok := r.capabilities[token]; ok {
		return true
	}
	for capability := range r.capabilities {
		if capability == token {
			return true
		}
		if strings.HasPrefix(token, capability+":") {
			return true
		}
	}
	return false
}

// LLMConfig is the minimal configuration an agent needs to reach its LLM
// provider collaborator (§6's executePlaybookReactive contract).
type LLMConfig struct {
	Provider string
	Model    string
}

// EventHandler maps an event name to either a playbook template name or a
// native Go function reference (the function itself lives with whichever
// package registers it; this just carries the lookup key).
type EventHandler struct {
	Name     string
	Playbook string
	Native   bool
}

// Agent is the identity, configuration and per-turn state described in
// spec.md §3. Created at program start, mutated by action execution,
// destroyed at process exit.
type Agent struct {
	mu sync.RWMutex

	Name     string
	Role     Role
	LLM      LLMConfig
	Skills   []string
	Teams    []string // team memberships by name
	MCPAccess []string // MCP server names this agent may use

	handlers map[string]EventHandler

	// Peers is back-filled by Team construction when this agent has none.
	Peers map[string]any // label -> *Agent or MCP address

	state  map[string]any // mutable user-defined state blob
	Memory *memory.Memory // per-agent context-memory snapshot

	busy bool
}

// New creates an agent with empty state and a fresh context memory.
func New(name string, role Role, llm LLMConfig) *Agent {
	return &Agent{
		Name:     name,
		Role:     role,
		LLM:      llm,
		handlers: make(map[string]EventHandler),
		Peers:    make(map[string]any),
		state:    make(map[string]any),
		Memory:   memory.New(memory.DefaultThresholds, nil),
	}
}

// RegisterHandler adds a named event handler.
func (a *Agent) RegisterHandler(h EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[h.Name] = h
}

// Handler looks up an event handler by exact name.
func (a *Agent) Handler(name string) (EventHandler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.handlers[name]
	return h, ok
}

// HandlerNames returns every registered handler name, for fuzzy resolution.
func (a *Agent) HandlerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.handlers))
	for n := range a.handlers {
		names = append(names, n)
	}
	return names
}

// SetState stores a value in the mutable user-defined state blob.
func (a *Agent) SetState(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[key] = value
}

// GetState reads a value from the mutable user-defined state blob.
func (a *Agent) GetState(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.state[key]
	return v, ok
}

// SetBusy marks whether the agent is currently driving its reactive loop
// (false while waiting at prompt_user).
func (a *Agent) SetBusy(busy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = busy
}

// Busy reports the current busy flag.
func (a *Agent) Busy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.busy
}

// Team is a name plus a mapping from member label to member value (agent
// reference or MCP address string).
type Team struct {
	Name    string
	Members map[string]any
}

// NewTeam constructs a Team and back-fills the Peers reference of every
// contained Agent that currently has no peers set, per spec.md §3.
func NewTeam(name string, members map[string]any) *Team {
	t := &Team{Name: name, Members: members}
	for label, member := range members {
		if ag, ok := member.(*Agent); ok {
			ag.mu.Lock()
			if len(ag.Peers) == 0 {
				for otherLabel, other := range members {
					if otherLabel == label {
						continue
					}
					ag.Peers[otherLabel] = other
				}
			}
			ag.mu.Unlock()
		}
	}
	return t
}
