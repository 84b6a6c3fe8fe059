package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/koirun/koi/internal/action"
)

// Router maps agent names to their running Loop and implements
// action.AgentRunner, letting the orchestrator hand a delegate action back
// into the target agent's own reactive loop without an import cycle.
type Router struct {
	mu    sync.RWMutex
	loops map[string]*Loop
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{loops: make(map[string]*Loop)}
}

// Register associates a Loop with its agent's name.
func (r *Router) Register(name string, l *Loop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loops[name] = l
}

// Handle implements action.AgentRunner: a delegate target runs its own
// reactive loop with IsDelegate=true, with Parent wired to the caller's
// loop (if registered) so a subsequent ask_parent can reach it.
func (r *Router) Handle(ctx context.Context, callerName, agentName, event string, args map[string]any) (action.Result, error) {
	r.mu.RLock()
	target, ok := r.loops[agentName]
	caller := r.loops[callerName]
	r.mu.RUnlock()
	if !ok {
		return action.Result{}, fmt.Errorf("loop: no registered agent named %q", agentName)
	}
	target.IsDelegate = true
	if caller != nil {
		target.Parent = caller
	}
	return target.Handle(ctx, event, args)
}
