package action

import (
	"fmt"
	"sync"
)

// CallStack is the process-wide infinite-loop guard from spec.md §4.3.1: a
// stack of "agentName:intent" signatures pushed on resolveAction entry and
// popped on exit. If the same signature appears twice, the second push
// fails immediately rather than recursing forever.
type CallStack struct {
	mu    sync.Mutex
	stack []string
}

// NewCallStack builds an empty call stack.
func NewCallStack() *CallStack { return &CallStack{} }

// Push records signature and reports an error if it is already present
// anywhere in the current stack.
func (c *CallStack) Push(agentName, intent string) (func(), error) {
	sig := agentName + ":" + intent

	c.mu.Lock()
	for _, s := range c.stack {
		if s == sig {
			c.mu.Unlock()
			return nil, fmt.Errorf("action: infinite recursion detected for %s", sig)
		}
	}
	c.stack = append(c.stack, sig)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i := len(c.stack) - 1; i >= 0; i-- {
			if c.stack[i] == sig {
				c.stack = append(c.stack[:i], c.stack[i+1:]...)
				return
			}
		}
	}, nil
}
