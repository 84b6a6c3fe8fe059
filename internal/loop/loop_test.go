package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koirun/koi/internal/action"
	"github.com/koirun/koi/internal/agentmodel"
	"github.com/koirun/koi/internal/memory"
	"github.com/koirun/koi/internal/permissions"
)

// scriptedLLM replays a fixed queue of batches, one per NextAction call.
type scriptedLLM struct {
	batches [][]action.Action
	calls   int
}

func (s *scriptedLLM) NextAction(ctx context.Context, req Request) ([]action.Action, error) {
	if s.calls >= len(s.batches) {
		return []action.Action{{Intent: "return", Fields: map[string]any{"intent": "return"}}}, nil
	}
	b := s.batches[s.calls]
	s.calls++
	return b, nil
}

func (s *scriptedLLM) Ask(ctx context.Context, question string) (string, error) {
	return "42", nil
}

func newTestAgent(name string) *agentmodel.Agent {
	role := agentmodel.NewRole("tester", "execute", "delegate")
	return agentmodel.New(name, role, agentmodel.LLMConfig{Provider: "stub", Model: "stub"})
}

func returnAction() action.Action {
	return action.Action{Intent: "return", Fields: map[string]any{"intent": "return"}}
}

func promptUserAction() action.Action {
	return action.Action{Intent: "prompt_user", Fields: map[string]any{"intent": "prompt_user"}}
}

func registerBuiltins(reg *action.Registry) {
	reg.Register(action.Definition{
		Intent: "print",
		Execute: func(ctx context.Context, a action.Action, agent *agentmodel.Agent) (action.Result, error) {
			return action.Result{Success: true}, nil
		},
	})
	reg.Register(action.Definition{
		Intent: "prompt_user",
		Execute: func(ctx context.Context, a action.Action, agent *agentmodel.Agent) (action.Result, error) {
			return action.Result{Success: true, Data: map[string]any{"answer": "hello"}}, nil
		},
	})
	reg.Register(action.Definition{
		Intent: "return",
		Execute: func(ctx context.Context, a action.Action, agent *agentmodel.Agent) (action.Result, error) {
			return action.Result{Success: true}, nil
		},
	})
}

func TestFastGreetingBypassesLLM(t *testing.T) {
	reg := action.NewRegistry()
	registerBuiltins(reg)
	orch := action.NewOrchestrator(reg, permissions.New())
	agent := newTestAgent("alice")
	llm := &scriptedLLM{}

	l := New(agent, orch, llm)
	l.CLIMode = true
	l.Now = func() time.Time { return time.Unix(0, 0) }

	res, err := l.Handle(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, llm.calls, "fast-greeting must not call the LLM")
}

func TestReturnInCLIModeWaitsForUser(t *testing.T) {
	reg := action.NewRegistry()
	registerBuiltins(reg)
	require.NoError(t, reg.Register(action.Definition{
		Intent: "do_thing",
		Execute: func(ctx context.Context, a action.Action, agent *agentmodel.Agent) (action.Result, error) {
			return action.Result{Success: true}, nil
		},
	}))
	orch := action.NewOrchestrator(reg, permissions.New())
	agent := newTestAgent("alice")

	llm := &scriptedLLM{batches: [][]action.Action{
		{{Intent: "do_thing", Fields: map[string]any{"intent": "do_thing"}}},
		{returnAction()},
	}}

	l := New(agent, orch, llm)
	l.CLIMode = true
	l.Now = func() time.Time { return time.Unix(0, 0) }
	// Force past the fast-greeting path: simulate an in-progress memory.
	agent.Memory.Append(memory.Assistant, "priming")

	res, err := l.Handle(context.Background(), "do something", nil)
	require.NoError(t, err)
	assert.False(t, res.Success) // CLI "return" doesn't surface a payload, it waits
}

func TestDelegateReturnSurfacesPayload(t *testing.T) {
	reg := action.NewRegistry()
	registerBuiltins(reg)
	orch := action.NewOrchestrator(reg, permissions.New())
	agent := newTestAgent("researcher")

	llm := &scriptedLLM{batches: [][]action.Action{
		{returnAction()},
	}}

	l := New(agent, orch, llm)
	l.CLIMode = true
	l.IsDelegate = true

	res, err := l.Handle(context.Background(), "findPapers", map[string]any{"topic": "llms"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestPivotBudgetExhaustionTerminatesSession(t *testing.T) {
	reg := action.NewRegistry()
	require.NoError(t, reg.Register(action.Definition{
		Intent: "flaky",
		Execute: func(ctx context.Context, a action.Action, agent *agentmodel.Agent) (action.Result, error) {
			return action.Result{Success: false, Error: "boom"}, nil
		},
	}))
	orch := action.NewOrchestrator(reg, permissions.New())
	agent := newTestAgent("alice")

	var batches [][]action.Action
	for i := 0; i < 60; i++ {
		batches = append(batches, []action.Action{{Intent: "flaky", Fields: map[string]any{"intent": "flaky", "input": i}}})
	}
	llm := &scriptedLLM{batches: batches}

	l := New(agent, orch, llm)
	l.IsDelegate = true // skip CLI recovery re-entry to keep the test deterministic

	res, err := l.Handle(context.Background(), "doFlaky", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, l.Session.IsTerminated)
	assert.Equal(t, 3, l.Session.PivotCount)
}
