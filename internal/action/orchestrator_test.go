package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koirun/koi/internal/agentmodel"
	"github.com/koirun/koi/internal/permissions"
)

func newTestAgent(name string, capabilities ...string) *agentmodel.Agent {
	role := agentmodel.NewRole("tester", capabilities...)
	return agentmodel.New(name, role, agentmodel.LLMConfig{Provider: "stub", Model: "stub"})
}

func TestExecuteDirectActionViaRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Intent:     "echo",
		Permission: PermExecute,
		Execute: func(ctx context.Context, a Action, agent *agentmodel.Agent) (Result, error) {
			return Result{Success: true, Data: map[string]any{"echoed": a.StringField("text")}}, nil
		},
	}))

	orch := NewOrchestrator(reg, permissions.Global())
	agent := newTestAgent("alice", "execute")

	a := Action{Intent: "echo", Fields: map[string]any{"intent": "echo", "text": "hi"}}
	res, err := orch.Execute(context.Background(), a, agent)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Data["echoed"])
}

func TestExecuteDeniesMissingPermission(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Intent:     "dangerous",
		Permission: PermExecute,
		Execute: func(ctx context.Context, a Action, agent *agentmodel.Agent) (Result, error) {
			return Result{Success: true}, nil
		},
	}))

	orch := NewOrchestrator(reg, permissions.New())
	agent := newTestAgent("bob") // no capabilities

	res, err := orch.Execute(context.Background(), Action{Intent: "dangerous", Fields: map[string]any{"intent": "dangerous"}}, agent)
	require.NoError(t, err)
	assert.True(t, res.Denied)
}

type stubRunner struct {
	calls []string
}

func (s *stubRunner) Handle(ctx context.Context, callerName, agentName, event string, args map[string]any) (Result, error) {
	s.calls = append(s.calls, agentName+":"+event)
	return Result{Success: true, Data: map[string]any{"handledBy": agentName}}, nil
}

func TestResolveActionFallsBackToSelfHandler(t *testing.T) {
	reg := NewRegistry()
	orch := NewOrchestrator(reg, permissions.New())
	runner := &stubRunner{}
	orch.SetRunner(runner)

	agent := newTestAgent("alice")
	agent.RegisterHandler(agentmodel.EventHandler{Name: "summarizeDocument", Native: true})

	res, err := orch.Execute(context.Background(), Action{Intent: "summarize document", Fields: map[string]any{"intent": "summarize document"}}, agent)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"alice:summarizeDocument"}, runner.calls)
}

func TestResolveActionRequiresDelegateCapabilityForPeers(t *testing.T) {
	reg := NewRegistry()
	orch := NewOrchestrator(reg, permissions.New())
	orch.SetRunner(&stubRunner{})

	alice := newTestAgent("alice") // no delegate capability
	bob := newTestAgent("bob")
	bob.RegisterHandler(agentmodel.EventHandler{Name: "reviewCode", Native: true})
	agentmodel.NewTeam("dev-team", map[string]any{"alice": alice, "bob": bob})

	res, err := orch.Execute(context.Background(), Action{Intent: "review code", Fields: map[string]any{"intent": "review code"}}, alice)
	require.NoError(t, err)
	assert.True(t, res.Denied)
}

func TestResolveActionDelegatesToPeerWithCapability(t *testing.T) {
	reg := NewRegistry()
	orch := NewOrchestrator(reg, permissions.New())
	runner := &stubRunner{}
	orch.SetRunner(runner)

	alice := newTestAgent("alice", "delegate")
	bob := newTestAgent("bob")
	bob.RegisterHandler(agentmodel.EventHandler{Name: "reviewCode", Native: true})
	agentmodel.NewTeam("dev-team", map[string]any{"alice": alice, "bob": bob})

	res, err := orch.Execute(context.Background(), Action{Intent: "review code", Fields: map[string]any{"intent": "review code"}}, alice)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"bob:reviewCode"}, runner.calls)
}

func TestQualifiedIntentBypassesFuzzyMatch(t *testing.T) {
	reg := NewRegistry()
	orch := NewOrchestrator(reg, permissions.New())
	runner := &stubRunner{}
	orch.SetRunner(runner)

	agent := newTestAgent("alice", "delegate")
	res, err := orch.Execute(context.Background(), Action{Intent: "researcher::findPapers", Fields: map[string]any{"intent": "researcher::findPapers"}}, agent)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"researcher:findPapers"}, runner.calls)
}

func TestCallStackDetectsInfiniteRecursion(t *testing.T) {
	reg := NewRegistry()
	orch := NewOrchestrator(reg, permissions.New())
	agent := newTestAgent("alice", "delegate")

	// Manually push the signature resolveAction is about to push, to
	// simulate a cycle without needing a real recursive runner.
	done, err := orch.CallStack.Push("alice", "loopIntent")
	require.NoError(t, err)
	defer done()

	_, err = orch.resolveAction(context.Background(), Action{Intent: "loopIntent", Fields: map[string]any{"intent": "loopIntent"}}, agent)
	assert.Error(t, err)
}

func TestDelegateAutoTransitionsTaskState(t *testing.T) {
	reg := NewRegistry()
	orch := NewOrchestrator(reg, permissions.New())
	runner := &stubRunner{}
	orch.SetRunner(runner)

	agent := newTestAgent("alice", "delegate")
	a := Action{
		ActionType: "delegate",
		Intent:     "researcher::findPapers",
		Fields:     map[string]any{"intent": "researcher::findPapers", "actionType": "delegate", "taskId": "t1"},
	}
	res, err := orch.Execute(context.Background(), a, agent)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, TaskCompleted, orch.Tasks.State("t1"))
}

type alwaysGrant struct{ prompts int }

func (a *alwaysGrant) Prompt(ctx context.Context, dir string, level permissions.Level) (bool, error) {
	a.prompts++
	return true, nil
}

func TestExecuteParallelGroupCollectsPermissionsOnce(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Intent:     "read_file",
		Permission: PermExecute,
		Execute: func(ctx context.Context, a Action, agent *agentmodel.Agent) (Result, error) {
			return Result{Success: true}, nil
		},
	}))

	perms := permissions.New()
	orch := NewOrchestrator(reg, perms)
	prompter := &alwaysGrant{}
	orch.Prompter = prompter

	agent := newTestAgent("alice", "execute")
	group := []Action{
		{Intent: "read_file", Fields: map[string]any{"intent": "read_file", "path": "/src/a.go"}},
		{Intent: "read_file", Fields: map[string]any{"intent": "read_file", "path": "/src/b.go"}},
	}

	results, feedback, err := orch.ExecuteParallelGroup(context.Background(), group, agent)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 1, prompter.prompts) // both files share /src
	assert.Contains(t, feedback, "_parallel_done")
}
