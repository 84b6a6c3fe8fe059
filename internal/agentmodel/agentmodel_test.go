package agentmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleHierarchicalCapability(t *testing.T) {
	r := NewRole("operator", "registry", "delegate")
	assert.True(t, r.Has("registry"))
	assert.True(t, r.Has("registry:read"))
	assert.True(t, r.Has("registry:write"))
	assert.True(t, r.Has("delegate"))
	assert.False(t, r.Has("execute"))
}

func TestTeamBackfillsPeers(t *testing.T) {
	a1 := New("alpha", NewRole("worker"), LLMConfig{})
	a2 := New("beta", NewRole("worker"), LLMConfig{})

	NewTeam("pair", map[string]any{
		"alpha": a1,
		"beta":  a2,
	})

	assert.Same(t, a2, a1.Peers["beta"])
	assert.Same(t, a1, a2.Peers["alpha"])
}

func TestTeamDoesNotOverwriteExistingPeers(t *testing.T) {
	a1 := New("alpha", NewRole("worker"), LLMConfig{})
	a2 := New("beta", NewRole("worker"), LLMConfig{})
	a3 := New("gamma", NewRole("worker"), LLMConfig{})

	a1.Peers["preexisting"] = a3

	NewTeam("pair", map[string]any{
		"alpha": a1,
		"beta":  a2,
	})

	assert.Same(t, a3, a1.Peers["preexisting"])
	_, hasBeta := a1.Peers["beta"]
	assert.False(t, hasBeta)
}
