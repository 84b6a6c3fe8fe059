package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koirun/koi/internal/action"
)

func shellAction(cmd string) action.Action {
	return action.Action{
		Intent: "shell",
		Fields: map[string]any{"intent": "shell", "command": cmd},
	}
}

func TestConsecutiveErrorsResetsOnSuccess(t *testing.T) {
	s := New()
	now := time.Unix(0, 0)
	s.Record(shellAction("ls"), action.Result{Success: false, Error: "boom"}, nil, now)
	s.Record(shellAction("pwd"), action.Result{Success: false, Error: "boom"}, nil, now)
	assert.Equal(t, 2, s.ConsecutiveErrors)

	s.Record(shellAction("echo hi"), action.Result{Success: true}, nil, now)
	assert.Equal(t, 0, s.ConsecutiveErrors)
}

func TestPivotBudgetExhaustsAfterThree(t *testing.T) {
	s := New()
	require.True(t, s.Pivot())
	require.True(t, s.Pivot())
	require.True(t, s.Pivot())
	assert.False(t, s.Pivot())
	assert.Equal(t, 3, s.PivotCount)
}

func TestSameActionRepeatForceTerminates(t *testing.T) {
	s := New()
	now := time.Unix(0, 0)
	a := shellAction("flaky-cmd")
	for i := 0; i < 4; i++ {
		s.Record(a, action.Result{Success: false, Error: "nope"}, nil, now)
		assert.False(t, s.IsTerminated, "should not terminate before the 5th identical record")
	}
	s.Record(a, action.Result{Success: false, Error: "nope"}, nil, now)
	assert.True(t, s.IsTerminated)
	assert.GreaterOrEqual(t, s.ConsecutiveErrors, maxConsecutiveErrors)
}

func TestOscillationDetectorForceTerminates(t *testing.T) {
	s := New()
	now := time.Unix(0, 0)
	a := shellAction("A")
	b := shellAction("B")
	seq := []action.Action{a, b, a, b, a, b, a, b}
	for _, act := range seq {
		if s.IsTerminated {
			break
		}
		s.Record(act, action.Result{Success: true}, nil, now)
	}
	assert.True(t, s.IsTerminated)
}

func TestPerTargetFailureForceTerminates(t *testing.T) {
	s := New()
	now := time.Unix(0, 0)
	read := func(path string) action.Action {
		return action.Action{Intent: "read_file", Fields: map[string]any{"intent": "read_file", "path": path}}
	}
	for i := 0; i < 4; i++ {
		s.Record(read("missing.txt"), action.Result{Success: false, Error: "not found"}, nil, now)
		assert.False(t, s.IsTerminated)
	}
	s.Record(read("missing.txt"), action.Result{Success: false, Error: "not found"}, nil, now)
	assert.True(t, s.IsTerminated)
}

func TestIterationEqualsHistoryLength(t *testing.T) {
	s := New()
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		s.Record(shellAction("x"), action.Result{Success: true}, nil, now)
	}
	assert.Equal(t, 3, s.Iteration())
	assert.Equal(t, len(s.History), s.Iteration())
}
