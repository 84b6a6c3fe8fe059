package action

import "sync"

// TaskState is the lifecycle of a delegated task, named the way the spec's
// delegate bookkeeping describes it (spec.md §4.3: "Auto-transition
// associated taskId (pending → in_progress before call; in_progress →
// completed after success)"). Kept as a plain enum rather than pulling in a
// full agent-to-agent task protocol — see DESIGN.md for why that dependency
// was dropped.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// TaskTracker holds the state of every taskId seen by the orchestrator.
type TaskTracker struct {
	mu     sync.Mutex
	states map[string]TaskState
}

// NewTaskTracker builds an empty tracker.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{states: make(map[string]TaskState)}
}

// State returns the current state of taskID, defaulting to pending for an
// unseen id.
func (t *TaskTracker) State(taskID string) TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[taskID]; ok {
		return s
	}
	return TaskPending
}

// Transition sets taskID's state.
func (t *TaskTracker) Transition(taskID string, state TaskState) {
	if taskID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[taskID] = state
}
