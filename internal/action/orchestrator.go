package action

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/koirun/koi/internal/agentmodel"
	"github.com/koirun/koi/internal/permissions"
	"github.com/koirun/koi/internal/telemetry"
)

// fileTouchingIntents need a pre-flight permission grant before a parallel
// group may run them concurrently (spec.md §4.3.2 step 1).
var fileTouchingIntents = map[string]permissions.Level{
	"grep":       permissions.Read,
	"search":     permissions.Read,
	"read_file":  permissions.Read,
	"edit_file":  permissions.Write,
	"write_file": permissions.Write,
}

// AgentRunner lets the orchestrator hand a delegate action back to the
// reactive loop that drives the target agent, breaking the import cycle
// between this package and the loop package. The loop package supplies the
// concrete implementation via Orchestrator.SetRunner.
type AgentRunner interface {
	Handle(ctx context.Context, callerName, agentName, event string, args map[string]any) (Result, error)
}

// Resolver is the pluggable global semantic router (spec.md §4.3.1 step
// 4), consulted only when the calling agent has no team.
type Resolver interface {
	Route(ctx context.Context, intent string) (agentName string, ok bool)
}

// SimpleLLM is the minimal LLM collaborator the resolution cascade's final
// step (direct LLM execution, §4.3.1 step 5) needs.
type SimpleLLM interface {
	CallJSON(ctx context.Context, prompt string, agent *agentmodel.Agent) (map[string]any, error)
}

// PermissionPrompter shows the blocking single-user permission dialog from
// spec.md §4.3.2 step 2. A "yes" or "always" response is reported as
// granted=true; the two are not distinguished, and the orchestrator
// records every granted prompt via permissions.Set.Allow so later actions
// inherit the grant.
type PermissionPrompter interface {
	Prompt(ctx context.Context, dir string, level permissions.Level) (granted bool, err error)
}

// Orchestrator is the entry point described in spec.md §4.3: execute(action,
// agent) -> result.
type Orchestrator struct {
	Registry    *Registry
	Permissions *permissions.Set
	Tasks       *TaskTracker
	CallStack   *CallStack

	Runner   AgentRunner
	Resolver Resolver
	LLM      SimpleLLM
	Prompter PermissionPrompter

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// NewOrchestrator wires the process-wide singletons together.
func NewOrchestrator(reg *Registry, perms *permissions.Set) *Orchestrator {
	return &Orchestrator{
		Registry:    reg,
		Permissions: perms,
		Tasks:       NewTaskTracker(),
		CallStack:   NewCallStack(),
	}
}

// SetRunner wires the reactive loop back in after construction (breaks the
// action <-> loop import cycle).
func (o *Orchestrator) SetRunner(r AgentRunner) { o.Runner = r }

// Execute is the orchestrator entry point (spec.md §4.3): normalise, lift,
// dispatch, enforce permissions, and never swallow exceptions — callers
// decide how to react to a returned error.
func (o *Orchestrator) Execute(ctx context.Context, a Action, agent *agentmodel.Agent) (Result, error) {
	a.Normalise()

	resolution := "cascade"
	if a.ActionType == "delegate" {
		resolution = "delegate"
	} else if _, ok := o.Registry.Get(a.Intent); ok {
		resolution = "registry"
	}

	ctx, span := o.Tracer.StartAction(ctx, a.Intent, resolution)
	defer span.End()
	start := time.Now()

	result, err := o.execute(ctx, a, agent, resolution)

	o.Metrics.RecordAction(a.Intent, resolution, time.Since(start), err)
	o.Tracer.RecordError(span, err)
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, a Action, agent *agentmodel.Agent, resolution string) (Result, error) {
	if resolution == "delegate" {
		return o.executeDelegate(ctx, a, agent)
	}

	if resolution == "registry" {
		def, _ := o.Registry.Get(a.Intent)
		if def.Permission != "" && !agent.Role.Has(string(def.Permission)) {
			return Result{Success: false, Denied: true, Message: fmt.Sprintf("role %q lacks permission %q", agent.Role.Name, def.Permission)}, nil
		}
		return def.Execute(ctx, a, agent)
	}

	return o.resolveAction(ctx, a, agent)
}

func (o *Orchestrator) executeDelegate(ctx context.Context, a Action, agent *agentmodel.Agent) (Result, error) {
	taskID, _ := a.Field("taskId")
	taskIDStr, _ := taskID.(string)
	if taskIDStr != "" {
		o.Tasks.Transition(taskIDStr, TaskInProgress)
	}

	result, err := o.resolveAction(ctx, a, agent)

	if taskIDStr != "" {
		if err == nil && result.Success {
			o.Tasks.Transition(taskIDStr, TaskCompleted)
		} else {
			o.Tasks.Transition(taskIDStr, TaskFailed)
		}
	}
	return result, err
}

// resolveAction implements the cascade from spec.md §4.3.1.
func (o *Orchestrator) resolveAction(ctx context.Context, a Action, agent *agentmodel.Agent) (Result, error) {
	done, err := o.CallStack.Push(agent.Name, a.Intent)
	if err != nil {
		return Result{}, err
	}
	defer done()

	// Step 3: qualified "agent::event"/"agent.event" bypasses fuzzy
	// matching and requires the delegate capability.
	if targetAgent, event, ok := splitQualifiedIntent(a.Intent); ok {
		if !agent.Role.Has(string(PermDelegate)) {
			return Result{Success: false, Denied: true, Message: "delegate capability required"}, nil
		}
		return o.delegateTo(ctx, targetAgent, event, a, agent)
	}

	// Step 1: self-handler.
	for _, name := range agent.HandlerNames() {
		if matchHandlerName(name, a.Intent) {
			return o.delegateTo(ctx, agent.Name, name, a, agent)
		}
	}

	// Step 2: own skill.
	for _, skill := range agent.Skills {
		if matchHandlerName(skill, a.Intent) {
			return o.delegateTo(ctx, agent.Name, skill, a, agent)
		}
	}

	// Step 3 continued: team peer search, gated on the delegate
	// capability. Each peer handler name (and the peer's label) is tested
	// with matchHandlerName's exact/substring/keyword checks, and the first
	// peer handler that matches at any of those levels is used. Peers are
	// visited in map order, so an exact match on one peer is not preferred
	// over a keyword match on another.
	if len(agent.Peers) > 0 {
		if !agent.Role.Has(string(PermDelegate)) {
			return Result{Success: false, Denied: true, Message: "delegate capability required"}, nil
		}
		for label, peer := range agent.Peers {
			peerAgent, ok := peer.(*agentmodel.Agent)
			if !ok {
				continue
			}
			for _, name := range peerAgent.HandlerNames() {
				if matchHandlerName(name, a.Intent) || matchHandlerName(label, a.Intent) {
					return o.delegateTo(ctx, peerAgent.Name, name, a, agent)
				}
			}
		}
	} else if o.Resolver != nil {
		// Step 4: global router, only when the agent has no team.
		if target, ok := o.Resolver.Route(ctx, a.Intent); ok {
			return o.delegateTo(ctx, target, a.Intent, a, agent)
		}
	}

	// Step 5: direct LLM execution for simple actions.
	if o.LLM != nil && looksSimple(a) {
		data, err := o.LLM.CallJSON(ctx, a.Intent, agent)
		if err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
		return Result{Success: true, Data: data}, nil
	}

	return Result{Success: false, Error: fmt.Sprintf("no handler found for intent %q", a.Intent)}, nil
}

func (o *Orchestrator) delegateTo(ctx context.Context, agentName, event string, a Action, caller *agentmodel.Agent) (Result, error) {
	if o.Runner == nil {
		return Result{}, fmt.Errorf("action: no agent runner wired for delegation to %q", agentName)
	}
	args := a.Data
	if args == nil {
		args = a.Fields
	}
	return o.Runner.Handle(ctx, caller.Name, agentName, event, args)
}

// looksSimple implements §4.3.1 step 5's heuristic: an inline playbook
// field, an llm_task type, a simple update_state/return, or a short
// free-text intent.
func looksSimple(a Action) bool {
	if _, ok := a.Field("playbook"); ok {
		return true
	}
	if t := a.StringField("actionType"); t == "llm_task" {
		return true
	}
	switch a.Intent {
	case "update_state", "return":
		return true
	}
	return len(strings.Fields(a.Intent)) <= 6 && a.Intent != ""
}

// ChildResult is one sub-action's outcome within a parallel group.
type ChildResult struct {
	Action Action
	Result Result
	Err    error
}

// ExecuteParallelGroup implements spec.md §4.3.2: pre-flight permission
// collection, concurrent execution, and a synthesised `_parallel_done`
// feedback record.
func (o *Orchestrator) ExecuteParallelGroup(ctx context.Context, group []Action, agent *agentmodel.Agent) ([]ChildResult, string, error) {
	if err := o.preflightPermissions(ctx, group); err != nil {
		return nil, "", err
	}

	for i := range group {
		if group[i].ID == "" {
			group[i].ID = uuid.NewString()[:8]
		}
	}

	results := make([]ChildResult, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range group {
		i, child := i, child
		g.Go(func() error {
			res, err := o.Execute(gctx, child, agent)
			results[i] = ChildResult{Action: child, Result: res, Err: err}
			return nil // a child failure never cancels its siblings
		})
	}
	_ = g.Wait()

	return results, renderParallelFeedback(results), nil
}

// preflightPermissions scans every sub-action for file-touching intents,
// deduplicates the (directory, level) pairs they need, and prompts once
// per pair not yet granted. This runs entirely before any concurrent
// execution begins, which is what keeps the permission dialog race-free
// per spec.md §5 without needing a separate FIFO: nothing concurrent is
// touching the prompter yet.
func (o *Orchestrator) preflightPermissions(ctx context.Context, group []Action) error {
	type pair struct {
		dir   string
		level permissions.Level
	}
	seen := make(map[pair]bool)

	for _, child := range group {
		level, needsPermission := fileTouchingIntents[child.Intent]
		if !needsPermission {
			continue
		}
		dir := resolveDirectory(child)
		if dir == "" {
			continue
		}
		p := pair{dir: dir, level: level}
		if seen[p] {
			continue
		}
		seen[p] = true

		if o.Permissions.IsAllowed(dir, level) {
			continue
		}
		if o.Prompter == nil {
			return fmt.Errorf("action: permission required for %s on %s but no prompter configured", level, dir)
		}
		granted, err := o.Prompter.Prompt(ctx, dir, level)
		if err != nil {
			return err
		}
		if !granted {
			return fmt.Errorf("action: permission denied for %s on %s", level, dir)
		}
		o.Permissions.Allow(dir, level)
	}
	return nil
}

func resolveDirectory(a Action) string {
	for _, field := range []string{"path", "file"} {
		if v, ok := a.Field(field); ok {
			if s, ok := v.(string); ok && s != "" {
				if filepath.Ext(s) != "" {
					return filepath.Dir(s)
				}
				return s
			}
		}
	}
	return ""
}

func renderParallelFeedback(results []ChildResult) string {
	var b strings.Builder
	b.WriteString("_parallel_done\n")
	for _, r := range results {
		id := r.Action.ID
		label := r.Action.Intent
		if id != "" {
			label = fmt.Sprintf("%s[%s]", label, id)
		}
		if r.Err == nil && r.Result.Success {
			fmt.Fprintf(&b, "✅ %s → %v\n", label, r.Result.Data)
		} else {
			msg := r.Result.Error
			if r.Err != nil {
				msg = r.Err.Error()
			}
			fmt.Fprintf(&b, "❌ %s → %s\n", label, msg)
		}
	}
	return b.String()
}
