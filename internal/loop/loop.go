// Package loop implements the Reactive Agent Loop from spec.md §4.1: the
// per-agent state machine that interleaves LLM calls with action execution
// via the orchestrator, drives the loop detectors in PlaybookSession, and
// enforces the pivot/termination and delegate-handoff contracts.
package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/koirun/koi/internal/action"
	"github.com/koirun/koi/internal/agentmodel"
	"github.com/koirun/koi/internal/memory"
	"github.com/koirun/koi/internal/playbook"
	"github.com/koirun/koi/internal/telemetry"
)

const (
	recoveryMessage = "The previous approach failed repeatedly. Abandon it and try something fundamentally different."
	taskDoneMessage = "Task completed. Use prompt_user now."
)

// Request is what the LLM provider collaborator receives to produce the
// next action (or batch).
type Request struct {
	SystemPrompt       string
	Transcript         []memory.Message
	ActionDescriptions []string
	DelegationTargets  []string
	MCPTools           []string
}

// Provider is the pluggable LLM collaborator (spec.md's explicit Non-goal:
// "the LLM provider adapters... are pluggable collaborators the core
// consumes"). NextAction returns one iteration's batch — a single action or
// several when the model chose a parallel group.
type Provider interface {
	NextAction(ctx context.Context, req Request) ([]action.Action, error)
	Ask(ctx context.Context, question string) (string, error)
}

// SlashHandler intercepts a prompt_user answer beginning with "/". A true
// return means the handler consumed the turn and the loop should continue
// without treating the answer as a normal user message.
type SlashHandler func(ctx context.Context, agent *agentmodel.Agent, answer string) (handled bool, err error)

// Loop drives one agent's handle(event, args) invocation end to end.
type Loop struct {
	Agent        *agentmodel.Agent
	Orchestrator *action.Orchestrator
	LLM          Provider
	Session      *playbook.Session

	IsDelegate bool
	CLIMode    bool

	Parent *Loop // set when this loop was entered via delegation, for ask_parent

	SlashHandler SlashHandler
	OnFlush      func(ctx context.Context) error // session-tracker commit hook, called before prompt_user/return
	Now          func() time.Time

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	aborted     bool
	pendingArgs map[string]any
	recovered   bool
}

// New builds a loop with sane defaults (real wall-clock time, a fresh
// playbook session).
func New(agent *agentmodel.Agent, orch *action.Orchestrator, llm Provider) *Loop {
	return &Loop{
		Agent:        agent,
		Orchestrator: orch,
		LLM:          llm,
		Session:      playbook.New(),
		Now:          time.Now,
	}
}

// Abort records a user Ctrl-C equivalent. Any loop currently running should
// observe it at the top of its next iteration; a subsequent Handle call
// silently waits for the next input without attempting recovery.
func (l *Loop) Abort() { l.aborted = true }

// Handle runs the reactive loop for one event (spec.md §4.1 contract).
func (l *Loop) Handle(ctx context.Context, event string, args map[string]any) (action.Result, error) {
	if l.aborted {
		return action.Result{Success: false, Message: "aborted"}, nil
	}

	l.Agent.SetBusy(true)
	l.pendingArgs = args
	l.Agent.Memory.Append(memory.User, renderEvent(event, args))

	if l.fastGreetingApplies() {
		return l.runFastGreeting(ctx)
	}

	start := l.now()
	result, err := l.run(ctx, event, args)
	l.Metrics.RecordLoopRun(l.Agent.Name, l.now().Sub(start))
	if err != nil {
		return result, err
	}

	if l.Session.IsTerminated && !l.recovered && l.CLIMode && !l.IsDelegate {
		// §4.1(d): error/pivot budget exhausted -> exactly one recovery
		// re-entry with a synthetic message, never a second one.
		l.recovered = true
		l.Session = playbook.New()
		l.Agent.Memory.Append(memory.System, "Previous attempt failed to complete. Starting error recovery.")
		return l.run(ctx, event, args)
	}

	return result, nil
}

func (l *Loop) fastGreetingApplies() bool {
	return !l.IsDelegate && l.CLIMode && l.Session.Iteration() == 0 &&
		l.Agent.Memory.Len() <= 1 // the user message just appended is the only entry
}

func (l *Loop) runFastGreeting(ctx context.Context) (action.Result, error) {
	greet := action.Action{Intent: "print", Fields: map[string]any{"intent": "print", "text": "Ready."}}
	prompt := action.Action{Intent: "prompt_user", Fields: map[string]any{"intent": "prompt_user"}}

	if _, err := l.dispatch(ctx, greet); err != nil {
		return action.Result{}, err
	}
	res, err := l.dispatch(ctx, prompt)
	if err != nil {
		return action.Result{}, err
	}
	l.Agent.SetBusy(false)
	return res, nil
}

// run executes per-iteration sequence steps 1-6 until the session
// terminates, a return/ask_parent short-circuits, or the context cancels.
func (l *Loop) run(ctx context.Context, event string, args map[string]any) (action.Result, error) {
	for {
		select {
		case <-ctx.Done():
			return action.Result{}, ctx.Err()
		default:
		}

		// Step 1.
		if l.aborted {
			return action.Result{Success: false, Message: "aborted"}, nil
		}

		iterCtx, iterSpan := l.Tracer.StartLoopIteration(ctx, l.Agent.Name, l.Session.Iteration())
		l.Metrics.RecordLoopIteration(l.Agent.Name)

		// Step 2.
		if l.Session.ShouldPivot() {
			if !l.Session.Pivot() {
				l.Session.Terminate(nil)
				l.Metrics.RecordTermination(l.Agent.Name, "pivot_exhausted")
				iterSpan.End()
				break
			}
			l.Metrics.RecordPivot(l.Agent.Name)
			l.Agent.Memory.Append(memory.System, fmt.Sprintf("CRITICAL — PIVOT REQUIRED (attempt %d/3)", l.Session.PivotCount))
		}

		// Step 3.
		batch, err := l.nextBatch(iterCtx)
		if err != nil {
			l.Agent.Memory.Append(memory.System, "_llm_error: "+err.Error())
			l.Session.ConsecutiveErrors++ // recorded but never itself pivot-increments alone beyond the counter
			iterSpan.End()
			continue
		}

		// Step 4.
		terminal, result, retErr := l.runBatch(iterCtx, event, batch)
		if retErr != nil {
			l.Tracer.RecordError(iterSpan, retErr)
			iterSpan.End()
			return action.Result{}, retErr
		}
		if terminal {
			iterSpan.End()
			return result, nil
		}

		if err := l.Agent.Memory.Tick(); err != nil {
			iterSpan.End()
			return action.Result{}, err
		}

		iterSpan.End()

		// Step 6.
		if l.Session.IsTerminated {
			l.Metrics.RecordTermination(l.Agent.Name, "playbook_detector")
			break
		}
	}

	return action.Result{Success: false, Message: "session terminated"}, nil
}

// runBatch executes step 4's per-item sequence and step 5's special
// handling for prompt_user/return/ask_parent. It reports (terminal,
// result, err): terminal=true means the loop's contract is satisfied and
// Handle should return result immediately.
func (l *Loop) runBatch(ctx context.Context, event string, batch []action.Action) (bool, action.Result, error) {
	for _, item := range batch {
		if item.IsParallelGroup() {
			results, feedback, err := l.Orchestrator.ExecuteParallelGroup(ctx, item.Parallel, l.Agent)
			if err != nil {
				l.Agent.Memory.Append(memory.System, "_parallel_error: "+err.Error())
				l.Session.ConsecutiveErrors++
				continue
			}
			l.Agent.Memory.Append(memory.System, feedback)
			for _, r := range results {
				l.Session.Record(r.Action, r.Result, r.Err, l.now())
			}
			continue
		}

		switch item.Intent {
		case "ask_parent":
			return l.handleAskParent(ctx, event, item)
		case "prompt_user":
			return l.handlePromptUser(ctx, item)
		case "return":
			return l.handleReturn(ctx, item)
		}

		res, err := l.Orchestrator.Execute(ctx, item, l.Agent)
		l.Session.Record(item, res, err, l.now())
		hint := l.thinkingHint(item, res)
		if hint != "" {
			l.Agent.Memory.Append(memory.System, "next: "+hint)
		}
		l.Agent.Memory.Append(memory.Assistant, renderResult(item, res, err))

		if l.Session.IsTerminated {
			return true, res, nil
		}
	}
	return false, action.Result{}, nil
}

func (l *Loop) handleAskParent(ctx context.Context, event string, item action.Action) (bool, action.Result, error) {
	question := item.StringField("question")
	if l.Parent == nil {
		return true, action.Result{Success: false, Error: "ask_parent called without a parent loop"}, nil
	}
	answer, err := l.Parent.LLM.Ask(ctx, question)
	if err != nil {
		return true, action.Result{}, err
	}
	args := l.pendingArgs
	if args == nil {
		args = make(map[string]any)
	}
	args["answer"] = answer
	res, err := l.Handle(ctx, event, args)
	return true, res, err
}

func (l *Loop) handlePromptUser(ctx context.Context, item action.Action) (bool, action.Result, error) {
	if l.OnFlush != nil {
		if err := l.OnFlush(ctx); err != nil {
			return true, action.Result{}, err
		}
	}
	l.Agent.SetBusy(false)

	res, err := l.Orchestrator.Execute(ctx, item, l.Agent)
	l.Session.Record(item, res, err, l.now())

	answer := res.StringData("answer")
	if strings.HasPrefix(answer, "/") && l.SlashHandler != nil {
		handled, herr := l.SlashHandler(ctx, l.Agent, answer)
		if herr != nil {
			return true, action.Result{}, herr
		}
		if handled {
			l.Agent.SetBusy(true)
			return false, action.Result{}, nil
		}
	}
	l.Agent.SetBusy(true)
	return true, res, err
}

func (l *Loop) handleReturn(ctx context.Context, item action.Action) (bool, action.Result, error) {
	if l.OnFlush != nil {
		if err := l.OnFlush(ctx); err != nil {
			return true, action.Result{}, err
		}
	}

	res, err := l.Orchestrator.Execute(ctx, item, l.Agent)
	l.Session.Record(item, res, err, l.now())

	if l.IsDelegate || !l.CLIMode {
		l.Agent.SetBusy(false)
		return true, res, err
	}

	// CLI top-level: "return" just means wait for the user.
	l.Agent.Memory.Append(memory.System, taskDoneMessage)
	l.Agent.SetBusy(false)
	return false, action.Result{}, nil
}

func (l *Loop) nextBatch(ctx context.Context) ([]action.Action, error) {
	req := Request{
		SystemPrompt:       l.systemPrompt(),
		Transcript:         l.Agent.Memory.ToMessages(),
		ActionDescriptions: l.Orchestrator.Registry.Descriptions(),
		DelegationTargets:  peerNames(l.Agent),
		MCPTools:           l.Agent.MCPAccess,
	}
	return l.LLM.NextAction(ctx, req)
}

func (l *Loop) systemPrompt() string {
	return fmt.Sprintf("You are %s, role %s.", l.Agent.Name, l.Agent.Role.Name)
}

func (l *Loop) thinkingHint(a action.Action, res action.Result) string {
	if def, ok := l.Orchestrator.Registry.Get(a.Intent); ok {
		return def.Hint(a)
	}
	if !res.Success {
		return "recover from the last error"
	}
	return ""
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) dispatch(ctx context.Context, a action.Action) (action.Result, error) {
	res, err := l.Orchestrator.Execute(ctx, a, l.Agent)
	l.Session.Record(a, res, err, l.now())
	return res, err
}

func peerNames(agent *agentmodel.Agent) []string {
	names := make([]string, 0, len(agent.Peers))
	for label := range agent.Peers {
		names = append(names, label)
	}
	return names
}

func renderEvent(event string, args map[string]any) string {
	return fmt.Sprintf("event=%s args=%v", event, args)
}

func renderResult(a action.Action, res action.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("%s -> error: %s", a.Intent, err.Error())
	}
	if !res.Success {
		return fmt.Sprintf("%s -> failed: %s", a.Intent, res.Error)
	}
	return fmt.Sprintf("%s -> ok: %v", a.Intent, res.Data)
}
