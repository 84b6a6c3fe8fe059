package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/koirun/koi/internal/action"
	"github.com/koirun/koi/internal/agentmodel"
	"github.com/koirun/koi/internal/builtin"
	koiconfig "github.com/koirun/koi/internal/config"
	"github.com/koirun/koi/internal/loop"
	"github.com/koirun/koi/internal/memory"
	"github.com/koirun/koi/internal/permissions"
	"github.com/koirun/koi/internal/session"
	"github.com/koirun/koi/internal/telemetry"
)

// RunCmd starts an interactive agent session against stdin/stdout.
type RunCmd struct {
	Agent       string `help:"Agent name to run." default:"assistant"`
	MetricsAddr string `name:"metrics-addr" help:"Address for the /metrics and /healthz surface; empty disables it." default:""`
	Trace       bool   `help:"Emit OpenTelemetry spans for loop iterations, actions, and MCP calls to stdout." default:"false"`
}

func (c *RunCmd) Run(ctx context.Context, cli *CLI) error {
	cfg, err := koiconfig.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("run: loading config: %w", err)
	}

	metrics := telemetry.New(telemetry.Config{Enabled: c.MetricsAddr != ""})
	if c.MetricsAddr != "" {
		srv := telemetry.NewServer(c.MetricsAddr, metrics)
		go func() {
			if err := srv.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "telemetry server: %v\n", err)
			}
		}()
	}

	tracer, err := telemetry.NewTracer(ctx, telemetry.TracingConfig{Enabled: c.Trace, Exporter: "stdout", ServiceName: "koi"})
	if err != nil {
		return fmt.Errorf("run: starting tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	role := agentmodel.NewRole(c.Agent, "execute", "delegate")
	agent := agentmodel.New(c.Agent, role, agentmodel.LLMConfig{})
	agent.Memory = memory.New(memory.Thresholds{
		N: cfg.Agent.MemoryRecentWindow,
		M: cfg.Agent.MemoryMidWindow,
		L: cfg.Agent.MemoryLongWindow,
	}, nil)
	agent.Memory.SetMetrics(c.Agent, metrics)

	perms := permissions.Global()
	for _, dir := range cfg.Perms.Allow {
		perms.Allow(dir, permissions.Write)
	}

	tracker, err := session.New(".koi", nil, nil)
	if err != nil {
		return fmt.Errorf("run: opening session tracker: %w", err)
	}
	tracker.SetMetrics(metrics)

	orch := action.NewOrchestrator(action.NewRegistry(), perms)
	orch.Prompter = stdinPrompter{}
	orch.Metrics = metrics
	orch.Tracer = tracer
	if err := builtin.Register(orch.Registry, builtin.Deps{Permissions: perms, Prompter: orch.Prompter, Tracker: tracker}); err != nil {
		return fmt.Errorf("run: registering built-in actions: %w", err)
	}

	router := loop.NewRouter()
	agentLoop := loop.New(agent, orch, stdinProvider{})
	agentLoop.Metrics = metrics
	agentLoop.Tracer = tracer
	agentLoop.OnFlush = func(ctx context.Context) error {
		if !tracker.HasPendingChanges() {
			return nil
		}
		_, err := tracker.CommitChanges(ctx, "")
		return err
	}
	router.Register(c.Agent, agentLoop)
	orch.SetRunner(router)

	fmt.Printf("koi: running agent %q. Type a message, or /quit to exit.\n", c.Agent)
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		result, err := agentLoop.Handle(ctx, "message", map[string]any{"text": line})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if msg := result.StringData("message"); msg != "" {
			fmt.Println(msg)
		}
	}
}

// stdinPrompter asks on stdout/stdin for permission grants, grounded on
// the teacher's direct-chat terminal interaction style.
type stdinPrompter struct{}

func (stdinPrompter) Prompt(_ context.Context, dir string, level permissions.Level) (bool, error) {
	fmt.Printf("koi wants %s access to %q. Allow? [y/N] ", level, dir)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// stdinProvider is a development-only Provider: since LLM adapters are an
// explicit out-of-scope collaborator (spec.md §1), it prints the system
// prompt and always answers with a single prompt_user action; it does not
// read actions from the terminal.
type stdinProvider struct{}

func (stdinProvider) NextAction(_ context.Context, req loop.Request) ([]action.Action, error) {
	fmt.Println(req.SystemPrompt)
	return []action.Action{{Intent: "prompt_user", Fields: map[string]any{"intent": "prompt_user"}}}, nil
}

func (stdinProvider) Ask(_ context.Context, question string) (string, error) {
	fmt.Println(question)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(answer), nil
}
