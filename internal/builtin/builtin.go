// Package builtin registers the concrete action executors for the
// runtime's core intents (print, prompt_user, return, and the
// filesystem/search tools), grounded on the teacher's
// pkg/tool/filetool package (read_file.go, write_file.go,
// grep_search.go): a plain os.ReadFile/os.WriteFile implementation
// rather than a third-party filesystem abstraction. Paths are used as
// given; the only gate on them is the permission check in
// ensureAllowed, with no separate relative-path validation or
// directory-traversal rejection.
package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/koirun/koi/internal/action"
	"github.com/koirun/koi/internal/agentmodel"
	"github.com/koirun/koi/internal/permissions"
	"github.com/koirun/koi/internal/session"
)

// maxGrepResults caps a single grep action's matches, mirroring the
// teacher's GrepSearchConfig.MaxResults ceiling.
const maxGrepResults = 200

// Deps wires the collaborators the filesystem tools need: the
// process-wide permission set and its prompter (spec.md §4.8), and the
// session tracker so every write/edit stages its pre-image before
// mutating disk (spec.md §4.4). Tracker may be nil in contexts that
// don't need commit history (e.g. a short-lived test agent).
type Deps struct {
	Permissions *permissions.Set
	Prompter    action.PermissionPrompter
	Tracker     *session.Tracker
}

// Register adds a Definition for every core intent to reg.
func Register(reg *action.Registry, deps Deps) error {
	defs := []action.Definition{
		printDefinition(),
		promptUserDefinition(),
		returnDefinition(),
		readFileDefinition(deps),
		writeFileDefinition(deps),
		editFileDefinition(deps),
		grepDefinition(deps),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}

func printDefinition() action.Definition {
	return action.Definition{
		Intent:       "print",
		Description:  "Print a message to the user without waiting for a reply.",
		Permission:   action.PermExecute,
		ThinkingHint: "continue to the next step",
		Execute: func(_ context.Context, a action.Action, _ *agentmodel.Agent) (action.Result, error) {
			text := a.StringField("text")
			fmt.Println(text)
			return action.Result{Success: true, Data: map[string]any{"text": text}}, nil
		},
	}
}

func promptUserDefinition() action.Definition {
	return action.Definition{
		Intent:      "prompt_user",
		Description: "Ask the user a question and wait for their reply.",
		Permission:  action.PermExecute,
		Execute: func(_ context.Context, a action.Action, _ *agentmodel.Agent) (action.Result, error) {
			if q := a.StringField("question"); q != "" {
				fmt.Println(q)
			}
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return action.Result{Success: false, Error: err.Error()}, nil
			}
			return action.Result{Success: true, Data: map[string]any{"answer": strings.TrimSpace(line)}}, nil
		},
	}
}

func returnDefinition() action.Definition {
	return action.Definition{
		Intent:      "return",
		Description: "Finish the current task and hand control back to the caller.",
		Permission:  action.PermExecute,
		Execute: func(_ context.Context, a action.Action, _ *agentmodel.Agent) (action.Result, error) {
			summary := a.StringField("summary")
			if summary == "" {
				summary = a.StringField("message")
			}
			return action.Result{Success: true, Data: map[string]any{"message": summary}}, nil
		},
	}
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path of the file to read"`
}

func readFileDefinition(deps Deps) action.Definition {
	return action.Definition{
		Intent:      "read_file",
		Description: "Read the contents of a file.",
		Permission:  action.PermExecute,
		Schema:      action.SchemaOf(readFileArgs{}),
		Execute: func(ctx context.Context, a action.Action, _ *agentmodel.Agent) (action.Result, error) {
			path := a.StringField("path")
			if path == "" {
				return action.Result{Success: false, Error: "read_file: path is required"}, nil
			}
			if err := ensureAllowed(ctx, deps, path, permissions.Read); err != nil {
				return action.Result{Success: false, Denied: true, Error: err.Error()}, nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return action.Result{Success: false, Error: err.Error()}, nil
			}
			return action.Result{Success: true, Data: map[string]any{"path": path, "content": string(content)}}, nil
		},
	}
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the file to create or overwrite"`
	Content string `json:"content" jsonschema:"required,description=Full content to write"`
}

func writeFileDefinition(deps Deps) action.Definition {
	return action.Definition{
		Intent:      "write_file",
		Description: "Create a new file or overwrite an existing file with content.",
		Permission:  action.PermExecute,
		Schema:      action.SchemaOf(writeFileArgs{}),
		Execute: func(ctx context.Context, a action.Action, _ *agentmodel.Agent) (action.Result, error) {
			path := a.StringField("path")
			content := a.StringField("content")
			if path == "" {
				return action.Result{Success: false, Error: "write_file: path is required"}, nil
			}
			if err := ensureAllowed(ctx, deps, path, permissions.Write); err != nil {
				return action.Result{Success: false, Denied: true, Error: err.Error()}, nil
			}

			old, _ := os.ReadFile(path) // a file that doesn't exist yet just stages an empty pre-image
			if deps.Tracker != nil {
				deps.Tracker.TrackFile(path, string(old))
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return action.Result{Success: false, Error: err.Error()}, nil
				}
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return action.Result{Success: false, Error: err.Error()}, nil
			}
			return action.Result{Success: true, Data: map[string]any{"path": path, "bytes": len(content)}}, nil
		},
	}
}

type editFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=Path of the file to edit"`
	OldString string `json:"old_string" jsonschema:"required,description=Exact text to replace; must be unique in the file"`
	NewString string `json:"new_string" jsonschema:"description=Replacement text"`
}

func editFileDefinition(deps Deps) action.Definition {
	return action.Definition{
		Intent:      "edit_file",
		Description: "Replace an exact, unique text span inside an existing file.",
		Permission:  action.PermExecute,
		Schema:      action.SchemaOf(editFileArgs{}),
		Execute: func(ctx context.Context, a action.Action, _ *agentmodel.Agent) (action.Result, error) {
			path := a.StringField("path")
			oldString := a.StringField("old_string")
			newString := a.StringField("new_string")
			if path == "" || oldString == "" {
				return action.Result{Success: false, Error: "edit_file: path and old_string are required"}, nil
			}
			if err := ensureAllowed(ctx, deps, path, permissions.Write); err != nil {
				return action.Result{Success: false, Denied: true, Error: err.Error()}, nil
			}

			old, err := os.ReadFile(path)
			if err != nil {
				return action.Result{Success: false, Error: err.Error()}, nil
			}
			count := strings.Count(string(old), oldString)
			if count == 0 {
				return action.Result{Success: false, Error: fmt.Sprintf("edit_file: %q not found in %s", oldString, path),
					Fix: "re-read the file and copy the exact text to replace"}, nil
			}
			if count > 1 {
				return action.Result{Success: false, Error: fmt.Sprintf("edit_file: %q is not unique in %s (%d occurrences)", oldString, path, count),
					Fix: "include more surrounding context so old_string is unique"}, nil
			}

			if deps.Tracker != nil {
				deps.Tracker.TrackFile(path, string(old))
			}
			updated := strings.Replace(string(old), oldString, newString, 1)
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return action.Result{Success: false, Error: err.Error()}, nil
			}
			return action.Result{Success: true, Data: map[string]any{"path": path}}, nil
		},
	}
}

type grepArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path    string `json:"path,omitempty" jsonschema:"description=File or directory to search,default=."`
}

func grepDefinition(deps Deps) action.Definition {
	return action.Definition{
		Intent:      "grep",
		Description: "Search files under a path for a regular expression.",
		Permission:  action.PermExecute,
		Schema:      action.SchemaOf(grepArgs{}),
		Execute: func(ctx context.Context, a action.Action, _ *agentmodel.Agent) (action.Result, error) {
			pattern := a.StringField("pattern")
			root := a.StringField("path")
			if root == "" {
				root = "."
			}
			if pattern == "" {
				return action.Result{Success: false, Error: "grep: pattern is required"}, nil
			}
			if err := ensureAllowed(ctx, deps, root, permissions.Read); err != nil {
				return action.Result{Success: false, Denied: true, Error: err.Error()}, nil
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return action.Result{Success: false, Error: err.Error()}, nil
			}
			matches, err := grepWalk(root, re)
			if err != nil {
				return action.Result{Success: false, Error: err.Error()}, nil
			}
			return action.Result{Success: true, Data: map[string]any{"matches": matches, "count": len(matches)}}, nil
		},
	}
}

func grepWalk(root string, re *regexp.Regexp) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() || len(out) >= maxGrepResults {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(content), "\n") {
			if re.MatchString(line) {
				out = append(out, fmt.Sprintf("%s:%d:%s", path, i+1, line))
				if len(out) >= maxGrepResults {
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

// ensureAllowed checks path's directory against deps.Permissions at level,
// prompting (and widening the grant on approval) exactly like the
// orchestrator's own parallel-group pre-flight (internal/action's
// preflightPermissions), so a single sequential file action gets the same
// single-user consent gate a parallel one does.
func ensureAllowed(ctx context.Context, deps Deps, path string, level permissions.Level) error {
	if deps.Permissions == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if filepath.Ext(path) == "" {
		dir = path
	}
	if deps.Permissions.IsAllowed(path, level) {
		return nil
	}
	if deps.Prompter == nil {
		return fmt.Errorf("%s access to %q requires a permission prompt but none is configured", level, dir)
	}
	granted, err := deps.Prompter.Prompt(ctx, dir, level)
	if err != nil {
		return err
	}
	if !granted {
		return fmt.Errorf("%s access to %q denied", level, dir)
	}
	deps.Permissions.Allow(dir, level)
	return nil
}
