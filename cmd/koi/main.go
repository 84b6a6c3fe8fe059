// Command koi is the CLI for the koi agent runtime.
//
// Usage:
//
//	koi run --config koi.yaml --agent assistant
//	koi mcp add search --address mcp://search.internal/v1
//	koi mcp list --config koi.yaml
//	koi registry get <key> --db .koi/registry.db
//	koi registry set <key> <json-value> --db .koi/registry.db
//	koi registry search <json-query> --db .koi/registry.db
//	koi session log --dir .koi
//	koi session checkout <hash> --dir .koi
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/koirun/koi/internal/koilog"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" help:"Start an interactive agent session."`
	MCP      MCPCmd      `cmd:"" help:"Manage MCP server registrations."`
	Registry RegistryCmd `cmd:"" help:"Inspect and edit the key/value registry."`
	Session  SessionCmd  `cmd:"" help:"Inspect session commit history."`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"koi.yaml"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile  string `help:"Path of an append-only JSON log file, written in addition to stderr." env:"KOI_LOG_FILE"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("koi %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("koi"),
		kong.Description("koi - a reactive agentic loop runtime"),
		kong.UsageOnError(),
	)

	logger := koilog.New(koilog.Options{
		Level:   cli.LogLevel,
		LogFile: cli.LogFile,
	})
	slog.SetDefault(logger)

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := ctx.Run(&cli, runCtx)
	ctx.FatalIfErrorf(err)
}
