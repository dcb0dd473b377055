// Command tenex is the CLI entrypoint for the TENEX multi-agent
// coordination daemon.
//
// Usage:
//
//	tenex daemon --config tenex.yaml
//	tenex project run --path ./myproject
//	tenex agent list
//	tenex setup
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/tenex-run/tenex/internal/config"
	"github.com/tenex-run/tenex/internal/obs"
)

// CLI defines the command-line interface.
type CLI struct {
	Daemon  DaemonCmd  `cmd:"" help:"Run the TENEX daemon, loading every project it is whitelisted for."`
	Project ProjectCmd `cmd:"" help:"Project-scoped commands."`
	Agent   AgentCmd   `cmd:"" help:"Manage the global agent store."`
	Setup   SetupCmd   `cmd:"" help:"Interactively configure LLM providers."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"./tenex.yaml"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("tenex version %s\n", version)
	return nil
}

// loadConfig loads and validates the daemon configuration from cli.Config.
func loadConfig(cli *CLI) (*config.Config, error) {
	loader, err := config.NewLoader(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	return cfg, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("tenex"),
		kong.Description("TENEX - multi-agent coordination daemon"),
		kong.UsageOnError(),
	)

	obs.Init(obs.ParseLevel(cli.LogLevel), os.Stderr)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
