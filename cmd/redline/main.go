// Command redline runs the contract review server.
//
// Usage:
//
//	redline serve
//	redline serve --listen :9090 --log-level debug
//	redline grant --user alice --credits 10
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/redlineai/redline/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the review server (default)."`
	Grant   GrantCmd   `cmd:"" help:"Grant review credits to a user."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or json)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("redline version %s\n", version)
	return nil
}

func (cli *CLI) setupLogging() (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, fileCleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
		cleanup = fileCleanup
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	var cli CLI
	ktx := kong.Parse(&cli,
		kong.Name("redline"),
		kong.Description("AI contract review server."),
		kong.UsageOnError(),
	)

	cleanup, err := cli.setupLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := ktx.Run(&cli); err != nil {
		slog.Error("Command failed", "error", err)
		cleanup()
		os.Exit(1)
	}
}
