package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	"github.com/philsphicas/blazeproxy/internal/logsink"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve      ServeCmd      `cmd:"" help:"Accept game clients and relay them to the real backend."`
	Redirector RedirectorCmd `cmd:"" help:"Run a standalone redirector that points clients at a fixed server."`
	Decode     DecodeCmd     `cmd:"" help:"Render captured Blaze frames from a file."`
	Version    VersionCmd    `cmd:"" help:"Print the version."`

	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

// Globals are flags shared by every command.
type Globals struct {
	Config kong.ConfigFlag `help:"TOML configuration file." placeholder:"PATH"`
	Log    LogFlags        `embed:"" prefix:"log-" group:"Logging"`
}

// LogFlags configure the log sink.
type LogFlags struct {
	Level      string `default:"info" enum:"debug,info,warn,error" help:"Log level (${enum})."`
	Format     string `default:"text" enum:"text,json" help:"Log record format (${enum})."`
	File       string `help:"Write logs to this file instead of stderr." placeholder:"PATH"`
	MaxSize    int    `default:"100" help:"Rotate the log file after this many megabytes."`
	MaxBackups int    `help:"Rotated log files to keep (0 keeps all)."`
	MaxAge     int    `help:"Days to keep rotated log files (0 keeps them forever)."`
	Compress   bool   `help:"Gzip rotated log files."`
}

func (g *Globals) logger() (*slog.Logger, io.Closer, error) {
	return logsink.New(logsink.Config{
		Level:      g.Log.Level,
		Format:     g.Log.Format,
		File:       g.Log.File,
		MaxSizeMB:  g.Log.MaxSize,
		MaxBackups: g.Log.MaxBackups,
		MaxAgeDays: g.Log.MaxAge,
		Compress:   g.Log.Compress,
	})
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (VersionCmd) Run(kctx *kong.Context) error {
	_, err := fmt.Fprintln(kctx.Stdout, version)
	return err
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	opts := append([]kong.Option{
		kong.Name("blazeproxy"),
		kong.Description("Transparent interception proxy for the Blaze game-backend protocol."),
		kong.UsageOnError(),
		kong.DefaultEnvars("BLAZEPROXY"),
		kong.Configuration(tomlLoader, "/etc/blazeproxy/config.toml", "~/.config/blazeproxy/config.toml"),
	}, options...)
	return kong.New(cli, opts...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kongplete.Complete(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
