package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/JohnnyGlynn/firehose/internal/config"
	"github.com/JohnnyGlynn/firehose/internal/console"
	"github.com/JohnnyGlynn/firehose/internal/logging"
	"github.com/JohnnyGlynn/firehose/internal/render"
	"github.com/JohnnyGlynn/firehose/internal/runner"
	"github.com/JohnnyGlynn/firehose/internal/transport"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	restore := console.SaveTerminal(os.Stdin)
	code := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	restore()
	os.Exit(code)
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("firehose-client", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to a YAML, JSON or TOML config file")
	showVersion := flags.Bool("version", false, "print version information and exit")
	config.RegisterFlags(flags)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return runner.ExitOK
		}
		return runner.ExitSetup
	}

	if *showVersion {
		fmt.Fprintf(stdout, "firehose-client %s (commit %s, built %s)\n", version, commit, buildDate)
		return runner.ExitOK
	}

	out := console.NewTerminal(stdin, stdout)
	setupFailed := func(op string, err error) int {
		failure := &runner.Error{Kind: runner.KindSetup, Op: op, Err: err}
		out.WriteLine("Error: " + failure.Error())
		return runner.ExitCode(failure)
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return setupFailed("load config", err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		return setupFailed("validate config", err)
	}

	logger, err := logging.NewLogger(stderr, logging.Opts{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return setupFailed("configure logging", err)
	}
	if cfg.ConfigPath != "" {
		logger.Info("loaded config file", "path", cfg.ConfigPath)
	}

	renderer, err := render.New(cfg.OutputFormat, cfg.DescriptorSetPath, cfg.RecordType)
	if err != nil {
		return setupFailed("load renderer", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	open := func() (runner.Channel, error) {
		ch, err := transport.Open(transport.Options{
			Endpoint:        cfg.Endpoint,
			Security:        cfg.TransportSecurity,
			TrustAnchorPath: cfg.TrustAnchorPath,
			ServerName:      cfg.ServerName,
		}, logger)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	r := runner.New(runner.Options{
		Method:               cfg.Method,
		Header:               cfg.APIKeyHeader,
		APIKey:               cfg.APIKey,
		MaxRetries:           cfg.MaxRetries,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	}, out, open, renderer, logger)

	return runner.ExitCode(r.Run(ctx))
}
