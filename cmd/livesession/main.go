// livesession runs a live collaborative tutorial session from the terminal.
//
// The broker command serves the signaling endpoint presenters and attendees
// meet through. present hosts a session and broadcasts steps typed on stdin,
// join follows a session by join code, and recordings inspects what the
// presenter recorded.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"

	"livesession/internal/config"
	"livesession/internal/telemetry"
)

const version = "0.1.0"

// env is what every command receives.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

type command struct {
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"broker":     {"run the signaling broker and recordings API", runBroker},
	"present":    {"host a session and broadcast steps from stdin", runPresent},
	"join":       {"join a session by code and replay the presenter's steps", runJoin},
	"recordings": {"list, export or delete recorded sessions", runRecordings},
	"code":       {"decode a join code or join URL", runCode},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: run takes its streams and arguments so commands
// can be driven from tests without a process
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var configPath, logLevel, logFormat string
	var showVersion bool

	flags := pflag.NewFlagSet("livesession", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "override log.format (text, json)")
	flags.BoolVar(&showVersion, "version", false, "print the version and exit")
	flags.Usage = func() { printUsage(stderr, flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "livesession %s\n", version)
		return nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(stderr, flags)
		return errors.New("no command given")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.Init("livesession", version, stderr, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	e := &env{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}
	return cmd.run(ctx, e, rest[1:])
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: livesession [flags] <command> [command flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flags.FlagUsages())
}
