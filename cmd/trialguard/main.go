// Command trialguard inspects and manages the offline trial of an
// application, serves the trial API over HTTP and runs workloads behind the
// trial check.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"trialguard/internal/app"
	"trialguard/internal/config"
	apperrors "trialguard/internal/errors"
	"trialguard/internal/infrastructure"
	"trialguard/internal/license"
)

const usage = `Usage: trialguard [flags] <command> [command flags]

Commands:
  status            print the trial status as JSON
  check             run a full check and print the trial message
  activate [-yes]   start the trial, prompting for consent unless -yes
  banner            print the reminder banner when the trial is about to end
  run [-- cmd ...]  require a valid trial, then run cmd
  serve             serve the trial API over HTTP

Flags:
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes one command and returns the process exit code. extra guard
// options are appended after the defaults.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, extra ...license.Option) int {
	fs := flag.NewFlagSet("trialguard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "path to a YAML config file")
	appName := fs.String("app", "", "application name (overrides config)")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	if *appName != "" {
		cfg.Trial.AppName = *appName
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "trialguard: failed to initialize logger: %v\n", err)
		return 1
	}
	defer infrastructure.CloseLogFile()

	command, rest := fs.Arg(0), fs.Args()[1:]
	opts := append([]license.Option{
		license.WithLogger(logger),
		license.WithOutput(stdout),
	}, extra...)

	if command == "serve" {
		return serve(ctx, cfg, logger, stderr, opts)
	}

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "trialguard: unknown command %q\n", command)
		fs.Usage()
		return 2
	}

	guard, err := license.NewGuard(cfg.Trial, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	defer guard.Close()

	return cmd(ctx, guard, rest, stdout, stderr)
}

type command func(ctx context.Context, guard *license.Guard, args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"status":   statusCmd,
	"check":    checkCmd,
	"activate": activateCmd,
	"banner":   bannerCmd,
	"run":      runCmd,
}

// loadConfig reads the environment and optional YAML file. An explicit path
// takes precedence over TRIALGUARD_CONFIG_FILE.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		if !config.FileExists(path) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		if err := os.Setenv(config.EnvPrefix+"_CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func statusCmd(ctx context.Context, guard *license.Guard, _ []string, stdout, stderr io.Writer) int {
	status, err := guard.Status(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	return 0
}

func checkCmd(ctx context.Context, guard *license.Guard, _ []string, _, stderr io.Writer) int {
	status, err := guard.Check(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	if err := guard.ShowTrialMessage(ctx); err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	if !status.Active {
		return 1
	}
	return 0
}

func activateCmd(ctx context.Context, guard *license.Guard, args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	yes := fs.Bool("yes", false, "consent without prompting")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if !*yes {
		ok, err := guard.RequireValidTrial(ctx, false)
		if err != nil {
			fmt.Fprintf(stderr, "trialguard: %v\n", err)
			return 1
		}
		if !ok {
			return 1
		}
		return 0
	}

	status, err := guard.Activate(ctx, true)
	switch {
	case errors.Is(err, apperrors.ErrAlreadyActivated):
		// report the existing trial instead
	case err != nil:
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	if err := guard.ShowTrialMessage(ctx); err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	if !status.Active {
		return 1
	}
	return 0
}

func bannerCmd(ctx context.Context, guard *license.Guard, _ []string, _, stderr io.Writer) int {
	if err := guard.ShowTrialInfoBanner(ctx); err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	return 0
}

// runCmd gates a workload. Without a command it only reports readiness.
func runCmd(ctx context.Context, guard *license.Guard, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	workload := guard.RequireTrial(func(ctx context.Context) error {
		if err := guard.ShowTrialInfoBanner(ctx); err != nil {
			return err
		}
		if len(args) == 0 {
			fmt.Fprintln(stdout, "Trial valid. Application ready.")
			return nil
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		return cmd.Run()
	})

	err := workload(ctx)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case errors.Is(err, apperrors.ErrTrialExpired),
		errors.Is(err, apperrors.ErrTrialNotActivated),
		errors.Is(err, apperrors.ErrTamperDetected):
		// the guard already printed the matching view
		return 1
	default:
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, stderr io.Writer, opts []license.Option) int {
	application, err := app.New(cfg, logger, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "trialguard: %v\n", err)
		return 1
	}
	if err := application.Run(ctx); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}
