// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-ollama/internal/config"
	"github.com/jeranaias/rigrun-ollama/internal/ollama"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitNetworkError indicates the server could not be reached
	ExitNetworkError = 5
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
)

// configError marks failures to load or validate the configuration.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// usageError marks invalid arguments found after cobra's own checks.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	var ce configError
	var ue usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ce):
		return ExitConfigError
	case errors.As(err, &ue), ollama.IsValidation(err):
		return ExitUsageError
	case ollama.IsNotFound(err):
		return ExitNotFoundError
	case ollama.IsTimeout(err):
		return ExitTimeoutError
	case ollama.IsConnection(err):
		return ExitNetworkError
	}
	return ExitGeneralError
}

// =============================================================================
// APP
// =============================================================================

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	url        string
	model      string
	mock       bool
	json       bool
	logLevel   string
}

// App owns the command tree and the client built for the running command.
type App struct {
	root   *cobra.Command
	out    io.Writer
	errOut io.Writer
	opts   globalOptions

	cfg    *config.Config
	logger *logrus.Logger
	client *ollama.Client
}

// New creates the command tree writing to out and errOut.
func New(out, errOut io.Writer) *App {
	a := &App{out: out, errOut: errOut}

	a.root = &cobra.Command{
		Use:           "rigrun-ollama",
		Short:         "Resilient command-line client for Ollama",
		Long:          "rigrun-ollama talks to an Ollama server with per-endpoint rate limiting,\nretries with backoff and NDJSON streaming. Use --mock to run without a server.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	a.root.SetOut(out)
	a.root.SetErr(errOut)
	a.root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := a.root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "config file (default ~/.rigrun-ollama/config.toml)")
	flags.StringVar(&a.opts.url, "url", "", "Ollama base URL (overrides config and OLLAMA_API_URL)")
	flags.StringVarP(&a.opts.model, "model", "m", "", "default model for commands that take one")
	flags.BoolVar(&a.opts.mock, "mock", false, "answer from the in-memory mock backend")
	flags.BoolVar(&a.opts.json, "json", false, "print results as JSON")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	a.root.AddCommand(
		a.generateCmd(),
		a.chatCmd(),
		a.embedCmd(),
		a.listCmd(),
		a.psCmd(),
		a.showCmd(),
		a.createCmd(),
		a.deleteCmd(),
		a.copyCmd(),
		a.pullCmd(),
		a.pushCmd(),
		a.blobCmd(),
		a.benchCmd(),
		a.versionCmd(),
		a.configCmd(),
	)
	return a
}

// Root returns the cobra root command.
func (a *App) Root() *cobra.Command { return a.root }

// Execute runs the command line args and returns the exit code. Errors are
// written to errOut as JSON.
func (a *App) Execute(ctx context.Context, args []string) int {
	a.root.SetArgs(args)
	defer a.closeClient()

	err := a.root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	code := ExitCode(err)
	if code == ExitGeneralError && isCobraUsage(err) {
		code = ExitUsageError
	}
	a.printError(err)
	return code
}

// Run is the process entry point.
func Run(ctx context.Context) int {
	return New(os.Stdout, os.Stderr).Execute(ctx, os.Args[1:])
}

// loadConfig resolves the configuration once per invocation and applies
// the global flags over it.
func (a *App) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return nil, configError{err}
	}
	if a.opts.url != "" {
		cfg.BaseURL = a.opts.url
	}
	if a.opts.model != "" {
		cfg.DefaultModel = a.opts.model
	}
	if a.opts.mock {
		cfg.Mock = true
	}
	if a.opts.logLevel != "" {
		cfg.Log.Level = a.opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError{fmt.Errorf("invalid config: %w", err)}
	}
	a.cfg = cfg
	a.logger = cfg.LoggerTo(a.errOut)
	return cfg, nil
}

// ollamaClient builds the client on first use.
func (a *App) ollamaClient() (*ollama.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := ollama.NewClient(cfg.ClientConfig(a.logger))
	if err != nil {
		return nil, configError{err}
	}
	a.client = client
	return client, nil
}

func (a *App) closeClient() {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

// withClient adapts a client operation to cobra's RunE.
func (a *App) withClient(fn func(ctx context.Context, c *ollama.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := a.ollamaClient()
		if err != nil {
			return err
		}
		return fn(cmd.Context(), c, args)
	}
}
