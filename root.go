package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServerURL  string
	flagStateDir   string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that do not need a device
// configuration, such as the development server.
const skipConfigAnnotation = "skipConfig"

// CLIFlags is a snapshot of the persistent flags for one invocation.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

// CLIContext carries what every subcommand needs: flags, the resolved
// configuration and a logger built from both.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger

	// out is where command results go; stdout outside of tests.
	out io.Writer
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext installed by the root pre-run. Every
// subcommand runs after it, so a missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "wardsync",
		Short:   "Offline-first sync for ward devices",
		Long:    "Queues clinical record changes on the device and syncs them with the hospital server.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "sync server URL (overrides config)")
	cmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "directory holding the device database")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show informational logs")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "show debug logs")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only show errors")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newDiscardCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWakeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newDevserverCmd())

	return cmd
}

func currentFlags() CLIFlags {
	return CLIFlags{
		ConfigPath: flagConfigPath,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Debug:      flagDebug,
		Quiet:      flagQuiet,
	}
}

// loadConfig resolves the effective configuration from the override chain
// and installs the CLIContext for subcommands. Commands annotated with
// skipConfigAnnotation get a context with a bootstrap logger only.
func loadConfig(cmd *cobra.Command) error {
	cc := &CLIContext{Flags: currentFlags(), out: cmd.OutOrStdout()}

	if cmd.Annotations[skipConfigAnnotation] == "true" {
		cc.Logger = bootstrapLogger()
		cmd.SetContext(withCLIContext(cmd.Context(), cc))

		return nil
	}

	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only pass flags the user explicitly set.
	if cmd.Flags().Changed("server") {
		cli.ServerURL = &flagServerURL
	}

	if cmd.Flags().Changed("state-dir") {
		cli.StateDir = &flagStateDir
	}

	env := config.ReadEnvOverrides()

	cfg, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = cfg
	cc.CfgPath = config.ConfigPath(env, cli)

	logger, err := buildLogger(cfg, cc.Flags)
	if err != nil {
		return err
	}

	cc.Logger = logger
	cmd.SetContext(withCLIContext(cmd.Context(), cc))

	return nil
}

// bootstrapLogger is used before any config is loaded. It defaults to Warn
// so one-shot commands stay quiet.
func bootstrapLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: flagLevel(slog.LevelWarn, currentFlags())}))
}

func flagLevel(base slog.Level, f CLIFlags) slog.Level {
	switch {
	case f.Debug:
		return slog.LevelDebug
	case f.Verbose:
		return slog.LevelInfo
	case f.Quiet:
		return slog.LevelError
	default:
		return base
	}
}

// buildLogger creates a logger from the resolved config and CLI flags.
// Config-file log level provides the baseline; CLI flags always win.
// With log_format "auto", JSON is used unless stderr is a terminal.
func buildLogger(cfg *config.Config, f CLIFlags) (*slog.Logger, error) {
	level := slog.LevelWarn

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: flagLevel(level, f)}

	var w io.Writer = os.Stderr

	if cfg.LogFile != "" {
		fh, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}

		w = io.MultiWriter(os.Stderr, fh)
	}

	if useJSONLogs(cfg.LogFormat, os.Stderr.Fd()) {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}

	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func useJSONLogs(format string, fd uintptr) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	default:
		return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}
}

// errConflictsPending signals that the command finished but left conflicts
// for a clinician to resolve.
var errConflictsPending = errors.New("conflicts need resolution")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
