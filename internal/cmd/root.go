// Package cmd implements the oceangrid command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/internal/config"
	"github.com/3leaps/oceangrid/internal/observability"
	"github.com/3leaps/oceangrid/internal/server/handlers"
	"github.com/3leaps/oceangrid/pkg/manifest"
	"github.com/3leaps/oceangrid/pkg/pipeline"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with ldflags-injected values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	appIdentity   *config.Identity
	runtimeConfig *config.Config
)

// GetAppIdentity returns the identity set up by the root command, or nil
// before it ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	cfgFile      string
	logLevelFlag string
	logFormat    string
	dataRootFlag string
	workersFlag  int
)

var rootCmd = &cobra.Command{
	Use:   "oceangrid",
	Short: "Ocean-colour satellite archive pipeline",
	Long: `oceangrid maintains a local archive of ocean-colour satellite products.

It downloads level-1A scenes, drives the external processing and binning
tools, remaps level-3 bins onto regular grids and builds multi-day
composites, recording every job outcome so interrupted runs can resume.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./oceangrid.yaml or <user config dir>/oceangrid/oceangrid.yaml)")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: console or json")
	pf.StringVar(&dataRootFlag, "data-root", "", "Archive root directory")
	pf.IntVar(&workersFlag, "workers", 0, "Worker pool size per stage")
}

// Execute runs the root command and exits with the mapped exit code on
// failure.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code := exitCodeFor(err)
		observability.CLILogger.Error("Command failed", zap.Error(err), zap.Int("exit_code", code))
		if isNop() {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

// isNop reports whether the logger was never initialized, e.g. when flag
// parsing failed before the pre-run.
func isNop() bool {
	return !observability.CLILogger.Core().Enabled(zap.ErrorLevel)
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	appIdentity = config.DefaultIdentity()
	runtimeConfig = cfg
	if cfg.ConfigFile != "" {
		observability.CLILogger.Debug("Loaded config", zap.String("path", cfg.ConfigFile))
	}
	return nil
}

// flagOverrides turns explicitly set global flags into config overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	flags := cmd.Flags()
	logging := map[string]any{}
	if flags.Changed("log-level") {
		logging["level"] = logLevelFlag
	}
	if flags.Changed("log-format") {
		logging["format"] = logFormat
	}
	if len(logging) > 0 {
		out["logging"] = logging
	}
	if flags.Changed("data-root") {
		out["data_root"] = dataRootFlag
	}
	if flags.Changed("workers") {
		out["workers"] = workersFlag
	}
	return out
}

// currentConfig returns the loaded configuration, loading defaults when a
// command runs without the root pre-run (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if runtimeConfig != nil {
		return runtimeConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	runtimeConfig = cfg
	return cfg, nil
}

// cliError carries a process exit code.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *cliError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// exitCodeFor maps an error to a process exit code.
func exitCodeFor(err error) int {
	var ce *cliError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ce):
		return ce.code
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case errors.Is(err, pipeline.ErrInvalid), errors.Is(err, manifest.ErrValidationFailed):
		return foundry.ExitInvalidArgument
	case strings.Contains(err.Error(), "unknown command"), strings.Contains(err.Error(), "unknown flag"):
		return foundry.ExitInvalidArgument
	default:
		return 1
	}
}

// ExitWithCode logs msg and err and exits the process with code.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.Int("exit_code", code)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
	_ = logger.Sync()
	osExit(code)
}

var osExit = os.Exit
