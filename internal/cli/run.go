package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/drover-sh/drover/internal/config"
	"github.com/drover-sh/drover/internal/engine"
	"github.com/drover-sh/drover/internal/journal"
	"github.com/drover-sh/drover/internal/launcher"
	"github.com/drover-sh/drover/internal/task"
	"github.com/drover-sh/drover/internal/transcript"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- tool [args...]",
	Short: "Run a tool under supervision",
	Long: `Run launches the given tool, supervises it against an execution budget,
and prints its output. The budget is estimated from the workload unless
--timeout pins it. Repeating an invocation is served from the result
cache while the cached entry is fresh.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("dir", "d", "", "Working directory for the tool (also the workload that is pre-scanned)")
	runCmd.Flags().DurationP("timeout", "t", 0, "Fixed execution budget, overriding estimation")
	runCmd.Flags().StringArrayP("env", "e", nil, "Environment override as NAME=value (repeatable)")
	runCmd.Flags().String("encoding", "", "Encoding to try first when decoding tool output")
	runCmd.Flags().String("input-id", "", "Input identifier, part of the cache fingerprint")
	runCmd.Flags().String("tool-version", "", "Tool version, part of the cache fingerprint")
	runCmd.Flags().String("journal", "", "Append task activity to this NDJSON file")
	runCmd.Flags().Bool("no-cache", false, "Run even when a cached result exists")
}

// ExitError carries the exit code the drover process should finish with
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func runRun(cmd *cobra.Command, args []string) error {
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	logger, err := newLogger(levelName, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return err
	}

	logger.Debug("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		cfg.Cache.Enabled = false
	}

	spec, err := specFromFlags(cmd, args)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine shutdown reported an error", "error", err)
		}
	}()

	if journalPath, _ := cmd.Flags().GetString("journal"); journalPath != "" {
		jnl, err := journal.Open(journalPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer jnl.Close()
		eng.SetJournal(jnl)
	}

	outWriter := cmd.OutOrStdout()
	errWriter := cmd.ErrOrStderr()
	formatter := transcript.NewFormatter()

	// Progress lines go to stderr so stdout stays the tool's output,
	// and only when someone is watching.
	var onProgress engine.ProgressFunc
	if isTerminalFile(os.Stderr) {
		onProgress = func(ev task.ProgressEvent) {
			fmt.Fprintln(errWriter, formatter.FormatProgress(spec.Tool, ev))
		}
	}

	handle, err := eng.Run(spec, onProgress)
	if err != nil {
		if errors.Is(err, launcher.ErrToolNotFound) {
			return &ExitError{Code: 127, Err: err}
		}
		return err
	}

	// Ctrl-C asks the task to stop rather than tearing the process down;
	// the cancelled result still arrives through Await.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		eng.Cancel(handle)
	}()

	res, err := eng.Await(context.Background(), handle)
	if err != nil {
		return err
	}

	fmt.Fprintln(errWriter, formatter.FormatResult(spec.Tool, res))
	if res.Display != "" {
		fmt.Fprint(outWriter, res.Display)
		if !strings.HasSuffix(res.Display, "\n") {
			fmt.Fprintln(outWriter)
		}
	}

	return resultExitError(res)
}

// specFromFlags assembles the command spec for `run`. args carries the
// tool and its arguments, everything after the -- separator.
func specFromFlags(cmd *cobra.Command, args []string) (task.CommandSpec, error) {
	dir, _ := cmd.Flags().GetString("dir")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	encoding, _ := cmd.Flags().GetString("encoding")
	inputID, _ := cmd.Flags().GetString("input-id")
	toolVersion, _ := cmd.Flags().GetString("tool-version")
	envPairs, _ := cmd.Flags().GetStringArray("env")

	env, err := parseEnvVars(envPairs)
	if err != nil {
		return task.CommandSpec{}, err
	}

	spec := task.CommandSpec{
		Tool:         args[0],
		Args:         args[1:],
		Dir:          dir,
		Env:          env,
		Timeout:      timeout,
		EncodingHint: encoding,
		ToolVersion:  toolVersion,
		InputID:      inputID,
	}
	if err := spec.Validate(); err != nil {
		return task.CommandSpec{}, err
	}
	return spec, nil
}

// parseEnvVars turns repeated NAME=value flags into an env map
func parseEnvVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid env override %q, expected NAME=value", pair)
		}
		env[name] = value
	}
	return env, nil
}

// resultExitError maps a terminal result onto the conventional shell
// exit codes: the tool's own code on failure, 124 on timeout, 127 for a
// missing tool, 130 on cancellation.
func resultExitError(res task.ExecutionResult) error {
	switch res.State {
	case task.StateSucceeded:
		return nil
	case task.StateTimedOut:
		return &ExitError{Code: 124}
	case task.StateCancelled:
		return &ExitError{Code: 130}
	case task.StateFailed:
		if res.FailureKind == task.FailureToolNotFound {
			return &ExitError{Code: 127}
		}
		if res.ExitCode > 0 {
			return &ExitError{Code: res.ExitCode}
		}
		return &ExitError{Code: 1}
	}
	return nil
}

// newLogger builds the CLI logger. Logs go to stderr so stdout carries
// only tool output.
func newLogger(levelName string, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", levelName)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})), nil
}

func isTerminalFile(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// loadOrCreateConfig finds an existing config or creates a new one
// Following the decision: walk up directory tree, create in CWD if not found
func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	// If explicit path provided, use it
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	// Search up directory tree for drover.json
	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		logger.Debug("found existing config", "path", foundPath)
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	// No config found, create default in current directory
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, config.ConfigFileName)
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	return cfg, defaultPath, nil
}

// findConfigInTree searches up the directory tree for drover.json
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, config.ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		// Move up one directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return "", nil
}
