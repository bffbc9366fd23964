package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/steel97/backup/internal/config"
	"github.com/steel97/backup/internal/metrics"
	"github.com/steel97/backup/internal/utils"
)

// TempFilePlaceholder is replaced with the command's private output path in
// its arguments and environment values.
const TempFilePlaceholder = "%BKP_CMD_TMPFILE%"

// Command action outcomes.
const (
	outcomeCaptured = "captured"
	outcomeEmpty    = "empty"
	outcomeFailed   = "failed"
)

// Packer is the part of an archive the actions write into.
type Packer interface {
	AddFile(localPath, archivePath string) error
	AddDirectory(root, prefix, subpath string) error
}

// CommandResult is the outcome of a command that was started.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor runs external commands.
type Executor interface {
	// Run executes name synchronously. A non-zero exit is reported in the
	// result; an error means the command could not be run at all.
	Run(ctx context.Context, name string, args, env []string) (*CommandResult, error)
}

// ExecExecutor runs commands with os/exec.
type ExecExecutor struct{}

// Run implements Executor.
func (ExecExecutor) Run(ctx context.Context, name string, args, env []string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("command %s interrupted: %w", name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return result, nil
}

// ActionRunner executes the directory and command actions of a target.
type ActionRunner struct {
	executor Executor
	tempDir  string
	environ  func() []string
	stdout   io.Writer
	stderr   io.Writer
	logger   *slog.Logger
}

// NewActionRunner creates a runner that stages command output in tempDir.
// Captured command streams are copied to stdout and stderr.
func NewActionRunner(executor Executor, tempDir string, stdout, stderr io.Writer, logger *slog.Logger) *ActionRunner {
	return &ActionRunner{
		executor: executor,
		tempDir:  tempDir,
		environ:  os.Environ,
		stdout:   stdout,
		stderr:   stderr,
		logger:   logger,
	}
}

func (r *ActionRunner) withLogger(logger *slog.Logger) *ActionRunner {
	clone := *r
	clone.logger = logger
	return &clone
}

// RunDirectory packs a directory tree into the archive.
func (r *ActionRunner) RunDirectory(ctx context.Context, packer Packer, action config.Directory) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.logger.Info("Adding directory", "source", action.Source, "output", action.Output)

	if err := packer.AddDirectory(action.Source, action.Output, ""); err != nil {
		return fmt.Errorf("failed to pack directory %s: %w", action.Source, err)
	}
	return nil
}

// RunCommand runs a command and packs the file it wrote to its placeholder
// path. A command that leaves no file behind is skipped; its exit status is
// reported but does not fail the action.
func (r *ActionRunner) RunCommand(ctx context.Context, packer Packer, action config.Command) error {
	tmpPath := utils.TempPath(r.tempDir)
	defer r.removeTemp(tmpPath)

	args := make([]string, len(action.Args))
	for i, arg := range action.Args {
		args[i] = strings.ReplaceAll(arg, TempFilePlaceholder, tmpPath)
	}
	env := r.buildEnv(action.Env, tmpPath)

	r.logger.Info("Executing command", "command", action.Command, "output", action.Output)

	result, err := r.executor.Run(ctx, action.Command, args, env)
	if err != nil {
		metrics.CommandRuns.WithLabelValues(outcomeFailed).Inc()
		return err
	}

	r.logger.Info("Command finished", "command", action.Command, "exit_code", result.ExitCode)
	r.copyStreams(result)

	if _, err := os.Stat(tmpPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Info("Output file not exists, skipping", "output", action.Output)
			metrics.CommandRuns.WithLabelValues(outcomeEmpty).Inc()
			return nil
		}
		metrics.CommandRuns.WithLabelValues(outcomeFailed).Inc()
		return fmt.Errorf("failed to stat command output: %w", err)
	}

	if err := packer.AddFile(tmpPath, action.Output); err != nil {
		metrics.CommandRuns.WithLabelValues(outcomeFailed).Inc()
		return fmt.Errorf("failed to pack output of %s: %w", action.Command, err)
	}

	metrics.CommandRuns.WithLabelValues(outcomeCaptured).Inc()
	return nil
}

// buildEnv overlays declared variables on the process environment.
func (r *ActionRunner) buildEnv(declared map[string]string, tmpPath string) []string {
	vars := make(map[string]string)
	for _, kv := range r.environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			vars[key] = value
		}
	}
	for key, value := range declared {
		vars[key] = strings.ReplaceAll(value, TempFilePlaceholder, tmpPath)
	}

	env := make([]string, 0, len(vars))
	for key, value := range vars {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}

func (r *ActionRunner) copyStreams(result *CommandResult) {
	if r.stdout != nil && len(result.Stdout) > 0 {
		if _, err := r.stdout.Write(result.Stdout); err != nil {
			r.logger.Warn("Failed to write command stdout", "error", err)
		}
	}
	if r.stderr != nil && len(result.Stderr) > 0 {
		if _, err := r.stderr.Write(result.Stderr); err != nil {
			r.logger.Warn("Failed to write command stderr", "error", err)
		}
	}
}

func (r *ActionRunner) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("Failed to remove temporary file", "path", path, "error", err)
	}
}
