// Package backup builds target archives and delivers them to storage.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/multierr"

	"github.com/steel97/backup/internal/archive"
	"github.com/steel97/backup/internal/config"
	"github.com/steel97/backup/internal/health"
	"github.com/steel97/backup/internal/metrics"
	"github.com/steel97/backup/internal/utils"
)

// State is the stage a target run has reached.
type State string

const (
	StateInit      State = "init"
	StatePacking   State = "packing"
	StateSealed    State = "sealed"
	StateUploading State = "uploading"
	StateDone      State = "done"
	StateSkipped   State = "skipped"
	StateAborted   State = "aborted"
)

// FileUploader delivers a local file to one bucket.
type FileUploader interface {
	UploadFile(ctx context.Context, key, path string, metadata map[string]string) (string, error)
	Bucket() string
}

// Destination is a configured storage backend and its key prefix.
type Destination struct {
	KeyPrefix string
	Uploader  FileUploader
}

// UploadResult describes one delivered copy of an archive.
type UploadResult struct {
	Bucket   string
	Key      string
	Checksum string
}

// TargetResult is the outcome of one target run.
type TargetResult struct {
	Name    string
	State   State
	Entries int
	Size    int64
	Uploads []UploadResult
	Err     error
}

// Progress is a snapshot of the run for health reporting.
type Progress struct {
	Current   string
	State     State
	Completed int
	Skipped   int
	Failed    int
}

// Options configures an Orchestrator.
type Options struct {
	// TempDir holds archives while they are built and uploaded.
	TempDir string
	// ContinueOnError keeps processing targets after one fails.
	ContinueOnError bool
	Clock           clock.Clock
}

// Orchestrator coordinates the backup process.
type Orchestrator struct {
	targets         []config.Target
	destinations    []Destination
	runner          *ActionRunner
	tempDir         string
	continueOnError bool
	clock           clock.Clock
	logger          *slog.Logger

	mu       sync.Mutex
	progress Progress
}

// NewOrchestrator creates a new backup orchestrator.
func NewOrchestrator(cfg *config.Config, destinations []Destination, runner *ActionRunner, opts Options, logger *slog.Logger) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &Orchestrator{
		targets:         cfg.Targets,
		destinations:    destinations,
		runner:          runner,
		tempDir:         tempDir,
		continueOnError: opts.ContinueOnError,
		clock:           clk,
		logger:          logger,
	}
}

// Run processes every target in declaration order.
//
// By default the first failing target stops the run. With ContinueOnError
// every target is attempted and the failures are returned together.
func (o *Orchestrator) Run(ctx context.Context) error {
	startTime := o.clock.Now()
	o.logger.Info("Starting backup orchestration",
		"targets", len(o.targets),
		"storages", len(o.destinations),
	)

	var errs error
	for i := range o.targets {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		result := o.RunTarget(ctx, o.targets[i])
		if result.Err == nil {
			continue
		}

		err := fmt.Errorf("target %s: %w", result.Name, result.Err)
		if !o.continueOnError || errors.Is(result.Err, context.Canceled) {
			return multierr.Append(errs, err)
		}

		o.logger.Error("Target failed, continuing with next target", "target", result.Name, "error", result.Err)
		errs = multierr.Append(errs, err)
	}

	metrics.BackupDuration.WithLabelValues("total").Observe(o.clock.Now().Sub(startTime).Seconds())
	return errs
}

// RunTarget builds, seals and uploads the archive for one target. The archive
// file is removed before RunTarget returns, whatever the outcome.
func (o *Orchestrator) RunTarget(ctx context.Context, target config.Target) *TargetResult {
	timestamp := o.clock.Now().UTC()
	result := &TargetResult{
		Name:  utils.ResolveName(target.DisplayName(), timestamp),
		State: StateInit,
	}
	logger := o.logger.With("target", result.Name)
	o.transition(result, StateInit)

	if !target.HasActions() {
		logger.Info("No backup actions for target, skipping")
		o.transition(result, StateSkipped)
		metrics.RecordTargetRun(metrics.StatusSkipped)
		return result
	}

	logger.Info("Creating backup")

	if err := o.runTarget(ctx, target, timestamp, result, logger); err != nil {
		result.Err = err
		o.transition(result, StateAborted)
		metrics.RecordTargetRun(metrics.StatusFailure)
		logger.Error("Backup target aborted", "error", err)
		return result
	}

	o.transition(result, StateDone)
	metrics.RecordTargetRun(metrics.StatusSuccess)
	metrics.LastBackupTimestamp.Set(float64(o.clock.Now().Unix()))
	logger.Info("Backup completed successfully", "uploads", len(result.Uploads))
	return result
}

func (o *Orchestrator) runTarget(ctx context.Context, target config.Target, timestamp time.Time, result *TargetResult, logger *slog.Logger) error {
	archivePath := utils.TempPath(o.tempDir)
	defer o.removeArchive(archivePath, logger)

	o.transition(result, StatePacking)
	packStart := o.clock.Now()

	arch, err := archive.Create(archivePath, target.Password())
	if err != nil {
		return err
	}
	defer func() {
		if err := arch.Close(); err != nil {
			logger.Warn("Failed to close archive", "error", err)
		}
	}()

	runner := o.runner.withLogger(logger)
	for _, dir := range target.Directories() {
		if err := runner.RunDirectory(ctx, arch, dir); err != nil {
			return err
		}
	}
	for _, cmd := range target.Commands() {
		if err := runner.RunCommand(ctx, arch, cmd); err != nil {
			return err
		}
	}

	if err := arch.Finish(); err != nil {
		return err
	}
	o.transition(result, StateSealed)

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	result.Entries = arch.Entries()
	result.Size = info.Size()

	metrics.BackupDuration.WithLabelValues("pack").Observe(o.clock.Now().Sub(packStart).Seconds())
	metrics.ArchiveSize.Set(float64(result.Size))
	metrics.ArchiveEntries.Add(float64(result.Entries))

	logger.Info("Archive sealed",
		"entries", result.Entries,
		"size", utils.FormatBytes(result.Size),
		"encrypted", arch.Encrypted(),
	)

	o.transition(result, StateUploading)
	uploadStart := o.clock.Now()

	metadata := map[string]string{
		"backup-timestamp": timestamp.Format(time.RFC3339),
		"backup-target":    result.Name,
		"backup-tool":      "backup",
	}

	for _, dest := range o.destinations {
		key := dest.KeyPrefix + result.Name
		logger.Info("Uploading", "bucket", dest.Uploader.Bucket(), "key", key)

		checksum, err := dest.Uploader.UploadFile(ctx, key, archivePath, metadata)
		if err != nil {
			return fmt.Errorf("failed to upload backup: %w", err)
		}

		result.Uploads = append(result.Uploads, UploadResult{
			Bucket:   dest.Uploader.Bucket(),
			Key:      key,
			Checksum: checksum,
		})
	}

	metrics.BackupDuration.WithLabelValues("upload").Observe(o.clock.Now().Sub(uploadStart).Seconds())
	return nil
}

// Progress returns a snapshot of the current run.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// HealthCheck reports the run as unhealthy once any target has aborted.
func (o *Orchestrator) HealthCheck(ctx context.Context) health.Check {
	progress := o.Progress()

	status := health.StatusHealthy
	if progress.Failed > 0 {
		status = health.StatusUnhealthy
	}

	return health.Check{
		Status:    status,
		Timestamp: o.clock.Now(),
		Details: map[string]any{
			"targets":   len(o.targets),
			"current":   progress.Current,
			"state":     string(progress.State),
			"completed": progress.Completed,
			"skipped":   progress.Skipped,
			"failed":    progress.Failed,
		},
	}
}

func (o *Orchestrator) transition(result *TargetResult, state State) {
	result.State = state

	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress.Current = result.Name
	o.progress.State = state
	switch state {
	case StateDone:
		o.progress.Completed++
	case StateSkipped:
		o.progress.Skipped++
	case StateAborted:
		o.progress.Failed++
	}
}

func (o *Orchestrator) removeArchive(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove archive, left for manual inspection", "path", path, "error", err)
	}
}
