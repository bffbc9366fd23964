// Package metrics provides Prometheus metrics for the backup service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TargetRuns tracks the number of processed targets by outcome.
	TargetRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_target_runs_total",
		Help: "Total number of backup target runs",
	}, []string{"status"})

	// BackupDuration tracks the duration of pipeline phases.
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backup_duration_seconds",
		Help:    "Duration of backup phases in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
	}, []string{"phase"})

	// ArchiveSize tracks the size of the last sealed archive.
	ArchiveSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backup_archive_size_bytes",
		Help: "Size of the last sealed archive in bytes",
	})

	// ArchiveEntries tracks entries written into archives.
	ArchiveEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backup_archive_entries_total",
		Help: "Total number of files written into archives",
	})

	// CommandRuns tracks command actions by outcome.
	CommandRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_command_runs_total",
		Help: "Total number of command actions",
	}, []string{"outcome"})

	// StorageOperations tracks storage operations.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "bucket", "status"})

	// UploadRetries tracks upload attempts that were retried.
	UploadRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_upload_retries_total",
		Help: "Total number of retried uploads",
	}, []string{"bucket"})

	// LastBackupTimestamp tracks when the last successful target finished.
	LastBackupTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backup_last_success_timestamp",
		Help: "Unix timestamp of the last successful backup",
	})

	// Info provides static information about the service.
	Info = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backup_info",
		Help: "Information about the backup service",
	}, []string{"version"})
)

// Target run outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// RecordTargetRun records a target run with its status.
func RecordTargetRun(status string) {
	TargetRuns.WithLabelValues(status).Inc()
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation, bucket string, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusFailure
	}
	StorageOperations.WithLabelValues(operation, bucket, status).Inc()
}
