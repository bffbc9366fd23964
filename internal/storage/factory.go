package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/steel97/backup/internal/config"
	"github.com/steel97/backup/internal/metrics"
	"github.com/steel97/backup/internal/utils"
)

// RetryConfig holds retry configuration for uploads.
type RetryConfig struct {
	// MaxAttempts of 0 retries until the context is cancelled.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Uploader delivers local files to a Storage with retry logic.
type Uploader struct {
	storage Storage
	config  RetryConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// NewUploader wraps storage with the given retry policy.
func NewUploader(storage Storage, config RetryConfig, clk clock.Clock, logger *slog.Logger) *Uploader {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.InitialDelay > config.MaxDelay {
		config.InitialDelay = config.MaxDelay
	}
	return &Uploader{
		storage: storage,
		config:  config,
		clock:   clk,
		logger:  logger.With("component", "uploader", "bucket", storage.Bucket()),
	}
}

// Bucket returns the destination bucket.
func (u *Uploader) Bucket() string {
	return u.storage.Bucket()
}

// UploadFile uploads the file at path under key and returns its checksum.
//
// Retryable failures are retried with exponential backoff until the attempt
// budget is spent; terminal failures stop immediately. Either way the
// returned error is an *UploadError.
func (u *Uploader) UploadFile(ctx context.Context, key, path string, metadata map[string]string) (string, error) {
	bucket := u.storage.Bucket()
	delay := u.config.InitialDelay

	for attempt := 1; ; attempt++ {
		start := u.clock.Now()
		checksum, err := u.uploadOnce(ctx, key, path, metadata)
		if err == nil {
			metrics.RecordStorageOperation("upload", bucket, true)
			u.logger.Info("Uploaded archive",
				"key", key,
				"checksum", checksum,
				"attempt", attempt,
				"duration", u.clock.Now().Sub(start),
			)
			return checksum, nil
		}

		metrics.RecordStorageOperation("upload", bucket, false)

		if !IsRetryable(err) {
			return "", &UploadError{Bucket: bucket, Key: key, Attempts: attempt, Terminal: true, Err: err}
		}

		if u.config.MaxAttempts > 0 && attempt >= u.config.MaxAttempts {
			return "", &UploadError{Bucket: bucket, Key: key, Attempts: attempt, Err: err}
		}

		u.logger.Warn("Upload failed, retrying",
			"key", key,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		metrics.UploadRetries.WithLabelValues(bucket).Inc()

		select {
		case <-ctx.Done():
			return "", &UploadError{Bucket: bucket, Key: key, Attempts: attempt, Terminal: true, Err: ctx.Err()}
		case <-u.clock.After(delay):
		}

		// Calculate next delay with exponential backoff
		delay = time.Duration(float64(delay) * u.config.Multiplier)
		if delay > u.config.MaxDelay {
			delay = u.config.MaxDelay
		}
	}
}

func (u *Uploader) uploadOnce(ctx context.Context, key, path string, metadata map[string]string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	reader := utils.NewProgressReader(file, func(bytesRead int64, elapsed time.Duration) {
		u.logger.Info("Upload progress",
			"key", key,
			"uploaded", utils.FormatBytes(bytesRead),
			"rate", utils.FormatRate(float64(bytesRead)/elapsed.Seconds()),
		)
	})

	return u.storage.Upload(ctx, key, reader, metadata)
}

// NewStorage creates the storage backend described by cfg.
func NewStorage(ctx context.Context, cfg config.Storage) (Storage, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "s3":
		s3Config := S3Config{
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.Endpoint != "", // Use path style for custom endpoints
		}
		storage, err := NewS3Storage(ctx, s3Config)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 storage: %w", err)
		}
		return storage, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
