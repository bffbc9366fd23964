package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variables overriding flags.
const EnvPrefix = "backup"

// Option keys shared by flags, environment variables and viper.
const (
	KeyLogLevel           = "log-level"
	KeyLogFormat          = "log-format"
	KeyTempDir            = "temp-dir"
	KeyMetricsPort        = "metrics-port"
	KeyContinueOnError    = "continue-on-error"
	KeyUploadMaxAttempts  = "upload-max-attempts"
	KeyUploadInitialDelay = "upload-initial-delay"
	KeyUploadMaxDelay     = "upload-max-delay"
)

// Options holds runtime settings that are not part of the backup file.
type Options struct {
	LogLevel  string
	LogFormat string

	// TempDir holds archives and command output while a target is processed.
	TempDir string

	// MetricsPort enables the metrics server when non-zero.
	MetricsPort int

	// ContinueOnError processes remaining targets after one fails.
	ContinueOnError bool

	// Upload retry policy; UploadMaxAttempts of 0 retries until cancelled.
	UploadMaxAttempts  int
	UploadInitialDelay time.Duration
	UploadMaxDelay     time.Duration
}

// RegisterFlags adds the runtime option flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(KeyLogLevel, "info", "Log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, "text", "Log format (text, json)")
	fs.String(KeyTempDir, "", "Directory for transient files (defaults to the system temp dir)")
	fs.Int(KeyMetricsPort, 0, "Serve metrics and health checks on this port (0 disables)")
	fs.Bool(KeyContinueOnError, false, "Continue with remaining targets when one fails")
	fs.Int(KeyUploadMaxAttempts, 5, "Upload attempts per storage (0 retries until interrupted)")
	fs.Duration(KeyUploadInitialDelay, time.Second, "Delay before the first upload retry")
	fs.Duration(KeyUploadMaxDelay, 30*time.Second, "Maximum delay between upload retries")
}

// NewViper binds fs to a viper instance that also reads BACKUP_* variables.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v, nil
}

// LoadOptions resolves runtime options from v.
func LoadOptions(v *viper.Viper) (*Options, error) {
	opts := &Options{
		LogLevel:           v.GetString(KeyLogLevel),
		LogFormat:          v.GetString(KeyLogFormat),
		TempDir:            v.GetString(KeyTempDir),
		MetricsPort:        v.GetInt(KeyMetricsPort),
		ContinueOnError:    v.GetBool(KeyContinueOnError),
		UploadMaxAttempts:  v.GetInt(KeyUploadMaxAttempts),
		UploadInitialDelay: v.GetDuration(KeyUploadInitialDelay),
		UploadMaxDelay:     v.GetDuration(KeyUploadMaxDelay),
	}

	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

// Validate checks the option values.
func (o *Options) Validate() error {
	if _, err := o.Level(); err != nil {
		return err
	}

	switch o.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", o.LogFormat)
	}

	if o.MetricsPort < 0 || o.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", o.MetricsPort)
	}

	if o.UploadMaxAttempts < 0 {
		return fmt.Errorf("upload max attempts must be non-negative")
	}

	if o.UploadInitialDelay < 0 || o.UploadMaxDelay < 0 {
		return fmt.Errorf("upload delays must be non-negative")
	}

	return nil
}

// Level parses LogLevel.
func (o *Options) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level: %s", o.LogLevel)
	}
	return level, nil
}
