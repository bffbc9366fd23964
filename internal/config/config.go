// Package config handles the declarative backup configuration and runtime options.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultTargetName is used when a target omits its name.
const DefaultTargetName = "backup"

var (
	// ErrNoTargets is returned when the configuration has no Targets section.
	ErrNoTargets = errors.New("missing targets")
	// ErrNoStorages is returned when the configuration has no Storages section.
	ErrNoStorages = errors.New("missing storages")
)

// Config is the backup configuration file.
type Config struct {
	Storages []Storage `json:"Storages"`
	Targets  []Target  `json:"Targets"`
}

// Storage describes one S3-compatible destination.
type Storage struct {
	Type      string `json:"Type"`
	Endpoint  string `json:"Endpoint"`
	AccessKey string `json:"AccessKey"`
	SecretKey string `json:"SecretKey"`
	Region    string `json:"Region"`
	Bucket    string `json:"Bucket"`
	KeyPrefix string `json:"KeyPrefix"`
}

// Target is a named unit of backup work producing one archive.
type Target struct {
	Name   string  `json:"Name"`
	Packer *Packer `json:"Packer"`
	Backup *Backup `json:"Backup"`
}

// Packer holds archive packing options.
type Packer struct {
	Password string `json:"Password"`
}

// Backup lists the actions contributing to a target's archive.
type Backup struct {
	Directories []Directory `json:"Directories"`
	Commands    []Command   `json:"Commands"`
}

// Directory captures a directory tree under Output inside the archive.
type Directory struct {
	Source string `json:"Source"`
	Output string `json:"Output"`
}

// Command captures the file a command writes to its placeholder path.
type Command struct {
	Command string            `json:"Command"`
	Args    []string          `json:"Args"`
	Env     map[string]string `json:"Env"`
	Output  string            `json:"Output"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("no config specified")
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config %s doesn't exist", path)
		}
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the required sections and storage fields are present.
func (c *Config) Validate() error {
	if c.Targets == nil {
		return ErrNoTargets
	}
	if c.Storages == nil {
		return ErrNoStorages
	}

	for i := range c.Storages {
		if err := c.Storages[i].Validate(); err != nil {
			return fmt.Errorf("storage %d: %w", i, err)
		}
	}

	return nil
}

// Validate checks a single storage entry.
func (s *Storage) Validate() error {
	switch strings.ToLower(s.Type) {
	case "", "s3":
	default:
		return fmt.Errorf("unsupported storage type: %s", s.Type)
	}

	if s.AccessKey == "" {
		return fmt.Errorf("missing access_key")
	}
	if s.SecretKey == "" {
		return fmt.Errorf("missing secret_key")
	}
	if s.Region == "" {
		return fmt.Errorf("missing region")
	}
	if s.Endpoint == "" {
		return fmt.Errorf("missing endpoint")
	}
	if s.Bucket == "" {
		return fmt.Errorf("no bucket specified")
	}
	return nil
}

// DisplayName returns the target's name template, defaulting when unset.
func (t *Target) DisplayName() string {
	if t.Name == "" {
		return DefaultTargetName
	}
	return t.Name
}

// Password returns the archive password, empty when encryption is disabled.
func (t *Target) Password() string {
	if t.Packer == nil {
		return ""
	}
	return t.Packer.Password
}

// Directories returns the target's directory actions.
func (t *Target) Directories() []Directory {
	if t.Backup == nil {
		return nil
	}
	return t.Backup.Directories
}

// Commands returns the target's command actions.
func (t *Target) Commands() []Command {
	if t.Backup == nil {
		return nil
	}
	return t.Backup.Commands
}

// HasActions reports whether the target declares anything to pack.
func (t *Target) HasActions() bool {
	return len(t.Directories()) > 0 || len(t.Commands()) > 0
}
