// Package config loads the optional stratus configuration file. Every field
// is a pointer so that unset keys can be told apart from zero values; CLI
// flags that were set explicitly take precedence over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the optional stratus configuration file.
type Config struct {
	Upload UploadConfig `toml:"upload"`
	Remote RemoteConfig `toml:"remote"`
	State  StateConfig  `toml:"state"`
	Daemon DaemonConfig `toml:"daemon"`
}

// UploadConfig holds upload defaults.
type UploadConfig struct {
	ChunkSize        *string `toml:"chunk_size"`
	Workers          *int    `toml:"workers"`
	ChunkConcurrency *int    `toml:"chunk_concurrency"`
	MaxChunkAttempts *int    `toml:"max_chunk_attempts"`
	MaxTaskAttempts  *int    `toml:"max_task_attempts"`
	RequestTimeout   *string `toml:"request_timeout"`
	BWLimit          *string `toml:"bwlimit"`
	Policy           *string `toml:"policy"`
}

// RemoteConfig selects and configures the remote storage service.
type RemoteConfig struct {
	// Kind is "http" or "s3".
	Kind     *string `toml:"kind"`
	Endpoint *string `toml:"endpoint"`
	Token    *string `toml:"token"`
	RetryMax *int    `toml:"retry_max"`

	Bucket          *string `toml:"bucket"`
	Region          *string `toml:"region"`
	Prefix          *string `toml:"prefix"`
	AccessKeyID     *string `toml:"access_key_id"`
	SecretAccessKey *string `toml:"secret_access_key"`
	PathStyle       *bool   `toml:"path_style"`
}

// StateConfig locates the durable task records.
type StateConfig struct {
	DB *string `toml:"db"`
}

// DaemonConfig configures the resume daemon.
type DaemonConfig struct {
	Interval *string `toml:"interval"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "stratus", "config.toml")
}

// StateDir returns the directory holding the state database.
func StateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "stratus")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "stratus")
}

// DefaultStatePath returns the default location of the state database.
func DefaultStatePath() string {
	return filepath.Join(StateDir(), "state.db")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file yields a zero
// Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Upload.ChunkSize != nil {
		if _, err := ParseSize(*c.Upload.ChunkSize); err != nil {
			return fmt.Errorf("upload.chunk_size: %w", err)
		}
	}
	if c.Upload.BWLimit != nil {
		if _, err := ParseSize(*c.Upload.BWLimit); err != nil {
			return fmt.Errorf("upload.bwlimit: %w", err)
		}
	}
	if c.Upload.RequestTimeout != nil {
		if _, err := time.ParseDuration(*c.Upload.RequestTimeout); err != nil {
			return fmt.Errorf("upload.request_timeout: %w", err)
		}
	}
	if c.Daemon.Interval != nil {
		if _, err := time.ParseDuration(*c.Daemon.Interval); err != nil {
			return fmt.Errorf("daemon.interval: %w", err)
		}
	}
	if c.Remote.Kind != nil && *c.Remote.Kind != "http" && *c.Remote.Kind != "s3" {
		return fmt.Errorf("remote.kind %q: want http or s3", *c.Remote.Kind)
	}
	return nil
}
