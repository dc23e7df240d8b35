package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// daemonInfoPathOverride allows tests to redirect the daemon info file.
var daemonInfoPathOverride string //nolint:gochecknoglobals // test hook

// SetDaemonInfoPathOverride sets a test override for the daemon info path.
// Pass "" to restore the default. This is intended for tests only.
func SetDaemonInfoPathOverride(path string) {
	daemonInfoPathOverride = path
}

// DaemonInfo describes a running resume daemon. It is written when the
// daemon starts and removed when it exits, so `stratus list` can report it.
type DaemonInfo struct {
	Started  time.Time `toml:"started"`
	StateDB  string    `toml:"state_db"`
	Interval string    `toml:"interval"`
	PID      int       `toml:"pid"`
}

// DaemonInfoPath returns the path to the daemon info file.
func DaemonInfoPath() string {
	if daemonInfoPathOverride != "" {
		return daemonInfoPathOverride
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "stratus", "daemon.toml")
	}
	return filepath.Join(StateDir(), "daemon.toml")
}

// WriteDaemonInfo writes the daemon info file, creating its directory.
func WriteDaemonInfo(d DaemonInfo) error {
	path := DaemonInfoPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("encode daemon info: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ReadDaemonInfo reads the daemon info file. Returns os.ErrNotExist if no
// daemon has registered.
func ReadDaemonInfo() (DaemonInfo, error) {
	var d DaemonInfo
	if _, err := toml.DecodeFile(DaemonInfoPath(), &d); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DaemonInfo{}, os.ErrNotExist
		}
		return DaemonInfo{}, err
	}
	return d, nil
}

// RemoveDaemonInfo removes the daemon info file (best-effort).
func RemoveDaemonInfo() {
	os.Remove(DaemonInfoPath()) //nolint:errcheck // best-effort cleanup on shutdown
}
