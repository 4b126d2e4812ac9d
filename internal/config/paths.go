package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const appDir = "notifyd"

// DefaultConfigPath returns $XDG_CONFIG_HOME/notifyd/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appDir, "config.yaml")
}

// DefaultDataPath returns a file path under $XDG_DATA_HOME/notifyd.
func DefaultDataPath(name string) string {
	return filepath.Join(xdg.DataHome, appDir, name)
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/notifyd.sock.
func DefaultSocketPath() string {
	return filepath.Join(xdg.RuntimeDir, appDir+".sock")
}
