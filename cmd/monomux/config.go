package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/monomux/internal/server"
)

// fileConfig is the optional YAML config. Every field has a flag or built-in
// default, so a missing file is not an error.
type fileConfig struct {
	// SocketPath overrides the per-user default socket location.
	SocketPath string `yaml:"socket_path"`
	// Program is spawned for new sessions when no program is given on the
	// command line. Empty falls back to $SHELL.
	Program string `yaml:"program"`
	// HandshakeDeadline bounds how long the server waits for a client to
	// finish the handshake, as a Go duration string.
	HandshakeDeadline string `yaml:"handshake_deadline" default:"30s"`
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "monomux", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "monomux", "config.yaml")
}

// loadConfig reads the config file named by --config, or the default path.
// Only an explicitly named file is required to exist.
func loadConfig(cmd *cobra.Command) (*fileConfig, error) {
	cfg := &fileConfig{}
	defaults.SetDefaults(cfg)

	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, newInvocationError(fmt.Errorf("read config %s: %w", path, err))
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, newInvocationError(fmt.Errorf("parse config %s: %w", path, err))
	}
	if cfg.HandshakeDeadline == "" {
		cfg.HandshakeDeadline = "30s"
	}
	return cfg, nil
}

func (c *fileConfig) handshakeDeadline() (time.Duration, error) {
	d, err := time.ParseDuration(c.HandshakeDeadline)
	if err != nil {
		return 0, newInvocationError(fmt.Errorf("handshake_deadline %q: %w", c.HandshakeDeadline, err))
	}
	return d, nil
}

// resolveSocketPath picks the socket path: flag, then config file, then the
// per-user default.
func resolveSocketPath(cmd *cobra.Command, cfg *fileConfig) string {
	if path, _ := cmd.Flags().GetString("socket"); path != "" {
		return path
	}
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return server.DefaultSocketPath()
}
