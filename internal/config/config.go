// Package config resolves runtime settings from defaults, the environment and
// command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Config holds the settings of the relay and its optional gateways.
type Config struct {
	// Addr is the TCP address of the line relay.
	Addr string
	// SSHAddr enables the SSH terminal gateway when non-empty.
	SSHAddr     string
	HostKeyPath string
	// WSAddr enables the WebSocket gateway when non-empty.
	WSAddr string

	LogLevel  string
	LogFormat string
	ReadSize  int
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:        ":7711",
		HostKeyPath: "configs/ssh_host_ed25519",
		LogLevel:    "info",
		LogFormat:   "text",
		ReadSize:    1024,
	}
}

// Load builds a Config from defaults, then the environment (via getenv), then
// args.
func Load(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Default()
	cfg.Addr = envString(getenv, "SMALLCHAT_ADDR", cfg.Addr)
	cfg.SSHAddr = envString(getenv, "SMALLCHAT_SSH_ADDR", cfg.SSHAddr)
	cfg.HostKeyPath = envString(getenv, "SMALLCHAT_HOST_KEY", cfg.HostKeyPath)
	cfg.WSAddr = envString(getenv, "SMALLCHAT_WS_ADDR", cfg.WSAddr)
	cfg.LogLevel = envString(getenv, "SMALLCHAT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString(getenv, "SMALLCHAT_LOG_FORMAT", cfg.LogFormat)
	readSize, err := envInt(getenv, "SMALLCHAT_READ_SIZE", cfg.ReadSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadSize = readSize

	fs := flag.NewFlagSet("smallchat", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP address of the line relay")
	fs.StringVar(&cfg.SSHAddr, "ssh-addr", cfg.SSHAddr, "TCP address of the SSH gateway (disabled when empty)")
	fs.StringVar(&cfg.HostKeyPath, "host-key", cfg.HostKeyPath, "Path to the SSH host private key (auto-generated if missing)")
	fs.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "TCP address of the WebSocket gateway (disabled when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.IntVar(&cfg.ReadSize, "read-size", cfg.ReadSize, "Bytes read per readiness event")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the relay cannot start with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: relay address is required")
	}
	if c.ReadSize <= 0 {
		return fmt.Errorf("config: read size must be positive, got %d", c.ReadSize)
	}
	return nil
}

func envString(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
