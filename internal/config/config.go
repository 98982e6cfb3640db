// Package config loads broker configuration from an optional YAML file,
// environment variables, and command-line flags, in that order of
// precedence (flags win).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Default paths and command; each is overridable via environment variable
// and flag.
const (
	DefaultFIFOPath     = "/tmp/repl.in"
	DefaultSocketPath   = "/tmp/repl.sock"
	DefaultCommand      = "python3 -i"
	DefaultDriverSocket = "/tmp/repl-driver.sock"
	DefaultPrompt       = ">>> "
)

// Driver configures the synchronous request/reply driver (repldriver).
type Driver struct {
	// SocketPath is where the driver listens; one command per connection.
	SocketPath string `yaml:"socket"`
	// Prompt is the exact text the child prints when ready for input.
	Prompt string `yaml:"prompt"`
	// SentinelCommand, when non-empty, is sent once after the initial
	// prompt to make the child print a more distinctive prompt (one that
	// cannot appear in ordinary output). SentinelPrompt is the prompt text
	// the driver synchronizes on from then on.
	SentinelCommand string `yaml:"sentinel_command"`
	SentinelPrompt  string `yaml:"sentinel_prompt"`
	// Timeout bounds the wait for the prompt after sending a command.
	Timeout time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts "10s"-style duration strings for the timeout and
// merges set keys over the existing defaults.
func (d *Driver) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SocketPath      string `yaml:"socket"`
		Prompt          string `yaml:"prompt"`
		SentinelCommand string `yaml:"sentinel_command"`
		SentinelPrompt  string `yaml:"sentinel_prompt"`
		Timeout         string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.SocketPath != "" {
		d.SocketPath = raw.SocketPath
	}
	if raw.Prompt != "" {
		d.Prompt = raw.Prompt
	}
	if raw.SentinelCommand != "" {
		d.SentinelCommand = raw.SentinelCommand
	}
	if raw.SentinelPrompt != "" {
		d.SentinelPrompt = raw.SentinelPrompt
	}
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid driver timeout %q: %w", raw.Timeout, err)
		}
		d.Timeout = timeout
	}
	return nil
}

// Config holds settings for both the broker and the driver.
type Config struct {
	// Command is the child command line, split with shell quoting rules.
	Command string `yaml:"command"`
	// FIFOPath is the named-pipe input channel; empty disables it.
	FIFOPath string `yaml:"fifo"`
	// SocketPath is the Unix socket for interactive clients; empty
	// disables it.
	SocketPath string `yaml:"socket"`
	// LocalInput enables the local stdin channel. Even when enabled the
	// broker only puts stdin into raw mode if it is a terminal.
	LocalInput bool `yaml:"local_input"`

	Driver Driver `yaml:"driver"`
}

// Load reads configuration for the named binary from the default config
// file (if present), the environment, and os.Args flags.
func Load() (*Config, error) {
	return load(flag.CommandLine, os.Args[1:])
}

func load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{
		Command:    DefaultCommand,
		FIFOPath:   DefaultFIFOPath,
		SocketPath: DefaultSocketPath,
		LocalInput: true,
		Driver: Driver{
			SocketPath: DefaultDriverSocket,
			Prompt:     DefaultPrompt,
			Timeout:    5 * time.Second,
		},
	}

	path := configFilePath()
	if err := cfg.loadFromFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	// Environment overrides the file.
	if v := os.Getenv("REPL_CMD"); v != "" {
		cfg.Command = v
	}
	if v, ok := os.LookupEnv("REPL_FIFO"); ok {
		cfg.FIFOPath = v
	}
	if v, ok := os.LookupEnv("REPL_SOCK"); ok {
		cfg.SocketPath = v
	}
	if v, ok := os.LookupEnv("REPL_CTL_SOCK"); ok {
		cfg.Driver.SocketPath = v
	}

	fs.StringVar(&cfg.Command, "cmd", cfg.Command, "child command line")
	fs.StringVar(&cfg.FIFOPath, "fifo", cfg.FIFOPath, "FIFO input path (empty disables)")
	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "Unix socket path (empty disables)")
	fs.BoolVar(&cfg.LocalInput, "local-input", cfg.LocalInput, "relay local stdin to the child")
	fs.StringVar(&cfg.Driver.SocketPath, "driver-socket", cfg.Driver.SocketPath, "driver request/reply socket path")
	fs.StringVar(&cfg.Driver.Prompt, "prompt", cfg.Driver.Prompt, "child prompt text the driver synchronizes on")
	fs.StringVar(&cfg.Driver.SentinelCommand, "sentinel-command", cfg.Driver.SentinelCommand, "command that installs a distinctive prompt (empty disables)")
	fs.StringVar(&cfg.Driver.SentinelPrompt, "sentinel-prompt", cfg.Driver.SentinelPrompt, "prompt text printed after the sentinel command")
	fs.DurationVar(&cfg.Driver.Timeout, "timeout", cfg.Driver.Timeout, "driver per-command timeout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Command == "" {
		return errors.New("config: child command must not be empty")
	}
	if _, err := shellquote.Split(c.Command); err != nil {
		return fmt.Errorf("config: invalid command %q: %w", c.Command, err)
	}
	if c.FIFOPath == "" && c.SocketPath == "" && !c.LocalInput {
		return errors.New("config: no input channels enabled")
	}
	if c.Driver.Prompt == "" {
		return errors.New("config: driver prompt must not be empty")
	}
	if (c.Driver.SentinelCommand != "") != (c.Driver.SentinelPrompt != "") {
		return errors.New("config: sentinel command and sentinel prompt must be set together")
	}
	if c.Driver.Timeout <= 0 {
		return errors.New("config: driver timeout must be positive")
	}
	return nil
}

// ChildArgv splits the configured command line into an argv vector.
func (c *Config) ChildArgv() ([]string, error) {
	argv, err := shellquote.Split(c.Command)
	if err != nil {
		return nil, fmt.Errorf("config: invalid command %q: %w", c.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("config: child command must not be empty")
	}
	return argv, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func configFilePath() string {
	if v := os.Getenv("REPLBROKER_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "replbroker", "config.yaml")
}
