// Package config loads the devherd YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent462/devherd/internal/pathutil"
)

// Config represents the top-level devherd configuration.
type Config struct {
	Bridge   Bridge           `yaml:"bridge"`
	Defaults Defaults         `yaml:"defaults"`
	Devices  Devices          `yaml:"devices"`
	Emulator Emulator         `yaml:"emulator"`
	Suites   map[string]Suite `yaml:"suites,omitempty"`

	dir string // directory of the loaded file, for relative paths
}

// Bridge describes where and how the adb executable runs.
type Bridge struct {
	Path         string `yaml:"path"`
	Host         string `yaml:"host,omitempty"` // run adb on this SSH host
	User         string `yaml:"user,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	StageDir     string `yaml:"stage_dir,omitempty"`
}

// Defaults holds default settings.
type Defaults struct {
	Timeout          Duration `yaml:"timeout"`
	BootPollInterval Duration `yaml:"boot_poll_interval"`
	RootSettleDelay  Duration `yaml:"root_settle_delay"`
	WaitDelay        Duration `yaml:"wait_delay"`
	KillGrace        Duration `yaml:"kill_grace"`
	Concurrency      int      `yaml:"concurrency"` // 0 means one task per device
	Output           string   `yaml:"output"`      // "grouped" or "json"
}

// Devices filters discovered serials by glob.
type Devices struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// Emulator configures emulator launches.
type Emulator struct {
	Path      string   `yaml:"path"`
	PortStart int      `yaml:"port_start"`
	PortEnd   int      `yaml:"port_end"`
	Args      []string `yaml:"args,omitempty"`
}

// Suite is a named set of packages to install, setup commands, and tasks.
// Devices are prepared in field order: root, push, install, properties,
// stop, kill_background, setup, launch.
type Suite struct {
	Description    string            `yaml:"description,omitempty"`
	Root           bool              `yaml:"root,omitempty"`
	Push           []Push            `yaml:"push,omitempty"`
	Install        []string          `yaml:"install,omitempty"`
	Properties     map[string]string `yaml:"properties,omitempty"`
	Stop           []string          `yaml:"stop,omitempty"`
	KillBackground bool              `yaml:"kill_background,omitempty"`
	Setup          []string          `yaml:"setup,omitempty"`
	Launch         []Launch          `yaml:"launch,omitempty"`
	Tasks          []Task            `yaml:"tasks"`
}

// Push copies a local file or directory onto each device.
type Push struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
	Mode   string `yaml:"mode,omitempty"` // chmod -R after the push
}

// Launch starts an activity once setup has run.
type Launch struct {
	Action    string `yaml:"action"`
	Package   string `yaml:"package"`
	Component string `yaml:"component"`
	Data      string `yaml:"data,omitempty"`
}

// Task is one shell command run on whichever device is free.
type Task struct {
	Name    string   `yaml:"name"`
	Shell   string   `yaml:"shell"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Duration wraps time.Duration to support YAML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Bridge: Bridge{
			Path:     "adb",
			StageDir: "/tmp/devherd",
		},
		Defaults: Defaults{
			Timeout:          Duration{5 * time.Minute},
			BootPollInterval: Duration{2 * time.Second},
			RootSettleDelay:  Duration{2 * time.Second},
			WaitDelay:        Duration{5 * time.Second},
			KillGrace:        Duration{5 * time.Second},
			Output:           "grouped",
		},
		Emulator: Emulator{
			Path:      "emulator",
			PortStart: 5554,
			PortEnd:   5584,
			Args:      []string{"-no-window", "-no-audio", "-no-boot-anim"},
		},
		Suites: make(map[string]Suite),
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "devherd", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "devherd", "config.yaml")
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	path = pathutil.ExpandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// LoadDefault loads the config from the default path. A missing file yields
// the default config.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Save writes the config to path as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.Bridge.Path == "" {
		return fmt.Errorf("bridge.path must not be empty")
	}
	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port %d out of range", c.Bridge.Port)
	}

	durations := []struct {
		name string
		d    Duration
	}{
		{"timeout", c.Defaults.Timeout},
		{"boot_poll_interval", c.Defaults.BootPollInterval},
		{"root_settle_delay", c.Defaults.RootSettleDelay},
		{"wait_delay", c.Defaults.WaitDelay},
		{"kill_grace", c.Defaults.KillGrace},
	}
	for _, d := range durations {
		if d.d.Duration < 0 {
			return fmt.Errorf("defaults.%s must be non-negative, got %s", d.name, d.d)
		}
	}
	if c.Defaults.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Defaults.Concurrency)
	}
	validOutputModes := map[string]bool{"grouped": true, "json": true}
	if c.Defaults.Output != "" && !validOutputModes[c.Defaults.Output] {
		return fmt.Errorf("invalid output mode %q, must be one of: grouped, json", c.Defaults.Output)
	}

	if c.Emulator.PortStart%2 != 0 {
		return fmt.Errorf("emulator.port_start %d must be even", c.Emulator.PortStart)
	}
	if c.Emulator.PortEnd < c.Emulator.PortStart {
		return fmt.Errorf("emulator port range %d-%d is empty", c.Emulator.PortStart, c.Emulator.PortEnd)
	}

	for name, suite := range c.Suites {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("suite name %q must match [a-zA-Z0-9_-]+", name)
		}
		if len(suite.Tasks) == 0 {
			return fmt.Errorf("suite %q has no tasks", name)
		}
		for i, p := range suite.Push {
			if p.Local == "" || p.Remote == "" {
				return fmt.Errorf("suite %q push %d needs local and remote", name, i)
			}
		}
		for i, l := range suite.Launch {
			if l.Package == "" || l.Component == "" {
				return fmt.Errorf("suite %q launch %d needs package and component", name, i)
			}
		}
		for i, task := range suite.Tasks {
			if task.Name == "" {
				return fmt.Errorf("suite %q task %d has no name", name, i)
			}
			if strings.TrimSpace(task.Shell) == "" {
				return fmt.Errorf("suite %q task %q has no shell command", name, task.Name)
			}
			if task.Timeout.Duration < 0 {
				return fmt.Errorf("suite %q task %q has negative timeout: %s", name, task.Name, task.Timeout)
			}
		}
	}
	return nil
}

// Suite returns the named suite.
func (c *Config) Suite(name string) (Suite, error) {
	if s, ok := c.Suites[name]; ok {
		return s, nil
	}
	if len(c.Suites) == 0 {
		return Suite{}, fmt.Errorf("suite %q not found (no suites defined)", name)
	}
	available := make([]string, 0, len(c.Suites))
	for n := range c.Suites {
		available = append(available, n)
	}
	sort.Strings(available)
	return Suite{}, fmt.Errorf("suite %q not found (available: %s)", name, strings.Join(available, ", "))
}

// ResolvePath expands ~/ and makes p relative to the config file's
// directory.
func (c *Config) ResolvePath(p string) string {
	p = pathutil.ExpandHome(p)
	if filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}
