// Package logging builds the zerolog logger shared by devherd components.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "DEVHERD_LOG_LEVEL"
	EnvLogFormat  = "DEVHERD_LOG_FORMAT"
	EnvLogNoColor = "DEVHERD_LOG_NOCOLOR"
)

// Profile selects the base configuration.
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config controls logger construction.
type Config struct {
	Level     zerolog.Level
	JSON      bool
	NoColor   bool
	Timestamp bool
}

// DefaultConfig returns the base configuration for profile.
func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, NoColor: true}
	default:
		return Config{Level: zerolog.WarnLevel, Timestamp: true}
	}
}

// ApplyEnv overrides cfg from DEVHERD_LOG_* variables. Unparseable values
// are ignored.
func (c *Config) ApplyEnv() {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		c.Level = lvl
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))) {
	case "json":
		c.JSON = true
	case "console":
		c.JSON = false
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		c.NoColor = v
	}
}

// Configure builds a logger for profile with DEVHERD_LOG_* overrides applied.
func Configure(profile Profile, w io.Writer) zerolog.Logger {
	cfg := DefaultConfig(profile)
	cfg.ApplyEnv()
	return New(w, cfg)
}

// New builds a logger writing to w.
func New(w io.Writer, cfg Config) zerolog.Logger {
	out := w
	if !cfg.JSON {
		cw := zerolog.ConsoleWriter{Out: w, NoColor: cfg.NoColor, TimeFormat: time.TimeOnly}
		if !cfg.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	ctx := zerolog.New(out).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// ParseLevel maps a level name to a zerolog level. ok is false for empty or
// unknown names.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.NoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
