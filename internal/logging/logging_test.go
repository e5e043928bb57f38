package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	if cfg := DefaultConfig(ProfileRuntime); cfg.Level != zerolog.WarnLevel || !cfg.Timestamp {
		t.Errorf("runtime = %+v", cfg)
	}
	if cfg := DefaultConfig(ProfileTest); cfg.Level != zerolog.DebugLevel || cfg.Timestamp || !cfg.NoColor {
		t.Errorf("test = %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "TRACE")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogNoColor, "1")

	cfg := DefaultConfig(ProfileRuntime)
	cfg.ApplyEnv()
	if cfg.Level != zerolog.TraceLevel || !cfg.JSON || !cfg.NoColor {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyEnv_IgnoresGarbage(t *testing.T) {
	t.Setenv(EnvLogLevel, "loud")
	t.Setenv(EnvLogFormat, "xml")
	t.Setenv(EnvLogNoColor, "maybe")

	cfg := DefaultConfig(ProfileRuntime)
	want := cfg
	cfg.ApplyEnv()
	if cfg != want {
		t.Errorf("cfg = %+v, want unchanged %+v", cfg, want)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" Warning ", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"", zerolog.NoLevel, false},
		{"verbose", zerolog.NoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, ok)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Level: zerolog.InfoLevel, JSON: true})
	log.Debug().Msg("hidden")
	log.Warn().Str("serial", "emulator-5554").Msg("exit marker missing")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["serial"] != "emulator-5554" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["time"]; ok {
		t.Error("timestamp written although disabled")
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, DefaultConfig(ProfileTest))
	log.Debug().Str("serial", "s1").Msg("boot poll failed")

	out := buf.String()
	if !strings.Contains(out, "boot poll failed") || !strings.Contains(out, "serial=s1") {
		t.Errorf("console output = %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("colour codes written with NoColor")
	}
}

func TestConfigure_AppliesEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")

	var buf bytes.Buffer
	log := Configure(ProfileTest, &buf)
	log.Warn().Msg("dropped")
	log.Error().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, `"message":"kept"`) {
		t.Errorf("output = %q", out)
	}
}
