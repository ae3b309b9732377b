package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RotationInterval != time.Hour {
		t.Errorf("rotation interval = %s, want 1h", cfg.RotationInterval)
	}
	if cfg.ScanInterval != 10*time.Second {
		t.Errorf("scan interval = %s, want 10s", cfg.ScanInterval)
	}
	if cfg.ChatTick != time.Second {
		t.Errorf("chat tick = %s, want 1s", cfg.ChatTick)
	}
	if cfg.Position != nil {
		t.Errorf("position = %+v, want unset", cfg.Position)
	}
	if !cfg.MDNSEnabled {
		t.Error("mdns should default to enabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{
		"WAVEOS_HTTP_PORT":          "9000",
		"WAVEOS_CHAT_LIFETIME":      "90s",
		"WAVEOS_USER_ID":            "alice",
		"WAVEOS_LATITUDE":           "40.0",
		"WAVEOS_LONGITUDE":          "-73.0",
		"WAVEOS_MDNS_ENABLED":       "false",
		"WAVEOS_SCAN_INTERVAL":      "20s",
		"WAVEOS_DISCOVERY_DURATION": "15s",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 9000 || cfg.ChatLifetime != 90*time.Second || cfg.UserID != "alice" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Position == nil || cfg.Position.Latitude != 40 || cfg.Position.Longitude != -73 {
		t.Fatalf("position = %+v", cfg.Position)
	}
	if cfg.MDNSEnabled {
		t.Error("mdns should be disabled")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad port":           {"WAVEOS_HTTP_PORT": "abc"},
		"negative duration":  {"WAVEOS_SCAN_INTERVAL": "-1s"},
		"lat without lng":    {"WAVEOS_LATITUDE": "1"},
		"lat out of range":   {"WAVEOS_LATITUDE": "91", "WAVEOS_LONGITUDE": "0"},
		"burst over cadence": {"WAVEOS_DISCOVERY_DURATION": "11s"},
		"bad bool":           {"WAVEOS_MDNS_ENABLED": "maybe"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(envFrom(env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "WAVEOS_") {
				t.Errorf("error %q should name the variable", err)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"loud":  slog.LevelInfo,
	} {
		if got := (Config{LogLevel: name}).Level().Level(); got != want {
			t.Errorf("Level(%q) = %v, want %v", name, got, want)
		}
	}
}
