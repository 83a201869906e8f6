package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.GPS.Type != "demo" || cfg.Tracking.IntervalMs != 5000 {
		t.Fatalf("expected defaults, got %+v", cfg.Tracking)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
gps:
  type: gpsd
  gpsd_addr: 127.0.0.1:2947
tracking:
  interval_ms: 1000
  autostart: true
history:
  timezone: UTC
`)
	cfg := LoadConfig(path)
	if cfg.GPS.Type != "gpsd" || cfg.GPS.GPSDAddr != "127.0.0.1:2947" {
		t.Fatalf("unexpected gps config %+v", cfg.GPS)
	}
	if cfg.Tracking.IntervalMs != 1000 || !cfg.Tracking.Autostart {
		t.Fatalf("unexpected tracking config %+v", cfg.Tracking)
	}
	// Untouched fields keep their defaults.
	if cfg.Tracking.BackgroundIntervalMs != 60000 || cfg.Guard.Type != "lock" {
		t.Fatalf("defaults not preserved")
	}
	if loc := cfg.HistoryLocation(); loc.String() != "UTC" {
		t.Fatalf("unexpected location %v", loc)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("GPS_TYPE", "nmea")
	t.Setenv("GPS_PORT", "/dev/ttyUSB1")
	t.Setenv("GPS_BAUD", "4800")
	t.Setenv("TRACK_INTERVAL_MS", "2500")
	t.Setenv("TRACK_AUTOSTART", "yes")
	t.Setenv("GUARD_TYPE", "none")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	if cfg.GPS.Type != "nmea" || cfg.GPS.PortPath != "/dev/ttyUSB1" || cfg.GPS.BaudRate != 4800 {
		t.Fatalf("unexpected gps config %+v", cfg.GPS)
	}
	if d, _ := cfg.Interval("foreground"); d != 2500*time.Millisecond {
		t.Fatalf("unexpected interval %v", d)
	}
	if !cfg.Tracking.Autostart || cfg.Guard.Type != "none" || cfg.Server.ListenAddr != ":9999" {
		t.Fatalf("overrides not applied")
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "HISTORY_TZ=UTC\nGPS_TYPE=nmea\n")

	if _, ok := os.LookupEnv("HISTORY_TZ"); ok {
		t.Skip("HISTORY_TZ already set in the environment")
	}
	t.Cleanup(func() { os.Unsetenv("HISTORY_TZ") })
	// A variable already in the environment wins over .env.
	t.Setenv("GPS_TYPE", "gpsd")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	if cfg.History.Timezone != "UTC" {
		t.Fatalf("expected .env value, got %q", cfg.History.Timezone)
	}
	if cfg.GPS.Type != "gpsd" {
		t.Fatalf("expected real env to win, got %q", cfg.GPS.Type)
	}
}

func TestLoadConfigInvalidFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "tracking:\n  interval_ms: -5\nserver:\n  listen_addr: \":7000\"\n")

	cfg := LoadConfig(path)
	if cfg.Tracking.IntervalMs != 5000 || cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("expected defaults after validation failure, got %+v %+v", cfg.Tracking, cfg.Server)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown gps type", func(c *Config) { c.GPS.Type = "carrier-pigeon" }},
		{"nmea without port", func(c *Config) { c.GPS.Type = "nmea"; c.GPS.PortPath = "" }},
		{"bad gpsd addr", func(c *Config) { c.GPS.GPSDAddr = "not an address" }},
		{"zero background interval", func(c *Config) { c.Tracking.BackgroundIntervalMs = 0 }},
		{"bad timezone", func(c *Config) { c.History.Timezone = "Mars/Olympus_Mons" }},
		{"lock without path", func(c *Config) { c.Guard.LockPath = "" }},
		{"no listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Guard.Type = "none"
	cfg.Guard.LockPath = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("lock path should be optional without a lock guard: %v", err)
	}
}

func TestHistoryLocationDefault(t *testing.T) {
	if loc := DefaultConfig().HistoryLocation(); loc != time.Local {
		t.Fatalf("expected local time, got %v", loc)
	}
}

func TestIntervalUnknownProfile(t *testing.T) {
	if _, err := DefaultConfig().Interval("hyperspeed"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIntervalNotPositive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracking.IntervalMs = 0
	if _, err := cfg.Interval("foreground"); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if d, err := cfg.Interval("background"); err != nil || d != time.Minute {
		t.Fatalf("background profile affected: %v, %v", d, err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg := LoadConfig(path)
	cfg.Tracking.IntervalMs = 1234
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := LoadConfig(path).Tracking.IntervalMs; got != 1234 {
		t.Fatalf("expected 1234 after reload, got %d", got)
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"gps":    map[string]interface{}{"type": "demo", "baudRate": 9600.0},
		"server": map[string]interface{}{"listenAddr": ":8080"},
	}
	deepMerge(dst, map[string]interface{}{
		"gps": map[string]interface{}{"type": "nmea"},
	})
	gps := dst["gps"].(map[string]interface{})
	if gps["type"] != "nmea" || gps["baudRate"] != 9600.0 {
		t.Fatalf("unexpected merge result %v", gps)
	}
	if dst["server"].(map[string]interface{})["listenAddr"] != ":8080" {
		t.Fatalf("sibling section lost")
	}
}
