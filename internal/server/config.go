package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where Save writes when no path was loaded.
const DefaultConfigPath = "/etc/trackd/config.yaml"

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	GPS      GPSConfig      `yaml:"gps" json:"gps"`
	Tracking TrackingConfig `yaml:"tracking" json:"tracking"`
	History  HistoryConfig  `yaml:"history" json:"history"`
	Guard    GuardConfig    `yaml:"guard" json:"guard"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GPSConfig struct {
	Type     string `yaml:"type" json:"type" validate:"oneof=nmea gpsd demo disabled"`
	PortPath string `yaml:"port_path" json:"portPath" validate:"required_if=Type nmea"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate" validate:"gte=0"`
	GPSDAddr string `yaml:"gpsd_addr" json:"gpsdAddr" validate:"omitempty,hostname_port"`
}

// TrackingConfig holds the sampling intervals for the two request profiles.
type TrackingConfig struct {
	IntervalMs           int64 `yaml:"interval_ms" json:"intervalMs" validate:"gt=0"`
	BackgroundIntervalMs int64 `yaml:"background_interval_ms" json:"backgroundIntervalMs" validate:"gt=0"`
	Autostart            bool  `yaml:"autostart" json:"autostart"`
}

type HistoryConfig struct {
	Path     string `yaml:"path" json:"path" validate:"required"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"omitempty,timezone"` // IANA name; empty means local
}

type GuardConfig struct {
	Type     string `yaml:"type" json:"type" validate:"oneof=lock none"`
	LockPath string `yaml:"lock_path" json:"lockPath" validate:"required_if=Type lock"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" validate:"required"`
}

var validate = validator.New()

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			GPSDAddr: "localhost:2947",
		},
		Tracking: TrackingConfig{
			IntervalMs:           5000,
			BackgroundIntervalMs: 60000,
		},
		History: HistoryConfig{
			Path: "/var/lib/trackd",
		},
		Guard: GuardConfig{
			Type:     "lock",
			LockPath: "/run/trackd/trackd.lock",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or the
// result does not validate.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then CWD. Variables already set win.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(ep); err == nil {
			log.Printf("[config] loaded .env from %s", ep)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		log.Printf("[config] invalid config: %v, using defaults", err)
		cfg = DefaultConfig()
		cfg.path = path
	}
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_TYPE, GPS_PORT, GPS_BAUD, GPSD_ADDR, TRACK_INTERVAL_MS,
// TRACK_BACKGROUND_INTERVAL_MS, TRACK_AUTOSTART, HISTORY_PATH, HISTORY_TZ,
// GUARD_TYPE, GUARD_LOCK_PATH, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("GPSD_ADDR"); v != "" {
		c.GPS.GPSDAddr = v
	}
	if v := os.Getenv("TRACK_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Tracking.IntervalMs = n
		}
	}
	if v := os.Getenv("TRACK_BACKGROUND_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Tracking.BackgroundIntervalMs = n
		}
	}
	if v := os.Getenv("TRACK_AUTOSTART"); v != "" {
		c.Tracking.Autostart = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("HISTORY_TZ"); v != "" {
		c.History.Timezone = v
	}
	if v := os.Getenv("GUARD_TYPE"); v != "" {
		c.Guard.Type = v
	}
	if v := os.Getenv("GUARD_LOCK_PATH"); v != "" {
		c.Guard.LockPath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Validate checks the config against its field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// HistoryLocation resolves History.Timezone. Unknown names fall back to
// time.Local.
func (c *Config) HistoryLocation() *time.Location {
	c.mu.RLock()
	tz := c.History.Timezone
	c.mu.RUnlock()

	if tz == "" || tz == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("[config] unknown timezone %q, using local time", tz)
		return time.Local
	}
	return loc
}

// Interval returns the sampling interval for a request profile: "foreground"
// (or empty) and "background". A configured interval that is not positive is
// an error.
func (c *Config) Interval(profile string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ms int64
	switch profile {
	case "", "foreground":
		ms = c.Tracking.IntervalMs
	case "background":
		ms = c.Tracking.BackgroundIntervalMs
	default:
		return 0, fmt.Errorf("unknown profile %q", profile)
	}
	if ms <= 0 {
		return 0, fmt.Errorf("profile %q: interval %dms is not positive", profile, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails validation leaves the
// config unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	c.GPS = next.GPS
	c.Tracking = next.Tracking
	c.History = next.History
	c.Guard = next.Guard
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
