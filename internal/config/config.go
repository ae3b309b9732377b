package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"waveos/go-presence/internal/model"
)

// Config lists the tunable parameters for the WaveOS directory and device daemons.
type Config struct {
	// directory service
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	BeaconTTL       time.Duration
	PresenceTTL     time.Duration
	WaveWindow      time.Duration
	ChatLifetime    time.Duration
	CleanupInterval time.Duration
	MDNSEnabled     bool

	// device
	DirectoryURL       string
	MQTTBroker         string
	UserID             string
	RotationInterval   time.Duration
	ScanInterval       time.Duration
	DiscoveryDuration  time.Duration
	ResolveConcurrency int
	ChatTick           time.Duration
	RequestTimeout     time.Duration
	RadioPort          int
	Position           *model.Position

	LogLevel string
}

const (
	defaultHTTPPort           = 8080
	defaultMQTTBindAddress    = ":1883"
	defaultDatabasePath       = "data/waveos.db"
	defaultBeaconTTL          = time.Hour
	defaultPresenceTTL        = 15 * time.Minute
	defaultWaveWindow         = 24 * time.Hour
	defaultChatLifetime       = 5 * time.Minute
	defaultCleanupInterval    = time.Minute
	defaultDirectoryURL       = "http://localhost:8080"
	defaultMQTTBroker         = "tcp://localhost:1883"
	defaultRotationInterval   = 3_600_000 * time.Millisecond
	defaultScanInterval       = 10_000 * time.Millisecond
	defaultDiscoveryDuration  = 5 * time.Second
	defaultResolveConcurrency = 8
	defaultChatTick           = 1_000 * time.Millisecond
	defaultRequestTimeout     = 10 * time.Second
	defaultRadioPort          = 42424
	defaultLogLevel           = "info"
)

// Default returns the configuration used when no environment overrides are present.
func Default() Config {
	return Config{
		HTTPPort:           defaultHTTPPort,
		MQTTBindAddress:    defaultMQTTBindAddress,
		DatabasePath:       defaultDatabasePath,
		BeaconTTL:          defaultBeaconTTL,
		PresenceTTL:        defaultPresenceTTL,
		WaveWindow:         defaultWaveWindow,
		ChatLifetime:       defaultChatLifetime,
		CleanupInterval:    defaultCleanupInterval,
		MDNSEnabled:        true,
		DirectoryURL:       defaultDirectoryURL,
		MQTTBroker:         defaultMQTTBroker,
		RotationInterval:   defaultRotationInterval,
		ScanInterval:       defaultScanInterval,
		DiscoveryDuration:  defaultDiscoveryDuration,
		ResolveConcurrency: defaultResolveConcurrency,
		ChatTick:           defaultChatTick,
		RequestTimeout:     defaultRequestTimeout,
		RadioPort:          defaultRadioPort,
		LogLevel:           defaultLogLevel,
	}
}

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()

	ints := []struct {
		key string
		dst *int
	}{
		{"WAVEOS_HTTP_PORT", &cfg.HTTPPort},
		{"WAVEOS_RESOLVE_CONCURRENCY", &cfg.ResolveConcurrency},
		{"WAVEOS_RADIO_PORT", &cfg.RadioPort},
	}
	for _, f := range ints {
		v := getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive, got %d", f.key, n)
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WAVEOS_BEACON_TTL", &cfg.BeaconTTL},
		{"WAVEOS_PRESENCE_TTL", &cfg.PresenceTTL},
		{"WAVEOS_WAVE_WINDOW", &cfg.WaveWindow},
		{"WAVEOS_CHAT_LIFETIME", &cfg.ChatLifetime},
		{"WAVEOS_CLEANUP_INTERVAL", &cfg.CleanupInterval},
		{"WAVEOS_ROTATION_INTERVAL", &cfg.RotationInterval},
		{"WAVEOS_SCAN_INTERVAL", &cfg.ScanInterval},
		{"WAVEOS_DISCOVERY_DURATION", &cfg.DiscoveryDuration},
		{"WAVEOS_CHAT_TICK", &cfg.ChatTick},
		{"WAVEOS_REQUEST_TIMEOUT", &cfg.RequestTimeout},
	}
	for _, f := range durations {
		v := getenv(f.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive, got %s", f.key, d)
		}
		*f.dst = d
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"WAVEOS_MQTT_BIND", &cfg.MQTTBindAddress},
		{"WAVEOS_DATABASE_PATH", &cfg.DatabasePath},
		{"WAVEOS_DIRECTORY_URL", &cfg.DirectoryURL},
		{"WAVEOS_MQTT_BROKER", &cfg.MQTTBroker},
		{"WAVEOS_USER_ID", &cfg.UserID},
		{"WAVEOS_LOG_LEVEL", &cfg.LogLevel},
	}
	for _, f := range strs {
		if v := getenv(f.key); v != "" {
			*f.dst = v
		}
	}

	if v := getenv("WAVEOS_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid WAVEOS_MDNS_ENABLED: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	lat, lng := getenv("WAVEOS_LATITUDE"), getenv("WAVEOS_LONGITUDE")
	if lat != "" || lng != "" {
		pos, err := parsePosition(lat, lng)
		if err != nil {
			return Config{}, err
		}
		cfg.Position = &pos
	}

	if cfg.DiscoveryDuration > cfg.ScanInterval {
		return Config{}, fmt.Errorf("invalid WAVEOS_DISCOVERY_DURATION: %s exceeds scan interval %s", cfg.DiscoveryDuration, cfg.ScanInterval)
	}

	return cfg, nil
}

func parsePosition(lat, lng string) (model.Position, error) {
	if lat == "" || lng == "" {
		return model.Position{}, fmt.Errorf("WAVEOS_LATITUDE and WAVEOS_LONGITUDE must be set together")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return model.Position{}, fmt.Errorf("invalid WAVEOS_LATITUDE: %w", err)
	}
	lo, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return model.Position{}, fmt.Errorf("invalid WAVEOS_LONGITUDE: %w", err)
	}
	if la < -90 || la > 90 {
		return model.Position{}, fmt.Errorf("invalid WAVEOS_LATITUDE: %v out of range", la)
	}
	if lo < -180 || lo > 180 {
		return model.Position{}, fmt.Errorf("invalid WAVEOS_LONGITUDE: %v out of range", lo)
	}
	return model.Position{Latitude: la, Longitude: lo}, nil
}

// Level returns a level var set from LogLevel. Unknown names mean info.
func (c Config) Level() *slog.LevelVar {
	var lvl slog.Level

	switch strings.ToLower(c.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
