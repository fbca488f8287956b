package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" or "json"
	BLE       BLEConfig     `yaml:"ble"`
	Frame     FrameConfig   `yaml:"frame"`
	Virtual   VirtualConfig `yaml:"virtual"`
	Sinks     SinksConfig   `yaml:"sinks"`
	Web       WebConfig     `yaml:"web"`
}

// BLEConfig selects the transport and the peripheral to talk to.
type BLEConfig struct {
	Backend            string        `yaml:"backend"` // "tinygo", "hci" or "none"
	HCIDevice          int           `yaml:"hci_device"`
	PeripheralName     string        `yaml:"peripheral_name"`
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	MTU                int           `yaml:"mtu"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

// FrameConfig controls notification reassembly.
type FrameConfig struct {
	Encoding       string        `yaml:"encoding"` // "base64" or "raw"
	EndMarker      string        `yaml:"end_marker"`
	MaxBufferBytes int           `yaml:"max_buffer_bytes"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// VirtualConfig controls the simulated peripheral.
type VirtualConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ConnectDelay time.Duration `yaml:"connect_delay"`
	UpdateDelay  time.Duration `yaml:"update_delay"`
	Payload      string        `yaml:"payload"`
}

// SinksConfig holds the optional reading outputs.
type SinksConfig struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Journal JournalConfig `yaml:"journal"`
}

// MQTTConfig configures the broker publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// JournalConfig configures the sqlite journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WebConfig configures the websocket dashboard bridge.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "obdlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	journalPath := filepath.Join(home, ".local", "share", "obdlink", "journal.db")

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		BLE: BLEConfig{
			Backend:            "tinygo",
			PeripheralName:     "ESP32-DTC",
			ServiceUUID:        "12345678-1234-1234-1234-123456789abc",
			CharacteristicUUID: "87654321-4321-4321-4321-cba987654321",
			ScanTimeout:        10 * time.Second,
			MTU:                512,
			ConnectTimeout:     15 * time.Second,
		},
		Frame: FrameConfig{
			Encoding:       "base64",
			EndMarker:      "##END##",
			MaxBufferBytes: 16 * 1024,
			IdleTimeout:    5 * time.Second,
		},
		Virtual: VirtualConfig{
			ConnectDelay: 1500 * time.Millisecond,
			UpdateDelay:  5 * time.Second,
		},
		Sinks: SinksConfig{
			MQTT: MQTTConfig{
				Broker:      "localhost",
				Port:        1883,
				ClientID:    "obdlink",
				TopicPrefix: "vehicles",
			},
			Journal: JournalConfig{Path: journalPath},
		},
		Web: WebConfig{Addr: ":8080"},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in sinks.journal.path is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Sinks.Journal.Path = expandTilde(cfg.Sinks.Journal.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	switch c.BLE.Backend {
	case "tinygo", "hci", "none":
	default:
		return fmt.Errorf("ble.backend must be \"tinygo\", \"hci\" or \"none\", got %q", c.BLE.Backend)
	}
	if c.BLE.Backend == "none" && !c.Virtual.Enabled {
		return fmt.Errorf("ble.backend \"none\" requires virtual.enabled")
	}
	if c.BLE.PeripheralName == "" {
		return fmt.Errorf("ble.peripheral_name must not be empty")
	}
	if c.BLE.ServiceUUID == "" || c.BLE.CharacteristicUUID == "" {
		return fmt.Errorf("ble.service_uuid and ble.characteristic_uuid must not be empty")
	}
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.MTU < 23 || c.BLE.MTU > 517 {
		return fmt.Errorf("ble.mtu must be between 23 and 517, got %d", c.BLE.MTU)
	}
	if c.BLE.ConnectTimeout < 0 {
		return fmt.Errorf("ble.connect_timeout must not be negative")
	}

	switch c.Frame.Encoding {
	case "base64", "raw":
	default:
		return fmt.Errorf("frame.encoding must be \"base64\" or \"raw\", got %q", c.Frame.Encoding)
	}
	if c.Frame.EndMarker == "" {
		return fmt.Errorf("frame.end_marker must not be empty")
	}
	if c.Frame.MaxBufferBytes <= 0 {
		return fmt.Errorf("frame.max_buffer_bytes must be > 0")
	}
	if c.Frame.IdleTimeout < 0 {
		return fmt.Errorf("frame.idle_timeout must not be negative")
	}

	if c.Virtual.ConnectDelay < 0 || c.Virtual.UpdateDelay < 0 {
		return fmt.Errorf("virtual delays must not be negative")
	}

	if c.Sinks.MQTT.Enabled {
		if c.Sinks.MQTT.Broker == "" {
			return fmt.Errorf("sinks.mqtt.broker is required when mqtt is enabled")
		}
		if c.Sinks.MQTT.Port <= 0 || c.Sinks.MQTT.Port > 65535 {
			return fmt.Errorf("sinks.mqtt.port must be 1-65535, got %d", c.Sinks.MQTT.Port)
		}
		if c.Sinks.MQTT.TopicPrefix == "" || strings.ContainsAny(c.Sinks.MQTT.TopicPrefix, "+#") {
			return fmt.Errorf("sinks.mqtt.topic_prefix must be non-empty and free of wildcards, got %q", c.Sinks.MQTT.TopicPrefix)
		}
	}
	if c.Sinks.Journal.Enabled && c.Sinks.Journal.Path == "" {
		return fmt.Errorf("sinks.journal.path is required when the journal is enabled")
	}
	if c.Web.Enabled && c.Web.Addr == "" {
		return fmt.Errorf("web.addr is required when web is enabled")
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values are info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# obdlink configuration
# Durations use Go syntax (1.5s, 10s). Delete a key to fall back to its default.
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It returns ("", nil) without touching anything when a config
// file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
