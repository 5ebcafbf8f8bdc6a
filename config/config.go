// Package config loads the agent configuration.
//
// Configuration comes from one YAML file, then OTA_* environment variables
// override individual values, so a fleet can share a file while each device
// injects its own identity. Missing values take the defaults below.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ota "github.com/st-keller/ota-client"
	"github.com/st-keller/ota-client/standard"
	"github.com/st-keller/ota-client/transport"
)

// Environment variables read by Load.
const (
	EnvConfigFile       = "OTA_CONFIG"
	EnvCheckURL         = "OTA_CHECK_URL"
	EnvStatusURL        = "OTA_STATUS_URL"
	EnvRequestTimeout   = "OTA_REQUEST_TIMEOUT"
	EnvCompressed       = "OTA_COMPRESSED_RESPONSES"
	EnvSerialNumber     = "OTA_SERIAL_NUMBER"
	EnvSecretFile       = "OTA_SECRET_FILE"
	EnvFirmwareVersion  = "OTA_FIRMWARE_VERSION"
	EnvFirmwareDir      = "OTA_FIRMWARE_DIR"
	EnvContentDir       = "OTA_CONTENT_DIR"
	EnvSettingsFile     = "OTA_SETTINGS_FILE"
	EnvStatusPeriod     = "OTA_STATUS_PERIOD"
	EnvLogLevel         = "OTA_LOG_LEVEL"
	EnvSetClock         = "OTA_SET_CLOCK"
	EnvTLSCertFile      = "OTA_TLS_CERT_FILE"
	EnvTLSKeyFile       = "OTA_TLS_KEY_FILE"
	EnvTLSCAFile        = "OTA_TLS_CA_FILE"
	EnvContentBufferLen = "OTA_CONTENT_BUFFER_SIZE"
)

// Config is the agent configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	TLS      TLSConfig      `yaml:"tls"`
	Device   DeviceConfig   `yaml:"device"`
	Firmware FirmwareConfig `yaml:"firmware"`
	Content  ContentConfig  `yaml:"content"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`

	// SettingsFile holds the durable key/value settings.
	SettingsFile string `yaml:"settings_file"`
	// SetClock applies server_time to the system clock. Needs CAP_SYS_TIME.
	SetClock bool `yaml:"set_clock"`
	// Certificates maps a purpose to a PEM file reported in the heartbeat.
	Certificates map[string]string `yaml:"certificates"`
}

// ServerConfig locates the update server.
type ServerConfig struct {
	CheckURL string `yaml:"check_url"`
	// StatusURL defaults to check_url + "/status".
	StatusURL           string        `yaml:"status_url"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	CompressedResponses bool          `yaml:"compressed_responses"`
}

// TLSConfig enables mutual TLS. All three files or none.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// DeviceConfig describes the device identity.
type DeviceConfig struct {
	// MAC is detected from the first hardware interface when empty.
	MAC          string `yaml:"mac"`
	SerialNumber string `yaml:"serial_number"`
	SerialFile   string `yaml:"serial_file"`
	// SecretFile holds the factory secret used to sign activation
	// challenges. Without it activation payloads are unsigned.
	SecretFile      string `yaml:"secret_file"`
	BoardType       string `yaml:"board_type"`
	BoardName       string `yaml:"board_name"`
	Language        string `yaml:"language"`
	ApplicationName string `yaml:"application_name"`
}

// FirmwareConfig configures the dual-bank firmware store.
type FirmwareConfig struct {
	// Version is the running firmware version.
	Version          string        `yaml:"version"`
	Dir              string        `yaml:"dir"`
	ChunkSize        int           `yaml:"chunk_size"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// ContentConfig configures the auxiliary content queue.
type ContentConfig struct {
	Dir        string        `yaml:"dir"`
	BufferSize int           `yaml:"buffer_size"`
	TaskGap    time.Duration `yaml:"task_gap"`
}

// StatusConfig configures the heartbeat.
type StatusConfig struct {
	Period time.Duration `yaml:"period"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	// Recent is the number of entries kept for the heartbeat.
	Recent int `yaml:"recent"`
}

// Default returns the configuration used for every value the file and
// environment leave unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: 30 * time.Second,
		},
		Device: DeviceConfig{
			BoardType:       "linux",
			BoardName:       "generic",
			Language:        "en-US",
			ApplicationName: "ota-agent",
		},
		Firmware: FirmwareConfig{
			Dir:              "/var/lib/ota/firmware",
			ChunkSize:        512,
			ProgressInterval: time.Second,
		},
		Content: ContentConfig{
			Dir:        "/var/lib/ota/content",
			BufferSize: 1 << 20,
			TaskGap:    time.Second,
		},
		Status: StatusConfig{
			Period: ota.DefaultReportPeriod,
		},
		Log: LogConfig{
			Level:  "info",
			Recent: 100,
		},
		SettingsFile: "/var/lib/ota/settings.cbor",
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.CheckURL = envOrDefault(EnvCheckURL, c.Server.CheckURL)
	c.Server.StatusURL = envOrDefault(EnvStatusURL, c.Server.StatusURL)
	c.Server.RequestTimeout = durationEnvOrDefault(EnvRequestTimeout, c.Server.RequestTimeout)
	c.Server.CompressedResponses = boolEnvOrDefault(EnvCompressed, c.Server.CompressedResponses)
	c.TLS.CertFile = envOrDefault(EnvTLSCertFile, c.TLS.CertFile)
	c.TLS.KeyFile = envOrDefault(EnvTLSKeyFile, c.TLS.KeyFile)
	c.TLS.CAFile = envOrDefault(EnvTLSCAFile, c.TLS.CAFile)
	c.Device.SerialNumber = envOrDefault(EnvSerialNumber, c.Device.SerialNumber)
	c.Device.SecretFile = envOrDefault(EnvSecretFile, c.Device.SecretFile)
	c.Firmware.Version = envOrDefault(EnvFirmwareVersion, c.Firmware.Version)
	c.Firmware.Dir = envOrDefault(EnvFirmwareDir, c.Firmware.Dir)
	c.Content.Dir = envOrDefault(EnvContentDir, c.Content.Dir)
	c.Content.BufferSize = intEnvOrDefault(EnvContentBufferLen, c.Content.BufferSize)
	c.SettingsFile = envOrDefault(EnvSettingsFile, c.SettingsFile)
	c.Status.Period = durationEnvOrDefault(EnvStatusPeriod, c.Status.Period)
	c.Log.Level = envOrDefault(EnvLogLevel, c.Log.Level)
	c.SetClock = boolEnvOrDefault(EnvSetClock, c.SetClock)
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.Server.CheckURL == "" {
		return fmt.Errorf("invalid server.check_url (%s): must not be empty", EnvCheckURL)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("invalid server.request_timeout: must be > 0")
	}
	if c.Firmware.Version == "" {
		return fmt.Errorf("invalid firmware.version (%s): must not be empty", EnvFirmwareVersion)
	}
	if c.Firmware.Dir == "" {
		return fmt.Errorf("invalid firmware.dir: must not be empty")
	}
	if c.Firmware.ChunkSize <= 0 {
		return fmt.Errorf("invalid firmware.chunk_size: must be > 0")
	}
	if c.Content.Dir == "" {
		return fmt.Errorf("invalid content.dir: must not be empty")
	}
	if c.Content.BufferSize <= 0 {
		return fmt.Errorf("invalid content.buffer_size: must be > 0")
	}
	if c.SettingsFile == "" {
		return fmt.Errorf("invalid settings_file: must not be empty")
	}
	if c.Status.Period <= 0 {
		return fmt.Errorf("invalid status.period: must be > 0")
	}
	if files := c.TLSFiles(); files.Enabled() && (files.CertPath == "" || files.KeyPath == "" || files.CAPath == "") {
		return fmt.Errorf("invalid tls: cert_file, key_file and ca_file must be set together")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	return nil
}

// Client returns the update client configuration.
func (c *Config) Client() ota.Config {
	return ota.Config{
		CheckURL:       c.Server.CheckURL,
		StatusURL:      c.Server.StatusURL,
		ContentDir:     c.Content.Dir,
		CurrentVersion: c.Firmware.Version,
		Application: standard.ApplicationInfo{
			Name:    c.Device.ApplicationName,
			Version: c.Firmware.Version,
		},
		Board:               standard.BoardInfo{Type: c.Device.BoardType, Name: c.Device.BoardName},
		Language:            c.Device.Language,
		CompressedResponses: c.Server.CompressedResponses,
	}
}

// TLSFiles returns the client certificate files.
func (c *Config) TLSFiles() transport.TLSFiles {
	return transport.TLSFiles{CertPath: c.TLS.CertFile, KeyPath: c.TLS.KeyFile, CAPath: c.TLS.CAFile}
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", name)
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnvOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnvOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func durationEnvOrDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
