// Package config holds SafeFlow's runtime configuration.
//
// Values come from defaults, then an optional TOML file, then environment
// variables. Flag parsing lives in cmd/safeflow; this package is data only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `toml:"log_level"`

	HTTP     HTTPConfig     `toml:"http"`
	Analyzer AnalyzerConfig `toml:"analyzer"`
	Loop     LoopConfig     `toml:"loop"`
	Camera   CameraConfig   `toml:"camera"`
	Video    VideoConfig    `toml:"video"`
	Events   EventsConfig   `toml:"events"`
	MQTT     MQTTConfig     `toml:"mqtt"`
}

// HTTPConfig configures the dashboard server.
type HTTPConfig struct {
	Addr       string `toml:"addr"`
	StaticDir  string `toml:"static_dir"`
	UploadMax  int    `toml:"upload_max_mb"`
	HistoryLen int    `toml:"history_len"`
}

// AnalyzerConfig configures the remote analyzer.
type AnalyzerConfig struct {
	APIKey      string   `toml:"api_key"`
	UseADC      bool     `toml:"use_adc"`
	BaseURL     string   `toml:"base_url"`
	Model       string   `toml:"model"`
	Temperature float64  `toml:"temperature"`
	Timeout     Duration `toml:"timeout"`
}

// LoopConfig holds the per-source delays between cycles.
type LoopConfig struct {
	LiveDelay Duration `toml:"live_delay"`
	FileDelay Duration `toml:"file_delay"`
}

// CameraConfig selects the capture device.
type CameraConfig struct {
	Index   int `toml:"index"`
	Width   int `toml:"width"`
	Height  int `toml:"height"`
	Quality int `toml:"jpeg_quality"`
}

// VideoConfig controls file playback.
type VideoConfig struct {
	// Loop wraps uploaded clips. When false, the end of the clip stops analysis.
	Loop      bool   `toml:"loop"`
	UploadDir string `toml:"upload_dir"`
}

// EventsConfig configures the density event store.
type EventsConfig struct {
	DSN      string `toml:"dsn"`
	Location string `toml:"location"`
	Record   bool   `toml:"record"`
}

// MQTTConfig configures alert publishing. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Prefix   string `toml:"topic_prefix"`
	QoS      int    `toml:"qos"`
}

// Duration is a time.Duration that reads "5s"-style strings from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:       ":8080",
			UploadMax:  512,
			HistoryLen: 100,
		},
		Analyzer: AnalyzerConfig{
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta",
			Model:       "gemini-2.5-flash",
			Temperature: 0.1,
		},
		Loop: LoopConfig{
			LiveDelay: Duration{5000 * time.Millisecond},
			FileDelay: Duration{2000 * time.Millisecond},
		},
		Camera: CameraConfig{Width: 1280, Height: 720, Quality: 80},
		Video:  VideoConfig{Loop: true},
		Events: EventsConfig{
			DSN:      "safeflow.db",
			Location: "Main Area",
			Record:   true,
		},
		MQTT: MQTTConfig{ClientID: "safeflow", Prefix: "safeflow"},
	}
}

// Load returns defaults overlaid with the TOML file at path (if non-empty)
// and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return cfg, fmt.Errorf("config: %s:%d:%d: %w", path, row, col, err)
			}
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.LoadEnv()
	return cfg, nil
}

// LoadEnv applies environment overrides.
func (c *Config) LoadEnv() {
	// GEMINI_API_KEY wins over GOOGLE_API_KEY.
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Analyzer.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Analyzer.APIKey = key
	}
	setString(&c.LogLevel, "SAFEFLOW_LOG_LEVEL")
	setString(&c.HTTP.Addr, "SAFEFLOW_ADDR")
	setString(&c.Analyzer.Model, "SAFEFLOW_MODEL")
	setString(&c.Analyzer.BaseURL, "SAFEFLOW_ANALYZER_URL")
	setBool(&c.Analyzer.UseADC, "SAFEFLOW_USE_ADC")
	setInt(&c.Camera.Index, "SAFEFLOW_CAMERA")
	setString(&c.Events.DSN, "SAFEFLOW_DB")
	setString(&c.Events.Location, "SAFEFLOW_LOCATION")
	setString(&c.MQTT.Broker, "SAFEFLOW_MQTT_BROKER")
	setString(&c.MQTT.Username, "SAFEFLOW_MQTT_USER")
	setString(&c.MQTT.Password, "SAFEFLOW_MQTT_PASS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.Analyzer.APIKey == "" && !c.Analyzer.UseADC {
		return &ConfigError{Field: "Analyzer.APIKey", Message: "GEMINI_API_KEY environment variable is required (or enable use_adc)"}
	}
	if c.Analyzer.Model == "" {
		return &ConfigError{Field: "Analyzer.Model", Message: "analyzer model is required"}
	}
	if c.Loop.LiveDelay.Duration <= 0 || c.Loop.FileDelay.Duration <= 0 {
		return &ConfigError{Field: "Loop", Message: "loop delays must be positive"}
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return &ConfigError{Field: "Camera.Quality", Message: "jpeg_quality must be between 1 and 100"}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return &ConfigError{Field: "MQTT.QoS", Message: "qos must be 0, 1 or 2"}
	}
	if c.HTTP.Addr == "" {
		return &ConfigError{Field: "HTTP.Addr", Message: "http address is required"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
