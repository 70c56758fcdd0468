package inference

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds analyzer configuration.
type Config struct {
	// Connection
	BaseURL string // API base URL
	APIKey  string // API key; when empty, ADC may be used

	// UseADC enables Google application-default credentials
	// when no API key is configured.
	UseADC bool

	// Model is the multimodal model used for analysis.
	Model string

	// Request defaults
	Temperature float64
	MaxTokens   int

	// Timeout bounds a single HTTP call. Zero selects httpc.DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring analyzers.
type Option func(*Config)

// WithBaseURL sets the API base URL.
// Example: "https://generativelanguage.googleapis.com/v1beta"
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithADC enables application-default credentials.
func WithADC(enabled bool) Option {
	return func(c *Config) { c.UseADC = enabled }
}

// WithModel sets the model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithMaxTokens limits the response length.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns the defaults for Gemini crowd analysis.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://generativelanguage.googleapis.com/v1beta",
		Model:       "gemini-2.5-flash",
		Temperature: 0.1,
		MaxTokens:   8192,
		Logger:      slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Model == "" {
		return ErrNoModel
	}
	if c.APIKey == "" && !c.UseADC {
		return ErrNoAPIKey
	}
	return nil
}
