// Package config provides the configuration schema, loader, and provider registry
// for the Wordsmith server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Wordsmith server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto an [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AnswerMode selects how model answers are requested and read back.
type AnswerMode string

const (
	// ModeStructured asks the model for a single JSON object.
	ModeStructured AnswerMode = "structured"

	// ModeStreaming streams free text and extracts the answer from the
	// accumulated transcript.
	ModeStreaming AnswerMode = "streaming"
)

// IsValid reports whether m is a recognised answer mode.
func (m AnswerMode) IsValid() bool {
	return m == ModeStructured || m == ModeStreaming
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultMaxBodyBytes    = 64 << 10
	DefaultMaxLength       = 1000
	DefaultMaxSpecialChars = 5
	DefaultMaxSynonyms     = 6
	DefaultServiceName     = "wordsmith"
	DefaultMetricsPath     = "/metrics"
)

// Config is the root configuration structure for Wordsmith.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Guard     GuardConfig     `yaml:"guard"`
	Extract   ExtractConfig   `yaml:"extract"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ReadTimeout bounds reading a whole request including the body.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a response. Streamed rephrasings count
	// against it, so it should exceed the slowest expected model answer.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxBodyBytes caps request bodies. Larger bodies are rejected with 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the model backends. Each entry selects a named
// provider registered in the [Registry].
type ProvidersConfig struct {
	// LLM is the default backend for rephrasing and synonyms.
	LLM ProviderEntry `yaml:"llm"`

	// StarLLM optionally routes STAR-method requests to a different model.
	// When its Name is empty, STAR requests use LLM.
	StarLLM ProviderEntry `yaml:"star_llm"`

	// Fallbacks are tried in order when LLM fails or its breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// CircuitBreaker tunes the per-backend breakers.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry is the configuration block for one model backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "mistral").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// ${VAR} references are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Timeout bounds a single request to this backend. Zero means the
	// provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// CircuitBreakerConfig mirrors the breaker knobs of package resilience.
// Zero values select the breaker defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// GuardConfig holds the input validator thresholds.
type GuardConfig struct {
	// MaxLength is the maximum input length in characters.
	MaxLength int `yaml:"max_length"`

	// MaxSpecialChars is the maximum number of <>{}[]\ characters allowed.
	MaxSpecialChars int `yaml:"max_special_chars"`
}

// ExtractConfig controls how model answers are requested and parsed.
type ExtractConfig struct {
	// MaxSynonyms is the number of synonyms asked for and the upper bound on
	// lists parsed from free text.
	MaxSynonyms int `yaml:"max_synonyms"`

	// Mode selects structured (JSON) or streaming answers.
	Mode AnswerMode `yaml:"mode"`

	// Temperature is the sampling temperature sent to the model. Zero leaves
	// the backend default.
	Temperature float64 `yaml:"temperature"`
}

// TelemetryConfig controls the OpenTelemetry resource and metrics endpoint.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is the HTTP path serving the Prometheus scrape endpoint.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of request traces sampled, in [0, 1].
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Guard.MaxLength == 0 {
		c.Guard.MaxLength = DefaultMaxLength
	}
	if c.Guard.MaxSpecialChars == 0 {
		c.Guard.MaxSpecialChars = DefaultMaxSpecialChars
	}
	if c.Extract.MaxSynonyms == 0 {
		c.Extract.MaxSynonyms = DefaultMaxSynonyms
	}
	if c.Extract.Mode == "" {
		c.Extract.Mode = ModeStructured
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	if c.Telemetry.MetricsPath == "" {
		c.Telemetry.MetricsPath = DefaultMetricsPath
	}
}
