package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// provider credentials, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandProviderEnv(&cfg.Providers)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandProviderEnv resolves ${VAR} and $VAR references in the API key and
// base URL of every provider entry.
func expandProviderEnv(p *ProvidersConfig) {
	expand := func(e *ProviderEntry) {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
	expand(&p.LLM)
	expand(&p.StarLLM)
	for i := range p.Fallbacks {
		expand(&p.Fallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout %s must not be negative", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout %s must not be negative", cfg.Server.WriteTimeout))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes %d must not be negative", cfg.Server.MaxBodyBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; rephrase and synonym requests will fail with 503")
		if cfg.Providers.StarLLM.Name != "" || len(cfg.Providers.Fallbacks) > 0 {
			errs = append(errs, errors.New("providers.star_llm and providers.fallbacks require providers.llm"))
		}
	}
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	validateProviderName("providers.star_llm", cfg.Providers.StarLLM.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
	}
	for _, e := range cfg.providerEntries() {
		if e.entry.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", e.path, e.entry.Timeout))
		}
	}
	cb := cfg.Providers.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Guard
	if cfg.Guard.MaxLength < 0 {
		errs = append(errs, fmt.Errorf("guard.max_length %d must be positive", cfg.Guard.MaxLength))
	}
	if cfg.Guard.MaxSpecialChars < 0 {
		errs = append(errs, fmt.Errorf("guard.max_special_chars %d must be positive", cfg.Guard.MaxSpecialChars))
	}

	// Extract
	if cfg.Extract.MaxSynonyms < 0 {
		errs = append(errs, fmt.Errorf("extract.max_synonyms %d must be positive", cfg.Extract.MaxSynonyms))
	}
	if cfg.Extract.Mode != "" && !cfg.Extract.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("extract.mode %q is invalid; valid values: structured, streaming", cfg.Extract.Mode))
	}
	if cfg.Extract.Temperature < 0 || cfg.Extract.Temperature > 2 {
		errs = append(errs, fmt.Errorf("extract.temperature %.2f is out of range [0, 2]", cfg.Extract.Temperature))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}
	if strings.HasPrefix(cfg.Telemetry.MetricsPath, "/api/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q collides with the /api/ routes", cfg.Telemetry.MetricsPath))
	}

	return errors.Join(errs...)
}

type namedEntry struct {
	path  string
	entry ProviderEntry
}

// providerEntries lists every configured provider entry with its YAML path.
func (c *Config) providerEntries() []namedEntry {
	out := []namedEntry{
		{"providers.llm", c.Providers.LLM},
		{"providers.star_llm", c.Providers.StarLLM},
	}
	for i, fb := range c.Providers.Fallbacks {
		out = append(out, namedEntry{fmt.Sprintf("providers.fallbacks[%d]", i), fb})
	}
	return out
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(path, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", path,
		"name", name,
		"known", ValidProviderNames,
	)
}
