package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// server changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GuardChanged bool
	NewGuard     GuardConfig

	MaxSynonymsChanged bool
	NewMaxSynonyms     int

	// RestartRequired lists top-level sections that changed in a way that is
	// only picked up on restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GuardChanged && !d.MaxSynonymsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Guard != new.Guard {
		d.GuardChanged = true
		d.NewGuard = new.Guard
	}

	if old.Extract.MaxSynonyms != new.Extract.MaxSynonyms {
		d.MaxSynonymsChanged = true
		d.NewMaxSynonyms = new.Extract.MaxSynonyms
	}

	if !sameServer(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Extract.Mode != new.Extract.Mode || old.Extract.Temperature != new.Extract.Temperature {
		d.RestartRequired = append(d.RestartRequired, "extract")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// sameServer compares everything except the hot-reloadable log level.
func sameServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout || a.MaxBodyBytes != b.MaxBodyBytes {
		return false
	}
	switch {
	case a.TLS == nil && b.TLS == nil:
		return true
	case a.TLS == nil || b.TLS == nil:
		return false
	}
	return *a.TLS == *b.TLS
}

func sameProviders(a, b ProvidersConfig) bool {
	if a.CircuitBreaker != b.CircuitBreaker || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	if !sameEntry(a.LLM, b.LLM) || !sameEntry(a.StarLLM, b.StarLLM) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares the fixed fields of two entries. Options are not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Timeout == b.Timeout
}
