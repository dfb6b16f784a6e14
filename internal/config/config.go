// Package config manages the quicvcd daemon configuration using koanf/v2.
//
// Supports a YAML file plus environment-variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete quicvcd configuration.
type Config struct {
	API       APIConfig       `koanf:"api"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	QUICVC    QUICVCConfig    `koanf:"quicvc"`
	Owner     OwnerConfig     `koanf:"owner"`
	Verifier  VerifierConfig  `koanf:"verifier"`
	Profiling ProfilingConfig `koanf:"profiling"`
}

// VerifierConfig configures the internal/verifier.JWTVerifier reference
// implementation. IssuerKeys maps a credential issuer id to the
// base64-encoded HMAC key used to validate that issuer's proofs.
type VerifierConfig struct {
	IssuerKeys map[string]string `koanf:"issuer_keys"`
}

// APIConfig holds the fiber-based admin HTTP server configuration.
type APIConfig struct {
	// Addr is the HTTP listen address (e.g., ":8443").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr" validate:"required"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" validate:"required"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" validate:"oneof=json text"`
}

// QUICVCConfig holds the engine's own timing and transport parameters.
type QUICVCConfig struct {
	// Port is the UDP port the engine listens on.
	Port int `koanf:"port" validate:"gt=0,lt=65536"`

	// HandshakeTimeout bounds how long a connection may remain in INITIAL
	// or HANDSHAKE before it is closed.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`

	// HeartbeatInterval is the period between heartbeats on an
	// ESTABLISHED connection.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`

	// IdleTimeout closes an ESTABLISHED connection that has received
	// nothing within this window.
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"gt=0"`

	// ConnectionIDLen is the length, in bytes, of generated connection
	// IDs.
	ConnectionIDLen int `koanf:"connection_id_length" validate:"gte=4,lte=16"`

	// EnableEncryption toggles the XOR data-path cipher. Disabling it is
	// for local testing only.
	EnableEncryption bool `koanf:"enable_encryption"`
}

// OwnerConfig identifies the credential issuer this daemon acts as.
type OwnerConfig struct {
	// PersonID is our own verifiable-credential issuer/owner identity.
	PersonID string `koanf:"person_id" validate:"required"`
}

// ProfilingConfig controls the optional pyroscope-go continuous profiler.
type ProfilingConfig struct {
	// Enabled turns on continuous profiling.
	Enabled bool `koanf:"enabled"`
	// ServerAddr is the Pyroscope server URL.
	ServerAddr string `koanf:"server_addr" validate:"required_if=Enabled true"`
	// ApplicationName tags uploaded profiles.
	ApplicationName string `koanf:"application_name"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":8443",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		QUICVC: QUICVCConfig{
			Port:              49497,
			HandshakeTimeout:  5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ConnectionIDLen:   8,
			EnableEncryption:  true,
		},
		Profiling: ProfilingConfig{
			ApplicationName: "quicvcd",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for quicvcd configuration.
// Variables are named QUICVC_<section>_<key>, e.g., QUICVC_API_ADDR.
const envPrefix = "QUICVC_"

// validate is shared across calls to Load; validator.Validate is safe for
// concurrent use once struct-tag caching has warmed up.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (QUICVC_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	QUICVC_API_ADDR            -> api.addr
//	QUICVC_METRICS_ADDR        -> metrics.addr
//	QUICVC_LOG_LEVEL           -> log.level
//	QUICVC_QUICVC_PORT         -> quicvc.port
//	QUICVC_OWNER_PERSON_ID     -> owner.person_id
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms QUICVC_API_ADDR -> api.addr.
// Strips the QUICVC_ prefix, lowercases, and splits section from key at
// the first underscore only, so multi-word keys survive:
// QUICVC_OWNER_PERSON_ID -> owner.person_id,
// QUICVC_QUICVC_HANDSHAKE_TIMEOUT -> quicvc.handshake_timeout.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + key
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"api.addr":                      defaults.API.Addr,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"quicvc.port":                   defaults.QUICVC.Port,
		"quicvc.handshake_timeout":      defaults.QUICVC.HandshakeTimeout.String(),
		"quicvc.heartbeat_interval":     defaults.QUICVC.HeartbeatInterval.String(),
		"quicvc.idle_timeout":           defaults.QUICVC.IdleTimeout.String(),
		"quicvc.connection_id_length":   defaults.QUICVC.ConnectionIDLen,
		"quicvc.enable_encryption":      defaults.QUICVC.EnableEncryption,
		"owner.person_id":               defaults.Owner.PersonID,
		"profiling.enabled":             defaults.Profiling.Enabled,
		"profiling.application_name":   defaults.Profiling.ApplicationName,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validate checks the configuration against its `validate:"..."` struct
// tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
