// Package app holds the CLI's configuration model and well-known paths.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/crosswindhq/crosswind-cli/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
)

// Default configuration values
const (
	DefaultConfigLogFormat      = LogFormatText
	DefaultConfigAPIBaseURL     = "https://api.crosswind.dev"
	DefaultConfigJWKSTTLSeconds = 3600
	DefaultConfigAuthStorage    = tokenstore.BackendAuto
)

const dataDirName = "crosswind"

// APIConfig holds Crosswind Cloud API settings.
type APIConfig struct {
	// BaseURL of the management API; also the expected token issuer.
	BaseURL string `json:"base_url" validate:"required,url"`
}

// JWKSConfig holds signing-key cache settings.
type JWKSConfig struct {
	TTLSeconds int64 `json:"ttl_seconds" validate:"gte=0"`
}

// AuthConfig describes how credentials are stored.
type AuthConfig struct {
	Storage string `json:"storage" validate:"required,oneof=auto keyring file"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level `json:"log_level"`
	LogFormat LogFormat  `json:"log_format" validate:"oneof=text json otel"`
	DataDir   string     `json:"data_dir"`
	API       APIConfig  `json:"api"`
	JWKS      JWKSConfig `json:"jwks"`
	Auth      AuthConfig `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.JWKS.TTLSeconds == 0 {
		c.JWKS.TTLSeconds = DefaultConfigJWKSTTLSeconds
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.DataDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("data_dir required (auto-detect failed: %w)", err)
		}
		c.DataDir = filepath.Join(configDir, dataDirName)
	}
	return nil
}

// Validate validates the configuration using struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// JWKSTTL returns the key cache TTL as a duration.
func (c *Config) JWKSTTL() time.Duration {
	return time.Duration(c.JWKS.TTLSeconds) * time.Second
}

// JWKSCachePath is where the fetched key set is persisted.
func (c *Config) JWKSCachePath() string {
	return filepath.Join(c.DataDir, "jwks_cache.json")
}

// LegacyAuthPath is the pre-secure-storage plaintext credential file.
func (c *Config) LegacyAuthPath() string {
	return filepath.Join(c.DataDir, "auth.json")
}

// RegistryPath is the relay registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "relays.json")
}

// StoreOptions maps the config onto token store options.
func (c *Config) StoreOptions() tokenstore.Options {
	return tokenstore.Options{
		Backend:        c.Auth.Storage,
		Service:        tokenstore.DefaultService,
		DataDir:        c.DataDir,
		LegacyAuthPath: c.LegacyAuthPath(),
	}
}
