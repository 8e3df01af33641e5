/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. Defaults set in setDefaults
  2. config.yaml in "." or "./config" (optional)
  3. Environment variables (a .env file is loaded by main via godotenv)

KEYS:
  ENVIRONMENT        development | production
  PORT               HTTP port (8080)
  DB_PATH            SQLite file; ":memory:" selects the in-memory store
  LOG_LEVEL          debug | info | warn | error
  JWT_SECRET         HS256 secret used to verify bearer tokens
  TIMEZONE           IANA zone used to read calendar dates (UTC)
  DEFAULT_CASUAL     allotment granted when a ledger is created (10)
  DEFAULT_SICK       (10)
  DEFAULT_EARNED     (10)
  AUDIT_INTERVAL     conservation audit period, 0 disables (1h)
  ALLOWED_ORIGINS    comma-separated CORS origins
*/
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/leave-engine/leave"
)

const defaultJWTSecret = "change-me-in-production"

// Config holds all configuration for the server.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	Port        string `mapstructure:"PORT"`
	DBPath      string `mapstructure:"DB_PATH"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	Timezone string `mapstructure:"TIMEZONE"`

	DefaultCasual int `mapstructure:"DEFAULT_CASUAL"`
	DefaultSick   int `mapstructure:"DEFAULT_SICK"`
	DefaultEarned int `mapstructure:"DEFAULT_EARNED"`

	AuditInterval time.Duration `mapstructure:"AUDIT_INTERVAL"`

	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_PATH", "leave.db")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("TIMEZONE", "UTC")

	v.SetDefault("DEFAULT_CASUAL", leave.DefaultAllotment.Casual)
	v.SetDefault("DEFAULT_SICK", leave.DefaultAllotment.Sick)
	v.SetDefault("DEFAULT_EARNED", leave.DefaultAllotment.Earned)

	v.SetDefault("AUDIT_INTERVAL", time.Hour)

	v.SetDefault("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"})
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if cfg.DefaultCasual < 0 || cfg.DefaultSick < 0 || cfg.DefaultEarned < 0 {
		return fmt.Errorf("default allotments must be non-negative")
	}
	if cfg.AuditInterval < 0 {
		return fmt.Errorf("AUDIT_INTERVAL must be non-negative")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	if cfg.IsProduction() && (cfg.JWTSecret == "" || cfg.JWTSecret == defaultJWTSecret) {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Location returns the reference timezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Allotment returns the ledger allotment granted to new principals.
func (c *Config) Allotment() leave.Allotment {
	return leave.Allotment{
		Casual: c.DefaultCasual,
		Sick:   c.DefaultSick,
		Earned: c.DefaultEarned,
	}
}

// InMemory reports whether DB_PATH selects the in-memory store.
func (c *Config) InMemory() bool {
	return c.DBPath == ":memory:"
}
