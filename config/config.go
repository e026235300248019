// Package config loads runtime settings from an optional config.yaml and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-me"

type Config struct {
	DatabaseURL              string
	ServerPort               int
	Environment              string
	LogLevel                 string
	JWTSecret                string
	AdminEmails              []string
	OpenAIAPIKey             string
	OpenAIModel              string
	ValuationTTL             time.Duration
	ValuationRefreshInterval time.Duration
	TxMaxAttempts            int
	RateLimitRPS             float64
	RateLimitBurst           int
	CORSOrigins              []string
	MigrateOnStart           bool
	TraceStdout              bool
}

func (c Config) Production() bool {
	return c.Environment == "production"
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.ServerPort)
}

// Load reads config.yaml from dirs (the working directory when none are
// given) and overlays environment variables such as DATABASE_URL.
func Load(dirs ...string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, d := range dirs {
		v.AddConfigPath(d)
	}

	v.SetDefault("database_url", "")
	v.SetDefault("server_port", 8080)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("admin_emails", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_model", "")
	v.SetDefault("valuation_ttl", "24h")
	v.SetDefault("valuation_refresh_interval", "1h")
	v.SetDefault("tx_max_attempts", 3)
	v.SetDefault("rate_limit_rps", 20.0)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("cors_origins", "*")
	v.SetDefault("migrate_on_start", true)
	v.SetDefault("trace_stdout", false)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := Config{
		DatabaseURL:              v.GetString("database_url"),
		ServerPort:               v.GetInt("server_port"),
		Environment:              strings.ToLower(v.GetString("environment")),
		LogLevel:                 v.GetString("log_level"),
		JWTSecret:                v.GetString("jwt_secret"),
		AdminEmails:              splitList(v.GetString("admin_emails")),
		OpenAIAPIKey:             v.GetString("openai_api_key"),
		OpenAIModel:              v.GetString("openai_model"),
		ValuationTTL:             v.GetDuration("valuation_ttl"),
		ValuationRefreshInterval: v.GetDuration("valuation_refresh_interval"),
		TxMaxAttempts:            v.GetInt("tx_max_attempts"),
		RateLimitRPS:             v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:           v.GetInt("rate_limit_burst"),
		CORSOrigins:              splitList(v.GetString("cors_origins")),
		MigrateOnStart:           v.GetBool("migrate_on_start"),
		TraceStdout:              v.GetBool("trace_stdout"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		if c.Environment != "development" {
			return errors.New("config: JWT_SECRET is required outside development")
		}
		c.JWTSecret = devJWTSecret
	}
	if c.ServerPort <= 0 {
		return fmt.Errorf("config: invalid SERVER_PORT %d", c.ServerPort)
	}
	if c.ValuationTTL <= 0 {
		return fmt.Errorf("config: VALUATION_TTL must be positive")
	}
	if c.TxMaxAttempts < 1 {
		c.TxMaxAttempts = 1
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
