// Package config loads the service configuration: environment
// variables for deployment wiring plus an optional YAML profile for
// the privacy and budget tunables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port             string
	LogLevel         string
	RootIdentity     string
	TokenSecret      string
	DatabaseURL      string
	SQLitePath       string
	RedisAddr        string
	RedisPassword    string
	GatewayURL       string
	GatewayRPS       float64
	DisclosureWindow time.Duration
	BlurFactor       uint64
	DailyLimit       int64
	ReleasePolicy    string
	ProfilePath      string
	EvidenceBucket   string
	EvidenceEndpoint string
	OTLPEndpoint     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		RootIdentity:     envOr("ROOT_IDENTITY", "root"),
		TokenSecret:      os.Getenv("TOKEN_SECRET"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		GatewayURL:       os.Getenv("GATEWAY_URL"),
		GatewayRPS:       envFloat("GATEWAY_RPS", 10),
		DisclosureWindow: envDuration("DISCLOSURE_WINDOW", 5*time.Minute),
		BlurFactor:       uint64(envInt("BLUR_FACTOR", 100)),
		DailyLimit:       envInt("DAILY_BUDGET_LIMIT", 10000),
		ReleasePolicy:    os.Getenv("RELEASE_POLICY"),
		ProfilePath:      os.Getenv("PROFILE_PATH"),
		EvidenceBucket:   os.Getenv("EVIDENCE_BUCKET"),
		EvidenceEndpoint: os.Getenv("EVIDENCE_ENDPOINT"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
	}
	return cfg
}

// ApplyProfile overlays the tunables a profile carries onto the
// environment-derived config.
func (c *Config) ApplyProfile(p *Profile) {
	if p.DisclosureWindow > 0 {
		c.DisclosureWindow = p.DisclosureWindow
	}
	if p.BlurFactor > 0 {
		c.BlurFactor = p.BlurFactor
	}
	if p.DailyLimit > 0 {
		c.DailyLimit = p.DailyLimit
	}
	if p.ReleasePolicy != "" {
		c.ReleasePolicy = p.ReleasePolicy
	}
	if p.GatewayURL != "" {
		c.GatewayURL = p.GatewayURL
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
