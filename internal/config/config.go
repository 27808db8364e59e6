package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the full service configuration. Values come from an optional
// YAML file (CONFIG_FILE) overlaid by environment variables; env always wins.
type Settings struct {
	// GitHub App credentials
	AppID         string `yaml:"app_id"`
	AppPrivateKey string `yaml:"app_private_key"` // PEM contents or a path to a PEM file
	WebhookSecret string `yaml:"webhook_secret"`

	// HTTP server
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// Redis
	RedisURL              string `yaml:"redis_url"`
	RedisNamespace        string `yaml:"redis_namespace"`
	RedisLockTTLSeconds   int    `yaml:"redis_lock_ttl_seconds"`
	RedisHeartbeatSeconds int    `yaml:"redis_heartbeat_seconds"`

	// Forge API
	GitHubAPIURL   string `yaml:"github_api_url"`
	ServiceVersion string `yaml:"service_version"`

	// Rate limit / backpressure
	RateLimitMinRemaining    int `yaml:"rate_limit_min_remaining"`
	RateLimitCooldownSeconds int `yaml:"rate_limit_cooldown_seconds"`
	RateLimitJitterSeconds   int `yaml:"rate_limit_jitter_seconds"`
	MaxBackoffSeconds        int `yaml:"max_backoff_seconds"`

	// Retry / starvation policy
	BackoffBaseSeconds   int     `yaml:"backoff_base_seconds"`
	BackoffFactor        float64 `yaml:"backoff_factor"`
	MaxRetries           int     `yaml:"max_retries"`
	MaxItemWindowSeconds int     `yaml:"max_item_window_seconds"`

	// Resync poller ("installation:owner/repo" entries; empty disables listing)
	ResyncRepos           []string `yaml:"resync_repos"`
	ResyncIntervalSeconds int      `yaml:"resync_interval_seconds"`
}

// Defaults returns a Settings with every knob at its documented default.
func Defaults() Settings {
	return Settings{
		Host:                     "0.0.0.0",
		Port:                     "8080",
		RedisURL:                 "redis://localhost:6379/0",
		RedisNamespace:           "automerge",
		RedisLockTTLSeconds:      60,
		RedisHeartbeatSeconds:    15,
		GitHubAPIURL:             "https://api.github.com",
		ServiceVersion:           "dev",
		RateLimitMinRemaining:    50,
		RateLimitCooldownSeconds: 60,
		RateLimitJitterSeconds:   15,
		MaxBackoffSeconds:        120,
		BackoffBaseSeconds:       5,
		BackoffFactor:            2.0,
		MaxRetries:               5,
		MaxItemWindowSeconds:     1800,
		ResyncIntervalSeconds:    300,
	}
}

// Load builds Settings from CONFIG_FILE (if set) and the environment.
func Load() (*Settings, error) {
	s := Defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	s.AppID = getEnv("APP_ID", s.AppID)
	s.AppPrivateKey = resolvePrivateKey(getEnv("APP_PRIVATE_KEY", s.AppPrivateKey))
	s.WebhookSecret = getEnv("WEBHOOK_SECRET", s.WebhookSecret)

	s.Host = getEnv("HOST", s.Host)
	s.Port = getEnv("PORT", s.Port)

	s.RedisURL = getEnv("REDIS_URL", s.RedisURL)
	s.RedisNamespace = getEnv("REDIS_NAMESPACE", s.RedisNamespace)
	s.RedisLockTTLSeconds = getEnvInt("REDIS_LOCK_TTL_SECONDS", s.RedisLockTTLSeconds)
	s.RedisHeartbeatSeconds = getEnvInt("REDIS_HEARTBEAT_SECONDS", s.RedisHeartbeatSeconds)

	s.GitHubAPIURL = strings.TrimRight(getEnv("GITHUB_API_URL", s.GitHubAPIURL), "/")
	s.ServiceVersion = getEnv("SERVICE_VERSION", s.ServiceVersion)

	s.RateLimitMinRemaining = getEnvInt("RATE_LIMIT_MIN_REMAINING", s.RateLimitMinRemaining)
	s.RateLimitCooldownSeconds = getEnvInt("RATE_LIMIT_COOLDOWN_SECONDS", s.RateLimitCooldownSeconds)
	s.RateLimitJitterSeconds = getEnvInt("RATE_LIMIT_JITTER_SECONDS", s.RateLimitJitterSeconds)
	s.MaxBackoffSeconds = getEnvInt("MAX_BACKOFF_SECONDS", s.MaxBackoffSeconds)

	s.BackoffBaseSeconds = getEnvInt("BACKOFF_BASE_SECONDS", s.BackoffBaseSeconds)
	s.BackoffFactor = getEnvFloat("BACKOFF_FACTOR", s.BackoffFactor)
	s.MaxRetries = getEnvInt("MAX_RETRIES", s.MaxRetries)
	s.MaxItemWindowSeconds = getEnvInt("MAX_ITEM_WINDOW_SECONDS", s.MaxItemWindowSeconds)

	if raw := strings.TrimSpace(os.Getenv("RESYNC_REPOS")); raw != "" {
		s.ResyncRepos = nil
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				s.ResyncRepos = append(s.ResyncRepos, part)
			}
		}
	}
	s.ResyncIntervalSeconds = getEnvInt("RESYNC_INTERVAL_SECONDS", s.ResyncIntervalSeconds)

	return &s, nil
}

// Addr is the listen address for the HTTP server.
func (s *Settings) Addr() string {
	host := s.Host
	if host == "0.0.0.0" {
		host = ""
	}
	return host + ":" + s.Port
}

// resolvePrivateKey accepts either PEM contents or a path to a PEM file.
// A path that cannot be read is returned as-is so the failure surfaces at
// signing time with the offending value visible.
func resolvePrivateKey(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.Contains(v, "-----BEGIN") {
		return v
	}
	if data, err := os.ReadFile(v); err == nil {
		return strings.TrimSpace(string(data))
	}
	return v
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(strings.TrimSpace(valStr)); err == nil {
			return val
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseFloat(strings.TrimSpace(valStr), 64); err == nil {
			return val
		}
	}
	return defaultVal
}
