// Package config loads the shared YAML configuration for the API
// server and the analysis worker, with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// object storage
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// tokens
	TokenSecret  string `yaml:"tokenSecret"`
	TokenTTLDays int    `yaml:"tokenTTLDays"`

	// analysis queue + worker
	QueueStream       string `yaml:"queueStream"`
	QueueGroup        string `yaml:"queueGroup"`
	WorkerConcurrency int    `yaml:"workerConcurrency"`

	// LLM endpoint (OpenAI compatible)
	LLMBaseURL string `yaml:"llmBaseURL"`
	LLMAPIKey  string `yaml:"llmAPIKey"`
	LLMModel   string `yaml:"llmModel"`

	// upload limits
	MaxUploadMB int `yaml:"maxUploadMB"`

	// auth endpoint rate limiting (per IP per minute; 0 disables)
	LoginRateLimitPerMinute int `yaml:"loginRateLimitPerMinute"`

	// CORS
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// OAuth (empty client id disables the provider)
	GoogleClientID     string `yaml:"googleClientID"`
	GoogleClientSecret string `yaml:"googleClientSecret"`
	GoogleRedirectURL  string `yaml:"googleRedirectURL"`
	JiraClientID       string `yaml:"jiraClientID"`
	JiraClientSecret   string `yaml:"jiraClientSecret"`
	JiraRedirectURL    string `yaml:"jiraRedirectURL"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setString(&cfg.TokenSecret, "TOKEN_SECRET")
	setString(&cfg.QueueStream, "QUEUE_STREAM")
	setString(&cfg.QueueGroup, "QUEUE_GROUP")
	setString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	setString(&cfg.LLMAPIKey, "LLM_API_KEY")
	setString(&cfg.LLMModel, "LLM_MODEL")
	setString(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.GoogleRedirectURL, "GOOGLE_REDIRECT_URL")
	setString(&cfg.JiraClientID, "JIRA_CLIENT_ID")
	setString(&cfg.JiraClientSecret, "JIRA_CLIENT_SECRET")
	setString(&cfg.JiraRedirectURL, "JIRA_REDIRECT_URL")

	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt(&cfg.TokenTTLDays, "TOKEN_TTL_DAYS")
	setInt(&cfg.WorkerConcurrency, "WORKER_CONCURRENCY")
	setInt(&cfg.MaxUploadMB, "MAX_UPLOAD_MB")
	setInt(&cfg.LoginRateLimitPerMinute, "LOGIN_RATE_LIMIT_PER_MINUTE")

	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.MinioUseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
		cfg.AllowedOrigins = origins
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the analysis queue")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required for document storage")
	}
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return errors.New("config: tokenSecret is required (set TOKEN_SECRET)")
	}
	if cfg.TokenTTLDays < 0 {
		return errors.New("config: tokenTTLDays must be >= 0")
	}
	if cfg.MaxUploadMB < 0 {
		return errors.New("config: maxUploadMB must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: loginRateLimitPerMinute must be >= 0")
	}
	return nil
}

// TokenTTL converts the configured day count, defaulting to 7 days.
func (c FileConfig) TokenTTL() time.Duration {
	days := c.TokenTTLDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// MaxUploadBytes converts the configured limit, defaulting to 10 MiB.
func (c FileConfig) MaxUploadBytes() int64 {
	mb := c.MaxUploadMB
	if mb <= 0 {
		mb = 10
	}
	return int64(mb) << 20
}

// Stream returns the queue stream name, defaulting to aligniq:analysis.
func (c FileConfig) Stream() string {
	if strings.TrimSpace(c.QueueStream) == "" {
		return "aligniq:analysis"
	}
	return c.QueueStream
}
