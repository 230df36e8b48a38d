package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "STUDYFORGE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "studyforge.db"
	defaultUploadDir      = "uploads"
	defaultLogLevel       = "info"
	defaultTokenTTL       = 60
	defaultAIBaseURL      = "https://api.openai.com/v1"
	defaultAIModel        = "gpt-4o-mini"
	defaultAITimeout      = 30
	defaultAIRetries      = 3
	defaultExtractorChars = 400_000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	UploadDir         string
	SigningSecret     string
	TokenTTL          time.Duration
	LogLevel          string
	AIAPIKey          string
	AIBaseURL         string
	AIModel           string
	AITimeout         time.Duration
	AIRetryAttempts   int
	ExtractorMaxChars int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("uploads.dir", defaultUploadDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("ai.base_url", defaultAIBaseURL)
	configViper.SetDefault("ai.model", defaultAIModel)
	configViper.SetDefault("ai.timeout_seconds", defaultAITimeout)
	configViper.SetDefault("ai.retry_attempts", defaultAIRetries)
	configViper.SetDefault("extractor.max_chars", defaultExtractorChars)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		UploadDir:         configViper.GetString("uploads.dir"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:          configViper.GetString("log.level"),
		AIAPIKey:          configViper.GetString("ai.api_key"),
		AIBaseURL:         configViper.GetString("ai.base_url"),
		AIModel:           configViper.GetString("ai.model"),
		AITimeout:         time.Duration(configViper.GetInt("ai.timeout_seconds")) * time.Second,
		AIRetryAttempts:   configViper.GetInt("ai.retry_attempts"),
		ExtractorMaxChars: configViper.GetInt("extractor.max_chars"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if strings.TrimSpace(c.AIAPIKey) == "" {
		return fmt.Errorf("ai.api_key is required")
	}
	return nil
}
