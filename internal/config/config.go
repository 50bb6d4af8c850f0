package config

import (
	"errors"
	"fmt"
	"strings"

	"djp.chapter42.de/renderq/internal/auth"
	"djp.chapter42.de/renderq/internal/backoff"
	"djp.chapter42.de/renderq/internal/data"
	"djp.chapter42.de/renderq/internal/tmpl"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultPort         string = "4224"
	DefaultConfigName   string = "renderq"
	DefaultBaseURL      string = "http://127.0.0.1:8188"
	DefaultConcurrency  int    = 3
	DefaultMaxRetries   int    = 3
	DefaultPollInterval string = "1s"
	EnvPrefix           string = "RENDERQ"
)

// Config holds the configuration loaded last by InitConfig.
var Config *data.RenderConfig

// SetDefaults registers every known key so env overrides work without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("debug", false)
	v.SetDefault("log_file", "")

	v.SetDefault("remote.name", "comfyui")
	v.SetDefault("remote.base_url", DefaultBaseURL)
	v.SetDefault("remote.poll_interval", DefaultPollInterval)
	v.SetDefault("remote.job_timeout", "0s")
	v.SetDefault("remote.request_timeout", "30s")
	v.SetDefault("remote.submit_rate", 0)
	v.SetDefault("remote.submit_burst", 1)
	v.SetDefault("remote.auth.type", "none")

	v.SetDefault("queue.concurrency", DefaultConcurrency)
	v.SetDefault("queue.max_retries", DefaultMaxRetries)
	v.SetDefault("queue.backoff.strategy", "none")
	v.SetDefault("queue.backoff.delay", "0s")
	v.SetDefault("queue.backoff.max_delay", "0s")
	v.SetDefault("queue.backoff.multiplier", 2.0)

	v.SetDefault("housekeeping.clear_completed", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.max_age", "12h")
}

// Load reads the configuration into a fresh RenderConfig. An explicit configFile must
// exist; otherwise renderq.yaml is looked up in the working directory and /app/config
// and a missing file just means defaults.
func Load(v *viper.Viper, configFile string, logger *zap.Logger) (*data.RenderConfig, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fehler beim Lesen der Konfigurationsdatei: %w", err)
		}
		logger.Warn("Konfigurationsdatei nicht gefunden, verwende Standardwerte")
	} else {
		logger.Debug("Konfiguration geladen:", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg data.RenderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("fehler beim Lesen der Konfiguration: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := tmpl.PrepareTemplates(&cfg.Remote); err != nil {
		return nil, fmt.Errorf("fehler beim Parsen der Templates: %w", err)
	}

	provider, err := auth.BuildAuthProvider(cfg.Remote.Auth)
	if err != nil {
		return nil, fmt.Errorf("fehler beim Erzeugen des AuthProviders für %s: %w", cfg.Remote.Name, err)
	}
	cfg.Remote.AuthProvider = provider

	return &cfg, nil
}

// InitConfig loads the configuration and stores it in Config.
func InitConfig(v *viper.Viper, configFile string, logger *zap.Logger) error {
	cfg, err := Load(v, configFile, logger)
	if err != nil {
		return err
	}
	Config = cfg
	return nil
}

func validate(cfg *data.RenderConfig) error {
	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", cfg.Queue.MaxRetries)
	}
	if _, err := backoff.New(cfg.Queue.Backoff); err != nil {
		return fmt.Errorf("queue.backoff: %w", err)
	}
	if cfg.Remote.SubmitRate < 0 {
		return fmt.Errorf("remote.submit_rate must not be negative")
	}
	return nil
}
