package data

import (
	"text/template"
	"time"

	"djp.chapter42.de/renderq/internal/auth"
)

type RenderConfig struct {
	Port         string             `mapstructure:"port"`
	Debug        bool               `mapstructure:"debug"`
	LogFile      string             `mapstructure:"log_file"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// RemoteConfig beschreibt die externe Render-Engine.
type RemoteConfig struct {
	Name           string          `mapstructure:"name"`
	BaseURL        string          `mapstructure:"base_url"`
	Endpoints      EndpointConfig  `mapstructure:"endpoints"`
	Auth           auth.AuthConfig `mapstructure:"auth"`
	PollInterval   time.Duration   `mapstructure:"poll_interval"`
	JobTimeout     time.Duration   `mapstructure:"job_timeout"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	SubmitRate     float64         `mapstructure:"submit_rate"`
	SubmitBurst    int             `mapstructure:"submit_burst"`

	// Caching vorbereiteter Templates
	ParsedSubmitTpl    *template.Template `mapstructure:"-"`
	ParsedHistoryTpl   *template.Template `mapstructure:"-"`
	ParsedInterruptTpl *template.Template `mapstructure:"-"`
	ParsedQueueTpl     *template.Template `mapstructure:"-"`
	ParsedStatsTpl     *template.Template `mapstructure:"-"`

	// Authentication provider
	AuthProvider auth.AuthProvider `mapstructure:"-"`
}

type EndpointConfig struct {
	Submit    string `mapstructure:"submit"`
	History   string `mapstructure:"history"`
	Interrupt string `mapstructure:"interrupt"`
	Queue     string `mapstructure:"queue"`
	Stats     string `mapstructure:"system_stats"`
}

type QueueConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig: strategy is one of none, fixed, exponential, sinus.
type BackoffConfig struct {
	Strategy   string        `mapstructure:"strategy"`
	Delay      time.Duration `mapstructure:"delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type HousekeepingConfig struct {
	// Cron expression, e.g. "@every 30m". Empty disables the janitor.
	ClearCompleted string `mapstructure:"clear_completed"`
}

type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}
