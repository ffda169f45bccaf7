// Package config loads and validates the server configuration. Values
// layer as defaults, then an optional YAML file, then CONDUCTOR_*
// environment variables. Invalid configuration is a fatal startup
// error, never a silent fallback.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultDataDir      = "."
	DefaultKnowledgeDir = ".knowledge"

	DefaultHost         = "127.0.0.1"
	DefaultPort         = 9123
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second

	DefaultQueueMaxConcurrent = 4
	DefaultQueueMaxRetries    = 0
	DefaultQueueBackoffBase   = time.Second
	DefaultQueueBackoffMax    = 30 * time.Second

	DefaultLogBufferSize = 1000
	DefaultStopTimeout   = 5 * time.Second
	DefaultDrainWindow   = 250 * time.Millisecond

	DefaultHubOutboundBuffer = 256
	DefaultHubSweepInterval  = 60 * time.Second
	DefaultHubMaxInactive    = 10 * time.Minute

	DefaultEmbeddingBaseURL   = "http://localhost:11434/v1"
	DefaultEmbeddingModel     = "nomic-embed-text"
	DefaultEmbeddingTimeout   = 30 * time.Second
	DefaultEmbeddingRetries   = 3
	DefaultEmbeddingDelay     = 500 * time.Millisecond
	DefaultEmbeddingMaxTokens = 8000
	DefaultEmbeddingCacheSize = 512

	DefaultLogLevel       = "info"
	DefaultTracingSampler = 1.0
)

// Config is the full runtime configuration tree.
type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	KnowledgeDir string `mapstructure:"knowledge_dir"`

	Server     ServerConfig     `mapstructure:"server"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Hub        HubConfig        `mapstructure:"hub"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`

	// Source records which file the configuration came from, empty when
	// running on defaults and environment only.
	Source string `mapstructure:"-"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Address joins host and port for net.Listen.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type QueueConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

type SupervisorConfig struct {
	LogBufferSize int           `mapstructure:"log_buffer_size"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	DrainWindow   time.Duration `mapstructure:"drain_window"`
}

type HubConfig struct {
	OutboundBuffer int           `mapstructure:"outbound_buffer"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	MaxInactive    time.Duration `mapstructure:"max_inactive"`
}

type EmbeddingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxTokens  int           `mapstructure:"max_tokens"`
	CacheSize  int           `mapstructure:"cache_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:      DefaultDataDir,
		KnowledgeDir: DefaultKnowledgeDir,
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			EnableCORS:   true,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Queue: QueueConfig{
			MaxConcurrent: DefaultQueueMaxConcurrent,
			MaxRetries:    DefaultQueueMaxRetries,
			BackoffBase:   DefaultQueueBackoffBase,
			BackoffMax:    DefaultQueueBackoffMax,
		},
		Supervisor: SupervisorConfig{
			LogBufferSize: DefaultLogBufferSize,
			StopTimeout:   DefaultStopTimeout,
			DrainWindow:   DefaultDrainWindow,
		},
		Hub: HubConfig{
			OutboundBuffer: DefaultHubOutboundBuffer,
			SweepInterval:  DefaultHubSweepInterval,
			MaxInactive:    DefaultHubMaxInactive,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    DefaultEmbeddingBaseURL,
			Model:      DefaultEmbeddingModel,
			Timeout:    DefaultEmbeddingTimeout,
			MaxRetries: DefaultEmbeddingRetries,
			RetryDelay: DefaultEmbeddingDelay,
			MaxTokens:  DefaultEmbeddingMaxTokens,
			CacheSize:  DefaultEmbeddingCacheSize,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
		Metrics: MetricsConfig{},
		Tracing: TracingConfig{
			Exporter:   "otlp",
			SampleRate: DefaultTracingSampler,
		},
	}
}

// normalize fills derived values after decoding. The default log file
// lives next to the per-user config; when no home directory exists it
// falls back to the data directory.
func (c *Config) normalize() {
	if c.Log.File == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Log.File = filepath.Join(home, ".conductor", "conductor.log")
		} else {
			c.Log.File = filepath.Join(c.DataDir, "conductor.log")
		}
	}
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.KnowledgeDir == "" {
		return fmt.Errorf("knowledge_dir must not be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent %d must be at least 1", c.Queue.MaxConcurrent)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be positive")
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff_max %s is below queue.backoff_base %s", c.Queue.BackoffMax, c.Queue.BackoffBase)
	}
	if c.Supervisor.LogBufferSize < 1 {
		return fmt.Errorf("supervisor.log_buffer_size %d must be at least 1", c.Supervisor.LogBufferSize)
	}
	if c.Supervisor.StopTimeout <= 0 {
		return fmt.Errorf("supervisor.stop_timeout must be positive")
	}
	if c.Supervisor.DrainWindow < 0 {
		return fmt.Errorf("supervisor.drain_window must not be negative")
	}
	if c.Hub.OutboundBuffer < 1 {
		return fmt.Errorf("hub.outbound_buffer %d must be at least 1", c.Hub.OutboundBuffer)
	}
	if c.Hub.SweepInterval <= 0 || c.Hub.MaxInactive <= 0 {
		return fmt.Errorf("hub sweep settings must be positive")
	}
	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding.base_url must not be empty")
	}
	if c.Embedding.Timeout <= 0 {
		return fmt.Errorf("embedding.timeout must be positive")
	}
	if c.Embedding.MaxRetries < 1 {
		return fmt.Errorf("embedding.max_retries %d must be at least 1", c.Embedding.MaxRetries)
	}
	if c.Embedding.RetryDelay < 0 {
		return fmt.Errorf("embedding.retry_delay must not be negative")
	}
	if c.Embedding.MaxTokens < 1 || c.Embedding.CacheSize < 1 {
		return fmt.Errorf("embedding budget settings must be at least 1")
	}
	if !logLevels[c.Log.Level] {
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	if c.Metrics.PrometheusPort < 0 || c.Metrics.PrometheusPort > 65535 {
		return fmt.Errorf("metrics.prometheus_port %d out of range", c.Metrics.PrometheusPort)
	}
	if c.Tracing.Exporter != "otlp" && c.Tracing.Exporter != "zipkin" {
		return fmt.Errorf("tracing.exporter %q must be otlp or zipkin", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate %g must be within [0, 1]", c.Tracing.SampleRate)
	}
	return nil
}
