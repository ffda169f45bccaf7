package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the configuration. path is the --config value; when empty
// the loader looks for conductor.yaml in the working directory and then
// in ~/.conductor/. A missing implicit file is fine, a missing explicit
// one is an error. Environment variables override files: CONDUCTOR_ plus
// the key with dots replaced by underscores, e.g. CONDUCTOR_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".conductor"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides resolve even
// without a config file.
func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("knowledge_dir", def.KnowledgeDir)

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.enable_cors", def.Server.EnableCORS)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)

	v.SetDefault("queue.max_concurrent", def.Queue.MaxConcurrent)
	v.SetDefault("queue.max_retries", def.Queue.MaxRetries)
	v.SetDefault("queue.backoff_base", def.Queue.BackoffBase)
	v.SetDefault("queue.backoff_max", def.Queue.BackoffMax)

	v.SetDefault("supervisor.log_buffer_size", def.Supervisor.LogBufferSize)
	v.SetDefault("supervisor.stop_timeout", def.Supervisor.StopTimeout)
	v.SetDefault("supervisor.drain_window", def.Supervisor.DrainWindow)

	v.SetDefault("hub.outbound_buffer", def.Hub.OutboundBuffer)
	v.SetDefault("hub.sweep_interval", def.Hub.SweepInterval)
	v.SetDefault("hub.max_inactive", def.Hub.MaxInactive)

	v.SetDefault("embedding.base_url", def.Embedding.BaseURL)
	v.SetDefault("embedding.api_key", def.Embedding.APIKey)
	v.SetDefault("embedding.model", def.Embedding.Model)
	v.SetDefault("embedding.timeout", def.Embedding.Timeout)
	v.SetDefault("embedding.max_retries", def.Embedding.MaxRetries)
	v.SetDefault("embedding.retry_delay", def.Embedding.RetryDelay)
	v.SetDefault("embedding.max_tokens", def.Embedding.MaxTokens)
	v.SetDefault("embedding.cache_size", def.Embedding.CacheSize)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.file", def.Log.File)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.prometheus_port", def.Metrics.PrometheusPort)

	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
	v.SetDefault("tracing.exporter", def.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", def.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", def.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", def.Tracing.SampleRate)
}
