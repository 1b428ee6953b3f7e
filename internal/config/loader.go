package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir     = ".ema"
	configName = "ema.json"
	envPrefix  = "EMA"
)

// Loader reads configuration from a JSON file overlaid with EMA_* variables.
type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load returns the defaults overlaid by the config file (if present) and the
// environment. EMA_SERVER_PORT overrides server.port, and so on.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "ema.log")
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the config file does not mention it.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"data_dir":                   cfg.DataDir,
		"server.host":                cfg.Server.Host,
		"server.port":                cfg.Server.Port,
		"server.cors_origins":        cfg.Server.CORSOrigins,
		"server.shutdown_timeout":    cfg.Server.ShutdownTimeout,
		"server.rate_limit.enabled":  cfg.Server.RateLimit.Enabled,
		"server.rate_limit.requests": cfg.Server.RateLimit.Requests,
		"server.rate_limit.window":   cfg.Server.RateLimit.Window,
		"scheduler.max_concurrency":  cfg.Scheduler.MaxConcurrency,
		"agent.model":                cfg.Agent.Model,
		"agent.temperature":          cfg.Agent.Temperature,
		"agent.max_tokens":           cfg.Agent.MaxTokens,
		"agent.system_prompt":        cfg.Agent.SystemPrompt,
		"agent.max_retries":          cfg.Agent.MaxRetries,
		"agent.rate_limit.enabled":   cfg.Agent.RateLimit.Enabled,
		"agent.rate_limit.requests":  cfg.Agent.RateLimit.Requests,
		"agent.rate_limit.window":    cfg.Agent.RateLimit.Window,
		"actor.cache_size":           cfg.Actor.CacheSize,
		"actor.history_limit":        cfg.Actor.HistoryLimit,
		"actor.session_max_entries":  cfg.Actor.SessionMaxEntries,
		"actor.prune_interval":       cfg.Actor.PruneInterval,
		"logging.level":              cfg.Logging.Level,
		"logging.file":               cfg.Logging.File,
		"logging.console":            cfg.Logging.Console,
		"logging.pretty":             cfg.Logging.Pretty,
		"logging.max_size":           cfg.Logging.MaxSize,
		"logging.max_age":            cfg.Logging.MaxAge,
		"logging.compress":           cfg.Logging.Compress,
		"logging.redaction":          cfg.Logging.Redaction,
		"logging.audit_file":         cfg.Logging.AuditFile,
		"tracing.enabled":            cfg.Tracing.Enabled,
		"tracing.service_name":       cfg.Tracing.ServiceName,
		"tracing.sample_ratio":       cfg.Tracing.SampleRatio,
		"moderation.enabled":         cfg.Moderation.Enabled,
		"hooks.enabled":              cfg.Hooks.Enabled,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Save writes cfg to the loader's path, creating the directory if needed.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.Set("server", cfg.Server)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("agent", cfg.Agent)
	v.Set("ai", cfg.AI)
	v.Set("actor", cfg.Actor)
	v.Set("jobs", cfg.Jobs)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("moderation", cfg.Moderation)
	v.Set("hooks", cfg.Hooks)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the explicit path or ~/.ema/ema.json.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDir, configName)
}

// Load is a convenience wrapper around NewLoader(path).Load().
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
