package config

import (
	"encoding/json"
	"fmt"
)

// Config is the root configuration of the ema service.
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	Actor     ActorConfig     `json:"actor" mapstructure:"actor"`
	Jobs      []JobConfig     `json:"jobs" mapstructure:"jobs"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`
	Hooks      HooksConfig      `json:"hooks" mapstructure:"hooks"`

	// DataDir holds the memory database, sessions, snapshots and the PID file.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

type ServerConfig struct {
	Host            string          `json:"host" mapstructure:"host"`
	Port            int             `json:"port" mapstructure:"port"`
	CORSOrigins     []string        `json:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout int             `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
	RateLimit       RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled  bool `json:"enabled" mapstructure:"enabled"`
	Requests int  `json:"requests" mapstructure:"requests"`
	Window   int  `json:"window" mapstructure:"window"` // seconds
}

type SchedulerConfig struct {
	// MaxConcurrency caps agent executions in flight across all agents.
	MaxConcurrency int `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// AgentConfig is the default shape of every conversational agent.
type AgentConfig struct {
	Model        string          `json:"model" mapstructure:"model"`
	Temperature  float64         `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int             `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string          `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRetries   int             `json:"max_retries" mapstructure:"max_retries"`
	RateLimit    RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
}

type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

type ActorConfig struct {
	// CacheSize bounds the actors kept resident; the least recently used is closed.
	CacheSize int `json:"cache_size" mapstructure:"cache_size"`
	// HistoryLimit is how many persisted messages seed a revived actor.
	HistoryLimit int `json:"history_limit" mapstructure:"history_limit"`
	// SessionMaxEntries caps each session file; 0 keeps everything.
	SessionMaxEntries int `json:"session_max_entries" mapstructure:"session_max_entries"`
	PruneInterval     int `json:"prune_interval" mapstructure:"prune_interval"` // minutes
}

// JobConfig declares a recurring prompt driven by the scheduler.
type JobConfig struct {
	Name         string `json:"name" mapstructure:"name"`
	Kind         string `json:"kind" mapstructure:"kind"` // at, every, cron
	At           string `json:"at,omitempty" mapstructure:"at"`
	EveryMs      int64  `json:"every_ms,omitempty" mapstructure:"every_ms"`
	Expr         string `json:"expr,omitempty" mapstructure:"expr"`
	TZ           string `json:"tz,omitempty" mapstructure:"tz"`
	Prompt       string `json:"prompt" mapstructure:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// ModerationConfig rejects actor inputs containing blocked content.
type ModerationConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// HooksConfig runs shell scripts on service events.
type HooksConfig struct {
	Enabled bool        `json:"enabled" mapstructure:"enabled"`
	Entries []HookEntry `json:"entries" mapstructure:"entries"`
}

type HookEntry struct {
	ID        string `json:"id" mapstructure:"id"`
	Event     string `json:"event" mapstructure:"event"` // service:start, service:stop, snapshot:create, snapshot:restore
	Script    string `json:"script" mapstructure:"script"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            3000,
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 10,
			RateLimit: RateLimitConfig{
				Enabled:  true,
				Requests: 120,
				Window:   60,
			},
		},
		Scheduler: SchedulerConfig{MaxConcurrency: 4},
		Agent: AgentConfig{
			Model:        "gpt-4o-mini",
			Temperature:  0.7,
			MaxTokens:    4096,
			SystemPrompt: "You are a helpful assistant with a long-term memory of this conversation.",
			MaxRetries:   3,
		},
		Actor: ActorConfig{
			CacheSize:         256,
			HistoryLimit:      200,
			SessionMaxEntries: 5000,
			PruneInterval:     60,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "ema",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "anthropic", "openai", "gemini":
		default:
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai, gemini)", profile.ID, profile.Provider)
		}
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("scheduler max_concurrency must be at least 1")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	return nil
}
