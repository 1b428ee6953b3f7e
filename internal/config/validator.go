package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator performs the softer checks reported by `ema status`; unlike
// Config.Validate it collects every problem instead of stopping at the first.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey checks the key prefix each provider issues.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", temp)
	}
	return nil
}

func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 1 || tokens > 200000 {
		return fmt.Errorf("max_tokens must be between 1 and 200000, got %d", tokens)
	}
	return nil
}

func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
}

// ValidateJob checks a recurring job declaration without scheduling it.
func (v *Validator) ValidateJob(job JobConfig) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return fmt.Errorf("job %s: prompt is required", job.Name)
	}

	switch job.Kind {
	case "at":
		if job.At == "" {
			return fmt.Errorf("job %s: 'at' is required", job.Name)
		}
	case "every":
		if job.EveryMs <= 0 {
			return fmt.Errorf("job %s: 'every_ms' must be positive", job.Name)
		}
	case "cron":
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(job.Expr); err != nil {
			return fmt.Errorf("job %s: invalid cron expression: %w", job.Name, err)
		}
	default:
		return fmt.Errorf("job %s: invalid kind %q (must be: at, every, cron)", job.Name, job.Kind)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider == "" {
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.RateLimit.Enabled && (cfg.Agent.RateLimit.Requests < 1 || cfg.Agent.RateLimit.Window < 1) {
		errs = append(errs, fmt.Errorf("agent.rate_limit requires positive requests and window"))
	}
	if cfg.Server.RateLimit.Enabled && (cfg.Server.RateLimit.Requests < 1 || cfg.Server.RateLimit.Window < 1) {
		errs = append(errs, fmt.Errorf("server.rate_limit requires positive requests and window"))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Actor.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("actor.cache_size must be at least 1"))
	}

	for _, job := range cfg.Jobs {
		if err := v.ValidateJob(job); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}
