package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNoProfileAvailable is returned when every profile is cooling down.
var ErrNoProfileAvailable = errors.New("no auth profile available")

// Defaults fill request fields left at their zero value.
type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type FailoverConfig struct {
	Profiles   []AuthProfile
	Factory    ProviderFactory // defaults to NewProvider
	Defaults   Defaults
	MaxRetries int           // attempts per profile, default 3
	Backoff    time.Duration // first retry delay, doubled each attempt, default 1s
	Cooldown   time.Duration // per consecutive failure, default 60s
	Logger     zerolog.Logger
}

// FailoverClient tries auth profiles in priority order, retrying transient
// errors on each and cooling down profiles that fail.
type FailoverClient struct {
	cfg FailoverConfig

	mu        sync.Mutex
	profiles  []AuthProfile
	providers map[string]Provider
	now       func() time.Time
}

func NewFailoverClient(cfg FailoverConfig) (*FailoverClient, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = NewProvider
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })

	return &FailoverClient{
		cfg:       cfg,
		profiles:  profiles,
		providers: make(map[string]Provider),
		now:       time.Now,
	}, nil
}

// Profiles returns a copy of the profiles with their current failure state.
func (c *FailoverClient) Profiles() []AuthProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AuthProfile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

func (c *FailoverClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.cfg.Defaults.Model
	}
	if req.Temperature == 0 {
		req.Temperature = c.cfg.Defaults.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.Defaults.MaxTokens
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerLLM, "llm.generate",
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.cfg.Logger)

	var lastErr error
	tried := 0
	for _, profile := range c.Profiles() {
		if profile.CooldownUntil != nil && c.now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		tried++

		provider, err := c.provider(profile)
		if err != nil {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		start := time.Now()
		resp, err := c.callWithRetry(ctx, provider, req, logger)
		observability.RecordLLMCall(provider.Provider(), time.Since(start), err == nil)
		if err == nil {
			c.markSuccess(profile.ID)
			span.SetAttributes(attribute.String("llm.profile", profile.ID))
			return resp, nil
		}

		lastErr = err
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.markFailure(profile.ID)

		if !IsRetryableError(err) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if tried == 0 {
		span.SetStatus(codes.Error, ErrNoProfileAvailable.Error())
		return nil, ErrNoProfileAvailable
	}
	span.SetStatus(codes.Error, lastErr.Error())
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (c *FailoverClient) callWithRetry(ctx context.Context, provider Provider, req Request, logger zerolog.Logger) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		resp, err := provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == c.cfg.MaxRetries-1 {
			break
		}

		delay := c.cfg.Backoff << attempt
		logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *FailoverClient) provider(profile AuthProfile) (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := c.cfg.Factory(profile)
	if err != nil {
		return nil, err
	}
	c.providers[profile.ID] = p
	return p, nil
}

func (c *FailoverClient) markSuccess(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.profiles {
		if c.profiles[i].ID == id {
			c.profiles[i].FailureCount = 0
			c.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(c.profiles[i].Provider, false)
			return
		}
	}
}

func (c *FailoverClient) markFailure(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.profiles {
		if c.profiles[i].ID == id {
			c.profiles[i].FailureCount++
			until := c.now().Add(c.cfg.Cooldown * time.Duration(c.profiles[i].FailureCount)).UnixMilli()
			c.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(c.profiles[i].Provider, true)
			return
		}
	}
}
