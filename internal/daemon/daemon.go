package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/evermemory/ema/internal/config"
	"github.com/evermemory/ema/internal/logger"
	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/actor"
	"github.com/evermemory/ema/pkg/agent"
	"github.com/evermemory/ema/pkg/commandqueue"
	"github.com/evermemory/ema/pkg/cron"
	"github.com/evermemory/ema/pkg/hooks"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/evermemory/ema/pkg/memory"
	"github.com/evermemory/ema/pkg/moderation"
	"github.com/evermemory/ema/pkg/ratelimit"
	"github.com/evermemory/ema/pkg/scheduler"
	"github.com/evermemory/ema/pkg/server"
	"github.com/evermemory/ema/pkg/session"
	"github.com/evermemory/ema/pkg/snapshot"
)

// Daemon owns every long-lived component of the ema service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue     *commandqueue.CommandQueue
	client    llm.Client
	scheduler *scheduler.Scheduler
	memory    *memory.Store
	sessions  *session.Manager
	snapshots *snapshot.Manager
	actors    *actor.Registry

	// Services
	server       *server.Server
	pruner       *session.Pruner
	httpLimiter  *ratelimit.Limiter
	agentLimiter *ratelimit.Limiter
	jobs         []*scheduler.Handle
	hooks        *hooks.Manager
	auditor      *observability.Auditor
	prevAuditor  *observability.Auditor

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool            `json:"running"`
	StartTime time.Time       `json:"startTime"`
	Uptime    time.Duration   `json:"uptime"`
	Actors    int             `json:"actors"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

var newClient = func(cfg *config.Config, log *logger.Logger) (llm.Client, error) {
	return llm.NewFailoverClient(llm.FailoverConfig{
		Profiles: convertAuthProfiles(cfg.AI.Profiles),
		Defaults: llm.Defaults{
			Model:       cfg.Agent.Model,
			Temperature: cfg.Agent.Temperature,
			MaxTokens:   cfg.Agent.MaxTokens,
		},
		MaxRetries: cfg.Agent.MaxRetries,
		Logger:     log.Logger,
	})
}

// New creates a daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// abort releases whatever New managed to open before failing.
func (d *Daemon) abort() {
	d.cancel()
	if d.actors != nil {
		d.actors.Close()
	}
	if d.scheduler != nil {
		_ = d.scheduler.Close(context.Background())
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.memory != nil {
		_ = d.memory.Close()
	}
	if d.httpLimiter != nil {
		d.httpLimiter.Stop()
	}
	if d.agentLimiter != nil {
		d.agentLimiter.Stop()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
	_ = d.closeAuditor()
}

func (d *Daemon) closeAuditor() error {
	if d.auditor == nil {
		return nil
	}
	observability.SetAuditor(d.prevAuditor)
	err := d.auditor.Close()
	d.auditor = nil
	return err
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.Logger

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	auditFile, err := logger.NewRotatingWriter(auditPath, logger.RotationOptions{
		MaxBytes: int64(cfg.Logging.MaxSize) * 1024 * 1024,
		Compress: cfg.Logging.Compress,
	})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to open audit log, using stderr")
	} else {
		d.auditor = observability.NewAuditor(auditFile)
		d.prevAuditor = observability.SetAuditor(d.auditor)
		d.logger.Info().Str("path", auditPath).Msg("Audit log opened")
	}

	d.queue = commandqueue.New(commandqueue.WithLogger(zl))
	d.logger.Info().Msg("Command queue initialized")

	client, err := newClient(cfg, d.logger)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	d.client = client

	d.scheduler = scheduler.New(scheduler.Options{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		Client:         client,
		Queue:          d.queue,
		AgentOptions:   []agent.Option{agent.WithModel(cfg.Agent.Model)},
		Logger:         &zl,
	})
	d.logger.Info().Int("max_concurrency", cfg.Scheduler.MaxConcurrency).Msg("Scheduler initialized")

	store, err := memory.Open(memory.Config{
		Path:   filepath.Join(cfg.DataDir, "memory.db"),
		Logger: &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	d.memory = store
	d.logger.Info().Msg("Memory store initialized")

	sessions, err := session.New(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.sessions = sessions
	d.logger.Info().Msg("Session manager initialized")

	snapshots, err := snapshot.NewManager(filepath.Join(cfg.DataDir, "snapshots"), store, sessions)
	if err != nil {
		return fmt.Errorf("failed to create snapshot manager: %w", err)
	}
	d.snapshots = snapshots

	if rl := cfg.Agent.RateLimit; rl.Enabled {
		d.agentLimiter = ratelimit.New(rl.Requests, time.Duration(rl.Window)*time.Second)
	}

	factoryCfg := actor.SessionFactoryConfig{
		Scheduler:    d.scheduler,
		Sessions:     sessions,
		SystemPrompt: cfg.Agent.SystemPrompt,
		HistoryLimit: cfg.Actor.HistoryLimit,
		Logger:       &zl,
	}
	if d.agentLimiter != nil {
		factoryCfg.Limiter = d.agentLimiter
	}
	actors, err := actor.NewRegistry(cfg.Actor.CacheSize, actor.SessionFactory(factoryCfg))
	if err != nil {
		return fmt.Errorf("failed to create actor registry: %w", err)
	}
	d.actors = actors
	d.logger.Info().Int("cache_size", cfg.Actor.CacheSize).Msg("Actor registry initialized")

	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.Logger

	hookManager, err := newHookManager(cfg.Hooks, zl)
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hooks = hookManager

	opts := server.Options{
		Addr:        cfg.Addr(),
		CORSOrigins: cfg.Server.CORSOrigins,
		Status: func() map[string]interface{} {
			st := d.Status()
			return map[string]interface{}{"actors": st.Actors, "scheduler": st.Scheduler}
		},
		Logger: &zl,
	}
	if cfg.Moderation.Enabled {
		filter, err := moderation.New(cfg.Moderation)
		if err != nil {
			return fmt.Errorf("failed to create content filter: %w", err)
		}
		opts.Moderator = filter
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		d.httpLimiter = ratelimit.New(rl.Requests, time.Duration(rl.Window)*time.Second)
		opts.RateLimiter = d.httpLimiter
	}

	d.server = server.New(opts, d.actors, hookedSnapshots{SnapshotService: d.snapshots, d: d})

	d.pruner = session.NewPruner(d.sessions, cfg.Actor.SessionMaxEntries, time.Duration(cfg.Actor.PruneInterval)*time.Minute)
	return nil
}

// scheduleJobs starts a recurring task for every enabled job.
func (d *Daemon) scheduleJobs() {
	zl := d.logger.Logger
	validator := config.NewValidator()
	for _, job := range d.config.Jobs {
		if !job.Enabled {
			continue
		}
		if err := validator.ValidateJob(job); err != nil {
			d.logger.Warn().Err(err).Str("job", job.Name).Msg("Skipping invalid job")
			continue
		}
		task, err := cron.FromJob(job, cron.WithLogger(zl))
		if err != nil {
			d.logger.Warn().Err(err).Str("job", job.Name).Msg("Skipping invalid job")
			continue
		}
		h, err := d.scheduler.Schedule(task)
		if err != nil {
			d.logger.Error().Err(err).Str("job", job.Name).Msg("Failed to schedule job")
			continue
		}
		d.jobs = append(d.jobs, h)
		d.logger.Info().Str("job", job.Name).Str("kind", job.Kind).Msg("Job scheduled")
	}
}

// Start brings the services up and returns once the HTTP server is
// listening in the background.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.NewRequestContext(d.ctx), d.logger.Logger)
	logger.Info().Msg("Starting ema daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pruner.Run(d.ctx)
	}()

	d.scheduleJobs()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
			d.cancel()
		}
	}()

	d.triggerHook(d.ctx, hooks.EventServiceStart, map[string]interface{}{"addr": d.config.Addr(), "pid": os.Getpid()})
	logger.Info().Str("addr", d.config.Addr()).Msg("Daemon started successfully")
	return nil
}

// Stop shuts every service down in reverse dependency order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.NewRequestContext(context.Background()), d.logger.Logger)
	logger.Info().Msg("Stopping ema daemon")

	timeout := time.Duration(d.config.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d.triggerHook(ctx, hooks.EventServiceStop, map[string]interface{}{"uptime": time.Since(d.startTime).String()})

	var errs []error
	if err := d.server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop HTTP server")
		errs = append(errs, err)
	}

	d.cancel()
	for _, h := range d.jobs {
		h.Cancel()
	}

	d.actors.Close()
	logger.Info().Msg("Actors closed")

	if err := d.scheduler.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close scheduler")
		errs = append(errs, err)
	}
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	d.wg.Wait()

	if err := d.memory.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close memory store")
		errs = append(errs, err)
	}
	if d.httpLimiter != nil {
		d.httpLimiter.Stop()
	}
	if d.agentLimiter != nil {
		d.agentLimiter.Stop()
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shutdown tracing")
		}
	}
	if err := d.closeAuditor(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close audit log")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	logger.Info().Msg("Daemon stopped successfully")
	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		Actors:    d.actors.Len(),
		Scheduler: d.scheduler.Stats(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT, SIGTERM or a fatal server error, then stops
// the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

func (d *Daemon) GetConfig() *config.Config { return d.config }

func (d *Daemon) GetScheduler() *scheduler.Scheduler { return d.scheduler }

func (d *Daemon) GetActors() *actor.Registry { return d.actors }

func (d *Daemon) GetSnapshots() *snapshot.Manager { return d.snapshots }

func (d *Daemon) GetServer() *server.Server { return d.server }

func convertAuthProfiles(profiles []config.AIProfile) []llm.AuthProfile {
	out := make([]llm.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, llm.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return out
}
