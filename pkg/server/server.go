// Package server is the HTTP boundary: actor input, actor output streams,
// snapshot control, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/actor"
	"github.com/evermemory/ema/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultHeartbeat = 30 * time.Second
	// streamBuffer is how many events a slow stream client may lag behind
	// before events are dropped for it.
	streamBuffer = 256
)

// ActorSource resolves actors by user and actor id.
type ActorSource interface {
	Get(ctx context.Context, userID, actorID int64) (*actor.Actor, error)
}

// SnapshotService creates and restores named snapshots.
type SnapshotService interface {
	Create(ctx context.Context, name string) (string, error)
	Restore(ctx context.Context, name string) (string, error)
}

// Moderator screens input text before it reaches an actor.
type Moderator interface {
	Check(text string) error
}

type Options struct {
	Addr        string
	CORSOrigins []string
	// RateLimiter throttles requests per client IP. Nil disables limiting.
	RateLimiter *ratelimit.Limiter
	Heartbeat   time.Duration
	// Moderator, when set, rejects blocked inputs with 400.
	Moderator Moderator
	// Status adds fields to the health response.
	Status func() map[string]interface{}
	Logger *zerolog.Logger
}

type Server struct {
	options   Options
	actors    ActorSource
	snapshots SnapshotService
	engine    *gin.Engine
	http      *http.Server
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
	startTime time.Time
}

func New(options Options, actors ActorSource, snapshots SnapshotService) *Server {
	observability.EnsureRegistered()

	if options.Heartbeat <= 0 {
		options.Heartbeat = DefaultHeartbeat
	}
	logger := log.Logger
	if options.Logger != nil {
		logger = *options.Logger
	}

	s := &Server{
		options:   options,
		actors:    actors,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	s.http = &http.Server{Addr: options.Addr, Handler: s.engine}
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery(), s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(s.options.CORSOrigins) == 0 || (len(s.options.CORSOrigins) == 1 && s.options.CORSOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.options.CORSOrigins
	}
	g.Use(cors.New(corsConfig))

	g.GET("/healthz", s.handleHealth)
	g.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	api := g.Group("/api")
	if s.options.RateLimiter != nil {
		api.Use(s.rateLimit())
	}
	api.POST("/actor/input", s.handleActorInput)
	api.GET("/actor/sse", s.handleActorSSE)
	api.GET("/actor/ws", s.handleActorWS)
	api.POST("/snapshot", s.handleSnapshotCreate)
	api.POST("/snapshot/restore", s.handleSnapshotRestore)
	return g
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.options.Addr).Msg("Starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.StartSpan(tracing.NewRequestContext(c.Request.Context()), tracing.TracerServer,
			c.Request.Method+" "+route,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		observability.RecordHTTPRequest(route, status)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	limiter := s.options.RateLimiter
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if limiter.Allow(ip) {
			c.Next()
			return
		}
		retryAfter := int((limiter.RetryAfter(ip) + time.Second - 1) / time.Second)
		observability.RecordSecurityAudit(c.Request.Context(), "rate_limit", ip, "denied", map[string]interface{}{
			"path":       c.Request.URL.Path,
			"retryAfter": retryAfter,
		})
		s.logger.Warn().Str("ip", ip).Str("path", c.Request.URL.Path).Int("retryAfter", retryAfter).Msg("Rate limit exceeded")
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	}
	if s.options.Status != nil {
		for k, v := range s.options.Status() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func badRequest(c *gin.Context, msg string, details ...string) {
	if details == nil {
		details = []string{}
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "details": details})
}

// actorFromQuery resolves the actor named by the userId and actorId query
// parameters, writing the error response itself on failure.
func (s *Server) actorFromQuery(c *gin.Context) (*actor.Actor, bool) {
	var details []string
	userID, err := strconv.ParseInt(c.Query("userId"), 10, 64)
	if err != nil {
		details = append(details, "userId: must be an integer")
	}
	actorID, err := strconv.ParseInt(c.Query("actorId"), 10, 64)
	if err != nil {
		details = append(details, "actorId: must be an integer")
	}
	if len(details) > 0 {
		badRequest(c, "Invalid query", details...)
		return nil, false
	}

	a, err := s.actors.Get(c.Request.Context(), userID, actorID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load actor")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load actor"})
		return nil, false
	}
	return a, true
}

// subscribe registers a buffered listener on a. Events that do not fit the
// buffer are dropped for this subscriber only.
func (s *Server) subscribe(a *actor.Actor) (<-chan actor.Event, func()) {
	events := make(chan actor.Event, streamBuffer)
	h := a.Subscribe(func(ev actor.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Warn().Str("actor_key", a.Key()).Msg("Stream client too slow, dropping event")
		}
	})
	return events, func() { a.Unsubscribe(h) }
}
