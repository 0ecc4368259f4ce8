// Package server exposes the simulation and management HTTP surfaces.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"

	"github.com/DavidGasparyan/phishing-simulator/auth"
	"github.com/DavidGasparyan/phishing-simulator/config"
	"github.com/DavidGasparyan/phishing-simulator/gateway"
	"github.com/DavidGasparyan/phishing-simulator/projection"
	"github.com/DavidGasparyan/phishing-simulator/relay"
	"github.com/DavidGasparyan/phishing-simulator/service"
	"github.com/DavidGasparyan/phishing-simulator/store"
	"github.com/DavidGasparyan/phishing-simulator/tracker"
)

type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeManagement Mode = "management"
	ModeStandalone Mode = "standalone"
)

func (m Mode) simulation() bool { return m == ModeSimulation || m == ModeStandalone }
func (m Mode) management() bool { return m == ModeManagement || m == ModeStandalone }

// Deps are the components a Server routes to. Fields not needed by the
// chosen Mode may be nil.
type Deps struct {
	Store     store.AttemptStore
	Attempts  *service.AttemptService
	Tracker   *tracker.Handler
	Publisher relay.Publisher

	Auth      *auth.Issuer
	Gateway   *gateway.Gateway
	WebSocket *gateway.WSHandler
	Consumer  relay.Consumer
	Projector *projection.Projector
}

type Server struct {
	mode   Mode
	config *config.Config
	deps   Deps
	router *gin.Engine
	server *http.Server

	cancelConsumer context.CancelFunc
	consumerDone   chan struct{}
}

func New(mode Mode, cfg *config.Config, deps Deps) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		mode:   mode,
		config: cfg,
		deps:   deps,
		router: router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	if s.mode.simulation() {
		s.router.GET("/track/:token", s.trackClick)
		s.router.GET("/phishing/track/:token", s.trackClick)
		s.router.POST("/phishing/send", s.sendAttempt)
	}

	if s.mode.management() {
		api := s.router.Group("/api/management")
		api.GET("/health", s.healthCheck)
		api.GET("/ws", gin.WrapH(s.deps.WebSocket))
		api.GET("/realtime", auth.RequireAuth(s.deps.Auth), auth.RequireRole(auth.RoleAdmin), s.realtimeStatus)

		attempts := api.Group("/phishing-attempts", auth.RequireAuth(s.deps.Auth))
		attempts.POST("", s.createAttempt)
		attempts.GET("", s.listAttempts)
		attempts.GET("/stats", s.attemptStats)
		attempts.GET("/:id", s.getAttempt)
		attempts.PATCH("/:id", s.updateAttempt)
		attempts.DELETE("/:id", s.deleteAttempt)
	}
}

// Handler returns the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	origins := s.config.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})(s.router)
}

// Start begins serving and, on the management side, consuming relay facts.
func (s *Server) Start() error {
	s.startConsumer()

	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.Server.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("server starting",
		"addr", addr,
		"mode", string(s.mode),
		"environment", s.config.App.Env,
		"base_url", s.config.GetBaseURL(),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown stops accepting requests, stops the relay consumer and waits for
// in-flight click notifications.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.cancelConsumer != nil {
		s.cancelConsumer()
		select {
		case <-s.consumerDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("relay consumer: %w", ctx.Err()))
		}
	}

	if s.deps.Tracker != nil {
		done := make(chan struct{})
		go func() {
			s.deps.Tracker.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("pending click notifications: %w", ctx.Err()))
		}
	}

	return errors.Join(errs...)
}

func (s *Server) startConsumer() {
	if !s.mode.management() || s.deps.Consumer == nil || s.deps.Projector == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConsumer = cancel
	s.consumerDone = make(chan struct{})

	go func() {
		defer close(s.consumerDone)
		if err := s.deps.Consumer.Consume(ctx, s.deps.Projector.Handle); err != nil {
			slog.Error("relay consumer stopped", "error", err)
		}
	}()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// The route pattern is logged rather than the path so tracking
		// tokens stay out of the logs.
		slog.Debug("request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
