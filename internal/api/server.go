package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/health"
	"github.com/energizer-project/blockbridge/internal/network"
	"github.com/energizer-project/blockbridge/internal/store"
	"github.com/energizer-project/blockbridge/internal/util"
)

// SessionManager is the relay surface the API drives.
type SessionManager interface {
	Sessions() []network.ConnectionInfo
	SessionCount() int
	CloseSession(id string) error
	MarkPlay(id string) error
}

// Deps are the components the API reports on.
type Deps struct {
	Config   *config.Config
	Bus      *events.EventBus
	Sessions SessionManager
	// Recorder may be nil when no store is configured.
	Recorder store.Recorder
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
	// Health adds self-check results to /api/status when non-nil.
	Health  HealthReporter
	Version string
}

// HealthReporter exposes the latest self-check results.
type HealthReporter interface {
	Snapshot() []health.Status
}

// Server is the admin HTTP API.
type Server struct {
	deps    Deps
	cfg     config.APIConfig
	started time.Time
	sysInfo util.SystemInfo

	httpServer *http.Server
	router     *gin.Engine
	listener   net.Listener
}

// NewServer creates the API server and builds its router.
func NewServer(deps Deps) *Server {
	if deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Recorder == nil {
		deps.Recorder = store.Nop{}
	}

	s := &Server{
		deps:    deps,
		cfg:     deps.Config.API,
		started: time.Now(),
		sysInfo: util.GetSystemInfo(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the API address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	s.listener = ln

	log.Info().Str("addr", ln.Addr().String()).Msg("admin API listening")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(IPWhitelist(s.cfg.IPWhitelist))
	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	router.GET("/api/ping", s.handlePing)

	api := router.Group("/api")
	api.Use(RequireToken(s.cfg.Token))
	{
		api.GET("/status", s.handleStatus)
		api.GET("/config", s.handleGetConfig)

		api.GET("/sessions", s.handleListSessions)
		api.DELETE("/sessions/:id", s.handleCloseSession)
		api.POST("/sessions/:id/play", s.handleMarkPlay)
		api.GET("/logins", s.handleRecentLogins)

		api.POST("/skins/resize", s.handleResizeSkin)

		api.GET("/events/ws", s.handleEventStream)
	}

	if s.deps.Metrics != nil && s.deps.Config.Metrics.Enabled {
		router.GET(s.deps.Config.Metrics.Path, gin.WrapH(s.deps.Metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": util.AppName + " admin API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
