package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
	intnet "github.com/tunecast-project/tunecast/internal/network"
	"github.com/tunecast-project/tunecast/internal/playback"
	"github.com/tunecast-project/tunecast/internal/server"
	"github.com/tunecast-project/tunecast/internal/util"
)

// Backend is the read side of the broadcast server.
type Backend interface {
	Status() server.Status
	Connections() []intnet.ConnectionInfo
	Current() (playback.Info, bool)
}

// PluginToggler switches the broadcast server on and off.
type PluginToggler interface {
	SetEnabled(enabled bool) error
	Running() bool
}

// Server is the control REST API.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	backend  Backend
	plugin   PluginToggler
	sysInfo  util.SystemInfo

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, backend Backend, plugin PluginToggler) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		backend:  backend,
		plugin:   plugin,
		sysInfo:  util.GetSystemInfo(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the API port and serves until ctx is cancelled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.GetAPI().Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	apiCfg := s.cfg.GetAPI()
	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleStatus)
		api.GET("/connections", s.handleConnections)
		api.GET("/playback", s.handleGetPlayback)
	}

	control := api.Group("")
	control.Use(rateLimiter.Middleware())
	{
		control.POST("/playback/track", s.handleTrack)
		control.POST("/playback/elapsed", s.handleElapsed)
		control.POST("/plugin/enable", s.handlePluginToggle(true))
		control.POST("/plugin/disable", s.handlePluginToggle(false))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "tunecast API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
