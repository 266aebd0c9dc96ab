// Package api serves the public HTTP surface: the administrative
// endpoints and the WebSocket upgrade routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/engine"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/transport/ws"
)

// Config contains server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	// AdminSecret, when set, protects the session and values endpoints
	// with a bearer token. The health endpoint is always open.
	AdminSecret string
}

// Server is the public HTTP server.
type Server struct {
	router *gin.Engine
	engine *engine.Engine
	hub    *ws.Hub
	cfg    Config
	server *http.Server
	start  time.Time
}

// NewServer creates the HTTP server and mounts all routes.
func NewServer(cfg Config, eng *engine.Engine, hub *ws.Hub) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))

	s := &Server{
		router: router,
		engine: eng,
		hub:    hub,
		cfg:    cfg,
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	admin := s.router.Group("/", s.adminAuth())
	admin.GET("/session", s.handleSession)
	admin.GET("/values", s.handleValues)

	s.router.GET("/ws/voter", gin.WrapF(s.hub.HandleVoter))
	s.router.GET("/ws/performer", gin.WrapF(s.hub.HandlePerformer))
}

// adminAuth gates the administrative endpoints with the shared admin
// secret, when one is configured.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	sess := s.engine.Session()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"session_id":        sess.ID().String(),
		"session":           sess.Status(),
		"uptime_ms":         time.Since(s.start).Milliseconds(),
		"session_uptime_ms": sess.Uptime().Milliseconds(),
		"participants":      s.engine.Gateway().ClientCount(),
	})
}

func (s *Server) handleSession(c *gin.Context) {
	sess := s.engine.Session()
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID().String(),
		"status":     sess.Status(),
		"parameters": s.engine.Registry().All(),
		"overrides":  s.engine.Overrides().Snapshot(),
		"stats":      s.engine.Stats(),
	})
}

func (s *Server) handleValues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"values": s.engine.Values(),
		"states": s.engine.States(),
	})
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggerMiddleware logs each request through zerolog.
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		evt := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			evt.Str("errors", c.Errors.String())
		}
		evt.Msg("API request")
	}
}
