// Package control exposes the daemon's HTTP control plane: health, status,
// client listing, operator send, and the event feed (snapshot + websocket
// tail).
//
// Everything under /api requires the admin token in the x-bridge-token
// header, verified against the configured SHA-256 hash. When no hash is
// configured the API surface is disabled outright and answers 401, while
// the stream socket keeps working regardless. /health stays open for
// liveness checks.
package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/bridge/internal/connmgr"
	"github.com/openclaw/bridge/internal/event"
	"github.com/openclaw/bridge/internal/queue"
	"github.com/openclaw/bridge/internal/registry"
	"github.com/openclaw/bridge/internal/router"
)

// TokenHeader carries the admin token on every /api request.
const TokenHeader = "x-bridge-token"

// shutdownGrace bounds how long Shutdown waits for in-flight requests.
const shutdownGrace = 1500 * time.Millisecond

// Config carries the control plane's dependencies.
type Config struct {
	Addr           string
	AdminTokenHash string
	SocketPath     string
	MaxFrameBytes  int
	Version        string

	Registry *registry.Registry
	Router   *router.Router
	Conns    *connmgr.Manager
	Queue    *queue.Store
	Recorder *event.Recorder
}

// Server is the HTTP control plane.
type Server struct {
	cfg       Config
	engine    *gin.Engine
	http      *http.Server
	listener  net.Listener
	startedAt time.Time
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		startedAt: time.Now(),
	}
	s.routes()

	s.http = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api", s.requireToken)
	api.GET("/status", s.handleStatus)
	api.GET("/clients", s.handleClients)
	api.POST("/send", s.handleSend)
	api.GET("/events", s.handleEvents)
	api.GET("/events/ws", s.handleEventsWS)
}

// Handler exposes the route table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the configured TCP address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Serve runs the HTTP server on the bound listener until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("control server is not listening")
	}
	s.cfg.Recorder.Info("control_listening", "control plane ready", map[string]any{
		"addr": s.Addr(),
	})
	if err := s.http.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within a short grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// requireToken rejects requests without a valid admin token. A missing
// token hash disables the whole API rather than opening it up.
func (s *Server) requireToken(c *gin.Context) {
	token := c.GetHeader(TokenHeader)
	if s.cfg.AdminTokenHash == "" || !registry.VerifyHash(s.cfg.AdminTokenHash, token) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
