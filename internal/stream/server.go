package stream

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/openclaw/bridge/internal/event"
	"github.com/openclaw/bridge/internal/registry"
	"github.com/openclaw/bridge/internal/router"
)

// Config carries everything the listener needs.
type Config struct {
	SocketPath    string
	SocketMode    os.FileMode
	MaxFrameBytes int

	Registry *registry.Registry
	Router   *router.Router
	Recorder *event.Recorder
}

// Server owns the unix stream listener and all accepted connections. Each
// connection is served by its own goroutine so per-connection read loops
// never block each other or the router.
type Server struct {
	socketPath string
	socketMode os.FileMode
	maxFrame   int

	registry *registry.Registry
	router   *router.Router
	rec      *event.Recorder

	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// New creates the server; call Listen then Serve.
func New(cfg Config) *Server {
	return &Server{
		socketPath: cfg.SocketPath,
		socketMode: cfg.SocketMode,
		maxFrame:   cfg.MaxFrameBytes,
		registry:   cfg.Registry,
		router:     cfg.Router,
		rec:        cfg.Recorder,
		conns:      make(map[*Conn]struct{}),
	}
}

// Listen binds the socket: remove a stale socket file first (best-effort,
// warn on failure), bind, then apply the configured file mode so members
// of the shared group can connect.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.rec.Warn("stale_socket", "could not remove stale socket file", map[string]any{
			"path":  s.socketPath,
			"error": err.Error(),
		})
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket mode on %s: %w", s.socketPath, err)
	}

	s.listener = listener
	return nil
}

// Serve runs the accept loop until Close. Individual accept errors are
// logged and do not stop the loop.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("stream server is not listening")
	}
	s.rec.Info("listening", "stream listener ready", map[string]any{
		"path": s.socketPath,
	})

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.rec.Warn("accept_error", "accept failed", map[string]any{"error": err.Error()})
			continue
		}

		conn := newConn(s, nc)
		if !s.track(conn) {
			nc.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn.serve()
		}()
	}
}

// Close stops accepting, closes every live connection, removes the socket
// file best-effort, and waits for connection goroutines to drain.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.nc.Close()
	}
	_ = os.Remove(s.socketPath)
	s.wg.Wait()
}

// track registers a connection for shutdown; returns false when the server
// is already closing.
func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
