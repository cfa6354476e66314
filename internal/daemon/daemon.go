// Package daemon assembles and supervises the bridge: logging, the event
// ring, the client registry, the router, the stream listener, and the HTTP
// control plane.
//
// Startup is fail-fast: any component that cannot initialize aborts Run
// with an error before the daemon reports ready. Shutdown is triggered by
// context cancellation or by either listener failing, and tears down in
// reverse order: stop accepting, close client connections, drain the HTTP
// server, remove the socket file.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/bridge/internal/config"
	"github.com/openclaw/bridge/internal/connmgr"
	"github.com/openclaw/bridge/internal/control"
	"github.com/openclaw/bridge/internal/event"
	"github.com/openclaw/bridge/internal/queue"
	"github.com/openclaw/bridge/internal/registry"
	"github.com/openclaw/bridge/internal/router"
	"github.com/openclaw/bridge/internal/stream"
)

// Options tunes daemon assembly beyond the loaded configuration.
type Options struct {
	Version string

	// ConsoleLog additionally mirrors the log to stderr in human-readable
	// form. The JSON log file is always written.
	ConsoleLog bool
}

// Daemon is one assembled bridge instance.
type Daemon struct {
	cfg  *config.Config
	opts Options

	rec     *event.Recorder
	stream  *stream.Server
	control *control.Server
	logFile *os.File
	ready   chan struct{}
}

// New assembles a daemon from validated configuration. No sockets are
// bound yet; Run does that.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger, logFile, err := newLogger(cfg.LogFile, opts.ConsoleLog)
	if err != nil {
		return nil, err
	}

	ring := event.NewRing(cfg.EventRingMax)
	rec := event.NewRecorder(ring, logger)

	reg, err := registry.New(cfg.Clients)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	mode, err := cfg.Mode()
	if err != nil {
		logFile.Close()
		return nil, err
	}

	conns := connmgr.New()
	q := queue.NewStore(cfg.QueueLimit, rec)
	rtr := router.New(conns, q, rec)

	d := &Daemon{
		cfg:     cfg,
		opts:    opts,
		rec:     rec,
		logFile: logFile,
		ready:   make(chan struct{}),
	}
	d.stream = stream.New(stream.Config{
		SocketPath:    cfg.SocketPath,
		SocketMode:    mode,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Registry:      reg,
		Router:        rtr,
		Recorder:      rec,
	})
	d.control = control.New(control.Config{
		Addr:           cfg.HTTPAddr(),
		AdminTokenHash: cfg.AdminTokenHash,
		SocketPath:     cfg.SocketPath,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		Version:        opts.Version,
		Registry:       reg,
		Router:         rtr,
		Conns:          conns,
		Queue:          q,
		Recorder:       rec,
	})
	return d, nil
}

// newLogger opens the JSON log file (creating its directory) and builds
// the zerolog logger, optionally teeing to a console writer on stderr.
func newLogger(path string, console bool) (zerolog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var w io.Writer = f
	if console {
		w = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := zerolog.New(w).With().Timestamp().Str("component", "bridged").Logger()
	return logger, f, nil
}

// ControlAddr returns the control plane's bound address. Valid once Ready
// is closed.
func (d *Daemon) ControlAddr() string {
	return d.control.Addr()
}

// Ready is closed when both listeners are bound and serving.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Run binds both listeners, serves until the context is canceled or a
// listener fails, then shuts everything down. It blocks for the daemon's
// whole lifetime.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.logFile.Close()

	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	if err := d.stream.Listen(); err != nil {
		return err
	}
	if err := d.control.Listen(); err != nil {
		d.stream.Close()
		return err
	}

	d.rec.Info("started", "bridge daemon started", map[string]any{
		"version": d.opts.Version,
		"socket":  d.cfg.SocketPath,
		"http":    d.control.Addr(),
	})

	errs := make(chan error, 2)
	go func() { errs <- d.stream.Serve() }()
	go func() { errs <- d.control.Serve() }()
	close(d.ready)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	d.rec.Warn("shutting_down", "bridge daemon shutting down", nil)
	d.stream.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.control.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
