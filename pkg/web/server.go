// Package web serves the interview UI surface: a status API, manual avatar
// retry and stop endpoints, and a websocket stream of interview events.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-interview/pkg/hub"
	"github.com/teslashibe/go-interview/pkg/interview"
)

// Controller is the interview the server drives. *interview.Controller
// satisfies it.
type Controller interface {
	Status() interview.Status
	RetryAvatar(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ErrNoController is returned by the control endpoints before Attach.
var ErrNoController = errors.New("web: no interview attached")

// Option configures a Server.
type Option func(*Server)

// WithStaticDir serves a browser UI from dir at /.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the UI server. It is also the interview's Observer: every
// notification updates the UI state and is broadcast on /ws/events.
type Server struct {
	app       *fiber.App
	port      string
	staticDir string
	logger    *slog.Logger
	events    *hub.Hub

	ctrlMu sync.RWMutex
	ctrl   Controller

	stateMu sync.RWMutex
	state   State
}

// NewServer creates a server listening on port once started.
func NewServer(port string, opts ...Option) *Server {
	s := &Server{
		port:   port,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.events = hub.New("events", s.logger)
	s.state.Channel = "disconnected"

	app := fiber.New(fiber.Config{
		AppName:               "Interview",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	if s.staticDir != "" {
		app.Static("/", s.staticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/avatar/retry", s.handleRetryAvatar)
	api.Post("/session/stop", s.handleStop)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Attach sets the interview behind the control endpoints.
func (s *Server) Attach(c Controller) {
	s.ctrlMu.Lock()
	s.ctrl = c
	s.ctrlMu.Unlock()
}

func (s *Server) controller() Controller {
	s.ctrlMu.RLock()
	defer s.ctrlMu.RUnlock()
	return s.ctrl
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the server on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.events.Run()
	s.logger.Info("web server listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server stopped", "error", err)
		}
	}()
}

// Clients returns the number of connected event clients.
func (s *Server) Clients() int { return s.events.ClientCount() }

// Shutdown disconnects every client and stops the server.
func (s *Server) Shutdown() error {
	s.events.Stop()
	return s.app.Shutdown()
}
