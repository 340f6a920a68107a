package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fingerhq/finger/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	addr     string
	port     int // actual port after binding, useful with :0
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g. "127.0.0.1:5521").
	Addr string
	// Handler carries the component wiring.
	Handler Config
	// ReadTimeout bounds reading an entire request. Zero means 30s.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes. Zero means none, which
	// long-polling callers rely on.
	WriteTimeout time.Duration
}

// NewServer binds the listener and prepares the HTTP server. Binding
// first means a :0 address has its real port available immediately via
// Port().
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandler(cfg.Handler)

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		addr:     cfg.Addr,
		port:     port,
		listener: listener,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Start serves HTTP on the bound listener. It blocks until the server
// is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "api server listening", "addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "api server stopping")
	return s.server.Shutdown(ctx)
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
