// Package smtp implements the capturing SMTP server: every message submitted
// with DATA is written to the shared store.
package smtp

import (
	"context"
	"net"
	"time"

	"github.com/shineum/bumsink/internal/acceptor"
	"github.com/shineum/bumsink/internal/provider"
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "localhost:25").
	ListenAddr string

	// Backlog is the requested listen queue depth.
	Backlog int

	// AcceptTimeout bounds each Accept call so shutdown is noticed promptly.
	AcceptTimeout time.Duration

	// Hostname is the server hostname used in HELO responses.
	Hostname string

	// Version is reported in the greeting.
	Version string

	// Store receives every completed message.
	Store Saver

	// Relay, if set, is offered a copy of every saved message.
	Relay provider.Provider
}

// Server is an SMTP server that accepts connections and stores every
// submitted message.
type Server struct {
	config   ServerConfig
	acceptor *acceptor.Acceptor
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	s := &Server{config: cfg}
	s.acceptor = acceptor.New(acceptor.Config{
		Name:          "smtp",
		Addr:          cfg.ListenAddr,
		Backlog:       cfg.Backlog,
		AcceptTimeout: cfg.AcceptTimeout,
	}, s.handle)
	return s
}

// ListenAndServe starts the SMTP server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	return s.acceptor.Serve(ctx)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	NewSession(conn, s.config.Store, s.config.Relay, s.config.Hostname, s.config.Version).Handle(ctx)
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.acceptor.Ready()
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	return s.acceptor.Addr()
}
