// Package pop3 implements the retrieval side of the sink: a POP3 server whose
// sessions list, read and delete messages in the shared store.
package pop3

import (
	"context"
	"net"
	"time"

	"github.com/shineum/bumsink/internal/acceptor"
)

// ServerConfig holds the configuration for a POP3 server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "localhost:110").
	ListenAddr string

	// Backlog is the requested listen queue depth.
	Backlog int

	// AcceptTimeout bounds each Accept call so shutdown is noticed promptly.
	AcceptTimeout time.Duration

	// Version is reported in the greeting.
	Version string

	// Store is the mailbox shared by every session.
	Store Mailbox
}

// Server is a POP3 server over a single shared mailbox.
type Server struct {
	config   ServerConfig
	acceptor *acceptor.Acceptor
}

// New creates a new POP3 Server with the given configuration.
func New(cfg ServerConfig) *Server {
	s := &Server{config: cfg}
	s.acceptor = acceptor.New(acceptor.Config{
		Name:          "pop3",
		Addr:          cfg.ListenAddr,
		Backlog:       cfg.Backlog,
		AcceptTimeout: cfg.AcceptTimeout,
	}, s.handle)
	return s
}

// ListenAndServe starts the POP3 server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	return s.acceptor.Serve(ctx)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	NewSession(conn, s.config.Store, s.config.Version).Handle(ctx)
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.acceptor.Ready()
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	return s.acceptor.Addr()
}
